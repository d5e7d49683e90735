package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cyberinferno/securesocket/config"
	"github.com/cyberinferno/securesocket/events"
	"github.com/cyberinferno/securesocket/logger"
	"github.com/cyberinferno/securesocket/tlsclient"
	"github.com/spf13/cobra"
)

func connectCmd() *cobra.Command {
	var (
		configPath string
		address    string
		port       int
		insecure   bool
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a server and exchange messages",
		Long: `Connect to a server, print every message it sends and send each
line read from standard input. The client reconnects automatically
according to the [client] retry settings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("address") {
				cfg.Client.Address = address
			}
			if cmd.Flags().Changed("port") {
				cfg.Client.Port = port
			}
			if cmd.Flags().Changed("insecure") {
				cfg.Client.AcceptAnyServer = insecure
			}

			ctx, stop := signalContext()
			defer stop()

			return runClient(ctx, cfg, newLogger(cfg, logLevel), os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a TOML configuration file")
	cmd.Flags().StringVarP(&address, "address", "a", "127.0.0.1", "Server IP address")
	cmd.Flags().IntVarP(&port, "port", "p", 10001, "Server port")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Accept any server certificate (development only)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	return cmd
}

func runClient(ctx context.Context, cfg config.Config, log logger.Logger, in io.Reader, out io.Writer) error {
	clientCfg, err := cfg.Client.ClientConfig(log)
	if err != nil {
		return err
	}

	client, err := tlsclient.New(clientCfg, log)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.SetServerIPAddress(cfg.Client.Address); err != nil {
		return err
	}
	if err := client.SetPortNumber(strconv.Itoa(cfg.Client.Port)); err != nil {
		return err
	}

	client.OnTextReceived(func(e events.TextReceived) {
		fmt.Fprintf(out, "%s: %s\n", e.Sender, e.Text)
	})
	client.OnTick(func(e events.Tick) {
		fmt.Fprintf(out, "tick %s\n", e.Text)
	})
	client.OnStatus(func(e events.Status) {
		log.Debug(e.Text)
	})

	if err := client.Connect(); err != nil && !clientCfg.Retry.Enabled {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := client.Send(line); err != nil {
				log.Warn("send failed", logger.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}
