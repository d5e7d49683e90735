package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cyberinferno/securesocket/config"
	"github.com/cyberinferno/securesocket/logger"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "securesocket",
		Short: "TLS secured, message framed TCP server and client",
		Long: `securesocket speaks a line delimited text protocol over TLS.

Every message ends with the [END] delimiter. The server greets each
client, echoes what it receives to every connected client and can
broadcast a periodic [TICK] heartbeat.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		connectCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig returns the defaults when path is empty.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(cfg config.Config, override string) logger.Logger {
	level := cfg.LogLevel
	if override != "" {
		level = override
	}
	return logger.NewConsoleLogger("securesocket", logger.ParseLevel(level))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
