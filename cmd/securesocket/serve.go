package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cyberinferno/securesocket/config"
	"github.com/cyberinferno/securesocket/events"
	"github.com/cyberinferno/securesocket/logger"
	"github.com/cyberinferno/securesocket/relay"
	"github.com/cyberinferno/securesocket/tlsserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		port       int
		tick       bool
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the TLS server",
		Long: `Run the TLS server until SIGINT or SIGTERM.

Text received from any client is broadcast to every client, or published
to the Redis relay channel when the relay is enabled so that every node
broadcasts it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("tick") {
				cfg.Server.Tick = tick
			}

			ctx, stop := signalContext()
			defer stop()

			return runServer(ctx, cfg, newLogger(cfg, logLevel))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a TOML configuration file")
	cmd.Flags().IntVarP(&port, "port", "p", tlsserver.DefaultPort, "Port to listen on")
	cmd.Flags().BoolVar(&tick, "tick", false, "Broadcast a tick to every client at the configured interval")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	return cmd
}

func runServer(ctx context.Context, cfg config.Config, log logger.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	src, err := cfg.Server.CertSource()
	if err != nil {
		return err
	}

	srvCfg := cfg.Server.ServerConfig()
	srvCfg.MetricsRegisterer = reg
	srv, err := tlsserver.NewServer(srvCfg, src, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	broadcast := func(text string) {
		srv.Broadcast(text)
	}

	if cfg.Relay.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Relay.Addr,
			Password: cfg.Relay.Password,
			DB:       cfg.Relay.DB,
		})
		defer rdb.Close()

		rl, err := relay.New(rdb, cfg.Relay.Channel, cfg.Relay.Origin, srv, log)
		if err != nil {
			return err
		}

		broadcast = func(text string) {
			if err := rl.Publish(gctx, text); err != nil {
				log.Warn("relay publish failed, broadcasting locally", logger.Field{Key: "error", Value: err.Error()})
				srv.Broadcast(text)
			}
		}
		g.Go(func() error { return rl.Run(gctx) })
	}

	srv.OnTextReceived(func(e events.TextReceived) {
		log.Info("received",
			logger.Field{Key: "session_id", Value: e.SessionID},
			logger.Field{Key: "sender", Value: e.Sender},
			logger.Field{Key: "text", Value: e.Text},
		)
		broadcast(e.Text)
	})

	if err := srv.Start(); err != nil {
		return err
	}
	if cfg.Server.Tick {
		srv.StartTicking(cfg.Server.TickInterval)
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		httpSrv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			log.Info("metrics endpoint listening", logger.Field{Key: "addr", Value: cfg.Metrics.Addr})
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if err := srv.Stop(); err != nil && !errors.Is(err, tlsserver.ErrServerNotRunning) {
			return err
		}
		log.Info("server stopped", logger.Field{Key: "accepted", Value: srv.Accepted()})
		return nil
	})

	return g.Wait()
}
