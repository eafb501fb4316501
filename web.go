package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/peterje/termlink/internal/channel"
	"github.com/peterje/termlink/internal/server"
)

func webCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "web",
		Short: "Serve browser terminal views",
		Long: `Web serves /ws/session/{id}: each websocket is one terminal view
bridged to the session over the shared control connection. Binary
frames carry keystrokes and output; text frames carry resize requests
and annunciations. /api/health reports the connection state and
/api/sessions the attach history.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if err := cfg.ValidateDial(); err != nil {
				return err
			}
			logger := newLogger(cfg)

			history, err := openHistory(cfg)
			if err != nil {
				logger.Warn("history unavailable", "error", err)
			} else {
				defer history.Close()
			}

			manager := newManager(cfg, logger)
			defer manager.Disconnect()
			registry := channel.NewRegistry(manager, channel.WithLogger(logger))
			defer registry.Close()
			manager.Connect()

			srv := server.New(history, manager, registry, cfg.URL, logger)
			httpSrv := &http.Server{
				Addr:    cfg.Listen,
				Handler: loggingMiddleware(logger, recoveryMiddleware(logger, srv)),
			}

			// Graceful shutdown
			go func() {
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				sig := <-sigCh
				logger.Info("shutting down", "signal", sig.String())

				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				httpSrv.Shutdown(ctx)
			}()

			logger.Info("serving terminal views", "addr", cfg.Listen, "backend", cfg.URL)
			if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from config, 127.0.0.1:8800)")
	return cmd
}
