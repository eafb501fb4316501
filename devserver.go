package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/peterje/termlink/internal/echo"
	"github.com/peterje/termlink/internal/transport"
)

func devServerCmd() *cobra.Command {
	var (
		listen   string
		token    string
		useTLS   bool
		certFile string
		keyFile  string
	)

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local echo backend for trying the front ends",
		Long: `Devserver serves the control endpoint at /control. Every session
echoes its input; Enter completes a command and Ctrl-D ends the
session. Point attach or web at ws://<listen>/control, or at
wss://<listen>/control with --insecure when serving a self-signed
certificate (--tls without --cert/--key).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			backend := echo.New(logger)
			srv := transport.NewServer(backend,
				transport.WithToken(token),
				transport.WithServerLogger(logger),
				transport.WithKeepAlive(cfg.KeepAlive),
			)
			backend.Bind(srv)

			mux := http.NewServeMux()
			mux.Handle("GET /control", srv)
			httpSrv := &http.Server{
				Addr:    listen,
				Handler: loggingMiddleware(logger, recoveryMiddleware(logger, mux)),
			}

			go func() {
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				<-sigCh
				srv.CloseConnections()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				httpSrv.Shutdown(ctx)
			}()

			if useTLS {
				tlsCfg, err := transport.ServerTLSConfig(certFile, keyFile, filepath.Join(cfg.DataDir, "devserver-tls"))
				if err != nil {
					return err
				}
				httpSrv.TLSConfig = tlsCfg
				logger.Info("echo backend listening", "url", "wss://"+listen+"/control")
				err = httpSrv.ListenAndServeTLS("", "")
				if err != http.ErrServerClosed {
					return err
				}
				return nil
			}

			logger.Info("echo backend listening", "url", "ws://"+listen+"/control")
			if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:9000", "Listen address")
	cmd.Flags().StringVar(&token, "require-token", "", "Bearer token clients must present")
	cmd.Flags().BoolVar(&useTLS, "tls", false, "Serve TLS")
	cmd.Flags().StringVar(&certFile, "cert", "", "TLS certificate file (default: self-signed)")
	cmd.Flags().StringVar(&keyFile, "key", "", "TLS key file")
	return cmd
}
