// Command termlink attaches local and browser terminals to remote shell
// sessions over a single persistent control connection.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/peterje/termlink/internal/config"
	"github.com/peterje/termlink/internal/control"
	"github.com/peterje/termlink/internal/db"
	"github.com/peterje/termlink/internal/transport"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ control.Transport = (*transport.Client)(nil)

var (
	configPath  string
	flagURL     string
	flagToken   string
	flagLevel   string
	flagInsec   bool
	flagRetry   time.Duration
	flagTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "termlink",
	Short: "Attach terminals to remote shell sessions",
	Long: `termlink keeps one control connection to a session backend and
bridges terminals to remote shell sessions over it. Keystrokes and
resizes go out as RPC calls; session output streams back on a
per-session channel. Lost connections are retried every few seconds.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (default ~/.termlink/config.yaml)")
	flags.StringVar(&flagURL, "url", "", "Backend control endpoint (ws:// or wss://)")
	flags.StringVar(&flagToken, "token", "", "Bearer token presented to the backend")
	flags.StringVar(&flagLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.BoolVar(&flagInsec, "insecure", false, "Skip TLS certificate verification")
	flags.DurationVar(&flagRetry, "retry-delay", 0, "Pause between connection attempts")
	flags.DurationVar(&flagTimeout, "call-timeout", 0, "Timeout for RPC calls")

	rootCmd.AddCommand(attachCmd(), webCmd(), sessionsCmd(), devServerCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves settings: defaults, file, environment, then any flag
// the user set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.URL = flagURL
	}
	if flags.Changed("token") {
		cfg.Token = flagToken
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLevel
	}
	if flags.Changed("insecure") {
		cfg.Insecure = flagInsec
	}
	if flags.Changed("retry-delay") {
		cfg.RetryDelay = flagRetry
	}
	if flags.Changed("call-timeout") {
		cfg.CallTimeout = flagTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newManager(cfg *config.Config, logger *slog.Logger) *control.Manager {
	d := &transport.Dialer{
		URL:               cfg.URL,
		Token:             cfg.Token,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		KeepAliveInterval: cfg.KeepAlive,
		Logger:            logger,
	}
	if cfg.Insecure {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	dial := control.DialFunc(func(ctx context.Context) (control.Transport, error) {
		client, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return client, nil
	})
	return control.NewManager(dial,
		control.WithRetryDelay(cfg.RetryDelay),
		control.WithCallTimeout(cfg.CallTimeout),
		control.WithLogger(logger),
	)
}

// openHistory opens and migrates the history database.
func openHistory(cfg *config.Config) (*sql.DB, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	for _, e := range entries {
		script, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		if err := db.Migrate(database, string(script)); err != nil {
			database.Close()
			return nil, fmt.Errorf("migration %s: %w", e.Name(), err)
		}
	}
	return database, nil
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(rw, r)

		// WebSocket views log their own lifecycle.
		if r.Header.Get("Upgrade") == "websocket" {
			return
		}
		logger.Info("request", "method", r.Method, "path", r.URL.Path, "status", rw.status,
			"duration", time.Since(start).Round(time.Millisecond))
	})
}

func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic", "method", r.Method, "path", r.URL.Path, "error", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Implement http.Hijacker so WebSocket upgrades work through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}
