package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/creack/pty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/peterje/termlink/internal/bridge"
	"github.com/peterje/termlink/internal/channel"
	"github.com/peterje/termlink/internal/control"
	"github.com/peterje/termlink/internal/db"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

var (
	infoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

func attachCmd() *cobra.Command {
	var connectTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach this terminal to a remote session",
		Long: `Attach puts the local terminal in raw mode and bridges it to the
remote session. Press Ctrl-] to detach. Input typed while the
connection is down is discarded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
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
			return runAttach(cmd.Context(), args[0], cfg.URL, connectTimeout, manager, history, logger)
		},
	}
	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 30*time.Second, "Give up if the first connection takes longer (0 waits forever)")
	return cmd
}

// annunciator prints side-channel messages on stderr, outside the terminal
// byte stream.
type annunciator struct {
	out io.Writer
	raw bool
}

func (a *annunciator) say(style lipgloss.Style, format string, args ...any) {
	eol := "\n"
	if a.raw {
		eol = "\r\n"
	}
	fmt.Fprint(a.out, style.Render("[termlink] "+fmt.Sprintf(format, args...))+eol)
}

// runAttach bridges the process's terminal to sessionID until the user
// detaches, the session ends or the process is signalled. history may be
// nil.
func runAttach(ctx context.Context, sessionID, url string, connectTimeout time.Duration,
	manager *control.Manager, history *sql.DB, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if history != nil {
		if err := db.RecordAttach(ctx, history, sessionID, url, time.Now()); err != nil {
			logger.Warn("record attach failed", "error", err)
		}
	}

	stdinFd := int(os.Stdin.Fd())
	ann := &annunciator{out: os.Stderr, raw: term.IsTerminal(stdinFd)}
	ann.say(infoStyle, "connecting to %s", url)
	manager.Connect()

	if connectTimeout > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := manager.WaitFor(waitCtx, control.Connected)
		cancel()
		if err != nil {
			if last := manager.LastError(); last != nil {
				return fmt.Errorf("connect: %w", last)
			}
			return fmt.Errorf("connect: %w", err)
		}
	}

	if ann.raw {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("set terminal raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)
	}

	registry := channel.NewRegistry(manager, channel.WithLogger(logger))
	defer registry.Close()

	ended := make(chan struct{}, 1)
	sink := bridge.SinkFunc(func(e bridge.Event) {
		switch e.Type {
		case bridge.EventOutput:
			os.Stdout.WriteString(e.Text)
		case bridge.EventStatus:
			if history != nil {
				if err := db.SetPhase(context.Background(), history, sessionID, e.Phase); err != nil {
					logger.Debug("record phase failed", "error", err)
				}
			}
			if e.Phase == bridge.PhaseDisconnected {
				ann.say(warnStyle, "session ended")
				select {
				case ended <- struct{}{}:
				default:
				}
				return
			}
			ann.say(infoStyle, "session %s", e.Phase)
		case bridge.EventError:
			ann.say(errorStyle, "%s", e.Message)
		}
	})

	b := bridge.New(sessionID, manager, registry, sink, true, bridge.WithLogger(logger))
	defer b.Close()

	sendSize := func() {
		rows, cols, err := pty.Getsize(os.Stdin)
		if err != nil {
			return
		}
		b.SendResize(cols, rows)
	}

	stopWatch := manager.Watch(func(s control.State) {
		switch s {
		case control.Connected:
			ann.say(infoStyle, "connected")
			sendSize()
		case control.Error:
			ann.say(warnStyle, "connection lost, retrying: %v", manager.LastError())
		}
	})
	defer stopWatch()
	sendSize()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	detached := make(chan error, 1)
	go func() {
		detached <- pumpInput(os.Stdin, b)
	}()

	for {
		select {
		case <-winch:
			sendSize()
		case err := <-detached:
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			ann.say(infoStyle, "detached")
			return nil
		case <-ended:
			return nil
		case <-sigs:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type inputSender interface {
	SendInputBytes(raw []byte) *bridge.Delivery
}

// pumpInput forwards r to b until the detach key or EOF. It returns nil on
// detach.
func pumpInput(r io.Reader, b inputSender) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
				if i > 0 {
					b.SendInputBytes(chunk[:i])
				}
				return nil
			}
			b.SendInputBytes(chunk)
		}
		if err != nil {
			return err
		}
	}
}
