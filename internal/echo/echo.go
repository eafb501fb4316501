// Package echo is a development backend: every session echoes its input
// back as output. It speaks the same RPC methods and channel messages as a
// real session backend, so front ends can be tried without one.
package echo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/peterje/termlink/internal/codec"
)

// Control bytes with a meaning to the echo session.
const (
	keyEnter = '\r'
	keyEOF   = 0x04 // Ctrl-D
)

// Publisher fans a message out to a channel's subscribers.
// *transport.Server implements it.
type Publisher interface {
	Publish(channel string, msg any) (int, error)
}

type message struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	IsStderr bool   `json:"is_stderr,omitempty"`
	Status   string `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
}

type session struct {
	cols, rows int
	started    bool // set by the first input
}

// Backend serves terminal.input and terminal.resize.
type Backend struct {
	logger *slog.Logger

	mu       sync.Mutex
	pub      Publisher
	sessions map[string]*session
}

// New returns a Backend. Call Bind before serving.
func New(logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		logger:   logger.With("component", "echo"),
		sessions: make(map[string]*session),
	}
}

// Bind sets where session output is published.
func (b *Backend) Bind(pub Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pub = pub
}

// Sessions returns the number of live sessions.
func (b *Backend) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

type inputParams struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

type resizeParams struct {
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// ServeRPC implements transport.RPCHandler.
func (b *Backend) ServeRPC(_ context.Context, clientID, method string, params json.RawMessage) (any, error) {
	switch method {
	case "terminal.input":
		var p inputParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad params: %w", err)
		}
		if p.SessionID == "" {
			return nil, errors.New("session_id is required")
		}
		data, err := codec.DecodeBytes(p.Data)
		if err != nil {
			return nil, err
		}
		b.input(p.SessionID, data)
		return nil, nil

	case "terminal.resize":
		var p resizeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad params: %w", err)
		}
		if p.Cols <= 0 || p.Rows <= 0 {
			return nil, fmt.Errorf("invalid size %dx%d", p.Cols, p.Rows)
		}
		b.mu.Lock()
		s := b.sessionLocked(p.SessionID)
		s.cols, s.rows = p.Cols, p.Rows
		b.mu.Unlock()
		b.logger.Debug("resized", "session_id", p.SessionID, "cols", p.Cols, "rows", p.Rows, "client", clientID)
		return map[string]int{"cols": p.Cols, "rows": p.Rows}, nil

	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func (b *Backend) sessionLocked(id string) *session {
	s, ok := b.sessions[id]
	if !ok {
		s = &session{cols: 80, rows: 24}
		b.sessions[id] = s
	}
	return s
}

func (b *Backend) input(sessionID string, data []byte) {
	b.mu.Lock()
	s := b.sessionLocked(sessionID)
	first := !s.started
	s.started = true
	b.mu.Unlock()

	if first {
		b.publish(sessionID, message{Type: "status", Status: "connected"})
	}

	if i := bytes.IndexByte(data, keyEOF); i >= 0 {
		if i > 0 {
			b.echo(sessionID, data[:i])
		}
		b.mu.Lock()
		delete(b.sessions, sessionID)
		b.mu.Unlock()
		b.publish(sessionID, message{Type: "status", Status: "disconnected"})
		return
	}
	b.echo(sessionID, data)
}

func (b *Backend) echo(sessionID string, data []byte) {
	out := bytes.ReplaceAll(data, []byte{keyEnter}, []byte("\r\n"))
	b.publish(sessionID, message{Type: "output", Data: codec.EncodeBytes(out)})
	if bytes.IndexByte(data, keyEnter) >= 0 {
		b.publish(sessionID, message{Type: "command_complete"})
	}
}

func (b *Backend) publish(sessionID string, msg message) {
	b.mu.Lock()
	pub := b.pub
	b.mu.Unlock()
	if pub == nil {
		return
	}
	if _, err := pub.Publish("terminal#session#"+sessionID, msg); err != nil {
		b.logger.Warn("publish failed", "session_id", sessionID, "error", err)
	}
}
