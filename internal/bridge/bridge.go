// Package bridge binds one remote terminal session to the shared control
// connection. Local keystrokes and resizes go out as RPC calls; the
// session's output channel comes back as Events delivered to a Sink.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/peterje/termlink/internal/channel"
	"github.com/peterje/termlink/internal/codec"
	"github.com/peterje/termlink/internal/control"
)

// RPC methods called on the remote side.
const (
	MethodInput  = "terminal.input"
	MethodResize = "terminal.resize"
)

// DefaultQueueSize bounds the sends waiting for the worker.
const DefaultQueueSize = 256

// ChannelName returns the output channel of a session.
func ChannelName(sessionID string) string {
	return "terminal#session#" + sessionID
}

// Conn is the part of *control.Manager a bridge uses. Bridges only read
// connection state and issue calls; they never drive the connection.
type Conn interface {
	State() control.State
	Watch(fn func(control.State)) (cancel func())
	Call(ctx context.Context, method string, params, result any) error
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithQueueSize sets how many sends may wait for the worker.
func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

type send struct {
	method   string
	params   any
	delivery *Delivery
}

// Bridge is one terminal view of one session.
type Bridge struct {
	sessionID string
	conn      Conn
	sink      Sink
	logger    *slog.Logger
	queueSize int

	sub         *channel.Subscription
	cancelWatch func()

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan send
	stop   chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	active    bool
	connected bool
	closed    bool
	phase     string
}

// New creates a bridge for sessionID and subscribes to its output
// channel. active reports whether the owning view is visible; delivery and
// sends are enabled only while it is and the connection is up.
func New(sessionID string, conn Conn, registry *channel.Registry, sink Sink, active bool, opts ...Option) *Bridge {
	b := &Bridge{
		sessionID: sessionID,
		conn:      conn,
		sink:      sink,
		logger:    slog.Default(),
		queueSize: DefaultQueueSize,
		active:    active,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bridge", "session_id", sessionID)
	b.queue = make(chan send, b.queueSize)
	b.ctx, b.cancel = context.WithCancel(context.Background())

	b.mu.Lock()
	b.cancelWatch = conn.Watch(b.onState)
	b.connected = conn.State() == control.Connected
	b.sub = registry.Subscribe(ChannelName(sessionID), b.handle, b.enabledLocked())
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run()
	return b
}

// SessionID returns the session this bridge serves.
func (b *Bridge) SessionID() string { return b.sessionID }

// Enabled reports whether the bridge currently sends and receives.
func (b *Bridge) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabledLocked()
}

// Phase returns the session phase from the last status event, or "" if
// none has arrived.
func (b *Bridge) Phase() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// SetActive records whether the owning view is visible.
func (b *Bridge) SetActive(active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.active == active {
		return
	}
	b.active = active
	b.sub.SetEnabled(b.enabledLocked())
}

func (b *Bridge) onState(state control.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.connected = state == control.Connected
	b.sub.SetEnabled(b.enabledLocked())
}

func (b *Bridge) enabledLocked() bool {
	return b.connected && b.active && !b.closed
}

// SendInput sends keystrokes typed by the user. It never blocks. While the
// bridge is not enabled the input is dropped and the Delivery resolves
// with ErrDropped without any call being made.
func (b *Bridge) SendInput(raw string) *Delivery {
	return b.enqueue(MethodInput, inputParams{SessionID: b.sessionID, Data: codec.Encode(raw)})
}

// SendInputBytes is SendInput for bytes that need not be valid UTF-8.
func (b *Bridge) SendInputBytes(raw []byte) *Delivery {
	return b.enqueue(MethodInput, inputParams{SessionID: b.sessionID, Data: codec.EncodeBytes(raw)})
}

// SendResize reports a new viewport size. It has the same gating as
// SendInput and does not debounce.
func (b *Bridge) SendResize(cols, rows int) *Delivery {
	if cols <= 0 || rows <= 0 {
		return resolved(fmt.Errorf("%w: %dx%d", ErrInvalidSize, cols, rows))
	}
	return b.enqueue(MethodResize, resizeParams{SessionID: b.sessionID, Cols: cols, Rows: rows})
}

func (b *Bridge) enqueue(method string, params any) *Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return resolved(ErrClosed)
	}
	if !b.enabledLocked() {
		return resolved(ErrDropped)
	}

	d := newDelivery()
	select {
	case b.queue <- send{method: method, params: params, delivery: d}:
	default:
		b.logger.Warn("send queue full, dropping", "method", method)
		d.resolve(ErrBacklog)
	}
	return d
}

// run issues queued calls one at a time so the remote side sees them in
// submission order.
func (b *Bridge) run() {
	defer b.wg.Done()
	for {
		select {
		case s := <-b.queue:
			err := b.conn.Call(b.ctx, s.method, s.params, nil)
			if err != nil {
				b.logger.Debug("call failed", "method", s.method, "error", err)
			}
			s.delivery.resolve(err)
		case <-b.stop:
			for {
				select {
				case s := <-b.queue:
					s.delivery.resolve(ErrClosed)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) handle(data []byte) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		b.logger.Warn("dropping malformed channel message", "error", err)
		return
	}

	switch EventType(msg.Type) {
	case EventOutput:
		text, ok := codec.DecodeOrRaw(msg.Data)
		if !ok {
			b.logger.Debug("output is not base64, passing through raw", "len", len(msg.Data))
		}
		b.sink.HandleEvent(Event{Type: EventOutput, Text: text, IsStderr: msg.IsStderr, Raw: !ok, Payload: data})
	case EventStatus:
		b.mu.Lock()
		b.phase = msg.Status
		b.mu.Unlock()
		b.sink.HandleEvent(Event{Type: EventStatus, Phase: msg.Status, Payload: data})
	case EventError:
		b.sink.HandleEvent(Event{Type: EventError, Message: msg.Message, Payload: data})
	case EventCommandComplete:
		b.sink.HandleEvent(Event{Type: EventCommandComplete, Payload: data})
	default:
		b.logger.Warn("dropping unknown channel message", "type", msg.Type)
	}
}

// Close unsubscribes, stops watching the connection and abandons queued
// sends. A call already in flight is cancelled. Close is idempotent.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancelWatch()
	b.sub.Close()
	close(b.stop)
	b.cancel()
	b.wg.Wait()
	b.logger.Debug("closed")
	return nil
}
