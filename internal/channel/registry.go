// Package channel keeps channel subscriptions alive on top of a control
// connection. A Subscription outlives the transport it was first attached
// to: the Registry detaches it when the connection goes away and attaches
// it again once the connection is back.
package channel

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/peterje/termlink/internal/control"
)

// Conn is the part of *control.Manager the registry needs.
type Conn interface {
	State() control.State
	Watch(fn func(control.State)) (cancel func())
	Subscribe(channel string, handler func(data []byte)) (io.Closer, error)
}

// Handler receives the payload of one channel message.
type Handler func(data []byte)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// Registry maps channel names to subscriptions. It holds at most one
// subscription per channel. It is safe for concurrent use.
type Registry struct {
	conn        Conn
	logger      *slog.Logger
	cancelWatch func()

	mu        sync.Mutex
	subs      map[string]*Subscription
	connected bool
	closed    bool
}

// NewRegistry returns a Registry observing conn.
func NewRegistry(conn Conn, opts ...Option) *Registry {
	r := &Registry{
		conn:   conn,
		logger: slog.Default(),
		subs:   make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "channel")

	r.cancelWatch = conn.Watch(r.onState)
	r.mu.Lock()
	r.connected = conn.State() == control.Connected
	r.mu.Unlock()
	return r
}

// Subscribe registers handler for channel. An existing subscription for
// the same channel is closed first. Messages are delivered only while the
// subscription is enabled and the connection is up.
func (r *Registry) Subscribe(channel string, handler Handler, enabled bool) *Subscription {
	s := &Subscription{
		id:       uuid.NewString(),
		channel:  channel,
		handler:  handler,
		registry: r,
		enabled:  enabled,
	}
	s.active.Store(enabled)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		s.closed = true
		s.active.Store(false)
		return s
	}
	if old := r.subs[channel]; old != nil {
		r.logger.Debug("replacing subscription", "channel", channel, "old", old.id, "new", s.id)
		r.closeLocked(old)
	}
	r.subs[channel] = s
	if enabled && r.connected {
		r.attachLocked(s)
	}
	return s
}

// Unsubscribe closes s. It is the same as s.Close.
func (r *Registry) Unsubscribe(s *Subscription) {
	if s != nil {
		s.Close()
	}
}

// Lookup returns the live subscription for channel, if any.
func (r *Registry) Lookup(channel string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[channel]
	return s, ok
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close closes every subscription and stops observing the connection.
func (r *Registry) Close() {
	r.cancelWatch()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, s := range r.subs {
		r.closeLocked(s)
	}
}

func (r *Registry) onState(state control.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	r.connected = state == control.Connected
	for _, s := range r.subs {
		if r.connected && s.enabled {
			r.attachLocked(s)
		} else {
			r.detachLocked(s)
		}
	}
	if r.connected {
		r.logger.Debug("attached subscriptions", "count", len(r.subs))
	}
}

func (r *Registry) attachLocked(s *Subscription) {
	if s.att != nil {
		return
	}
	att := &attachment{}
	closer, err := r.conn.Subscribe(s.channel, func(data []byte) {
		s.deliver(att, data)
	})
	if err != nil {
		// The connection went away between the state change and now; the
		// next Connected notification attaches again.
		r.logger.Warn("subscribe failed", "channel", s.channel, "error", err)
		return
	}
	att.closer = closer
	s.att = att
}

func (r *Registry) detachLocked(s *Subscription) {
	if s.att == nil {
		return
	}
	s.att.detached.Store(true)
	s.att.closer.Close()
	s.att = nil
}

func (r *Registry) closeLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	s.active.Store(false)
	r.detachLocked(s)
	if r.subs[s.channel] == s {
		delete(r.subs, s.channel)
	}
}

type attachment struct {
	closer   io.Closer
	detached atomic.Bool
}

// Subscription is one handler registered on a channel.
type Subscription struct {
	id       string
	channel  string
	handler  Handler
	registry *Registry

	// dispatchMu serialises handler calls.
	dispatchMu sync.Mutex
	active     atomic.Bool // enabled and not closed

	// Guarded by registry.mu.
	enabled bool
	closed  bool
	att     *attachment
}

// ID returns the subscription's unique handle.
func (s *Subscription) ID() string { return s.id }

// Channel returns the channel name.
func (s *Subscription) Channel() string { return s.channel }

// Enabled reports whether the subscription wants messages.
func (s *Subscription) Enabled() bool {
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	return s.enabled
}

// SetEnabled turns delivery on or off. Disabling takes effect from the
// next message; a handler call already running completes.
func (s *Subscription) SetEnabled(enabled bool) {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.closed || s.enabled == enabled {
		return
	}
	s.enabled = enabled
	s.active.Store(enabled)
	if enabled && r.connected {
		r.attachLocked(s)
	} else if !enabled {
		r.detachLocked(s)
	}
}

// Close removes the subscription. It is safe to call more than once and
// after the connection dropped.
func (s *Subscription) Close() error {
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	s.registry.closeLocked(s)
	return nil
}

func (s *Subscription) deliver(att *attachment, data []byte) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if att.detached.Load() || !s.active.Load() {
		return
	}
	s.handler(data)
}
