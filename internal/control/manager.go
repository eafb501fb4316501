// Package control owns the single control connection shared by every
// terminal view: it dials, exposes RPC calls and channel subscriptions on
// the live transport, notices when the transport dies and keeps redialling
// at a fixed interval until told to stop.
//
// State machine:
//
//	disconnected --Connect--> connecting --ok--> connected
//	connecting --dial failed--> error
//	connected --transport dropped--> error
//	error --retry delay--> connecting
//	any --Disconnect--> disconnected
//
// Retries are unbounded. Callers that need a bounded retry budget watch the
// state and call Disconnect themselves.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/peterje/termlink/internal/clock"
)

const (
	// DefaultRetryDelay is the fixed pause between a failure and the next
	// connection attempt.
	DefaultRetryDelay = 5 * time.Second

	// DefaultCallTimeout applies to calls whose context has no deadline.
	DefaultCallTimeout = 30 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for retry timers.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithRetryDelay sets the pause between attempts. Non-positive values are
// ignored.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retryDelay = d
		}
	}
}

// WithCallTimeout sets the timeout applied to calls without a deadline.
// Zero disables it.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) { m.callTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

type watcher struct {
	id int
	fn func(State)
}

// Manager owns one logical control connection. It is safe for concurrent
// use.
type Manager struct {
	dialer      Dialer
	clock       clock.Clock
	retryDelay  time.Duration
	callTimeout time.Duration
	logger      *slog.Logger

	// notifyMu is held from a state change until its watchers have run,
	// so watchers observe transitions one at a time and in order.
	notifyMu sync.Mutex

	mu         sync.Mutex
	state      State
	transport  Transport
	lastErr    error
	attempt    int    // consecutive failed dials
	gen        uint64 // bumped by every attempt and by Disconnect
	cancelDial context.CancelFunc
	retry      *clock.Timer
	watchers   []watcher
	nextID     int
	changed    chan struct{} // closed on every transition
}

// NewManager returns a Manager in the Disconnected state. Nothing is
// dialled until Connect.
func NewManager(dialer Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:      dialer,
		clock:       clock.Real(),
		retryDelay:  DefaultRetryDelay,
		callTimeout: DefaultCallTimeout,
		logger:      slog.Default(),
		state:       Disconnected,
		changed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "control")
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the *ConnectionError behind the most recent Error
// state, or nil once connected.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Watch registers fn to be called after every state transition. Calls are
// synchronous and ordered. fn must not call Connect, Disconnect or
// Reconnect. The returned function removes the watcher.
func (m *Manager) Watch(fn func(State)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers = append(m.watchers, watcher{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, w := range m.watchers {
			if w.id == id {
				m.watchers = append(m.watchers[:i:i], m.watchers[i+1:]...)
				return
			}
		}
	}
}

// WaitFor blocks until the state is want or ctx is done.
func (m *Manager) WaitFor(ctx context.Context, want State) error {
	for {
		m.mu.Lock()
		state, changed := m.state, m.changed
		m.mu.Unlock()
		if state == want {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Connect starts connecting. It returns immediately; progress is visible
// through State and Watch. It is a no-op while connecting or connected.
func (m *Manager) Connect() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.connect()
}

// Disconnect cancels any pending retry or dial, closes the transport and
// moves to Disconnected. Calls in flight on the closed transport fail with
// the transport's close error. It is a no-op when already disconnected.
func (m *Manager) Disconnect() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.disconnect()
}

// Reconnect is Disconnect followed by Connect. Watchers see both
// transitions with nothing interleaved.
func (m *Manager) Reconnect() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.disconnect()
	m.connect()
}

// connect and disconnect require notifyMu.
func (m *Manager) connect() {
	m.mu.Lock()
	if m.state == Connecting || m.state == Connected {
		m.mu.Unlock()
		return
	}
	m.startAttemptLocked()
	watchers := m.setStateLocked(Connecting)
	m.mu.Unlock()
	m.notify(watchers, Connecting)
}

func (m *Manager) disconnect() {
	m.mu.Lock()
	if m.state == Disconnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.stopRetryLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	t := m.transport
	m.transport = nil
	m.lastErr = nil
	m.attempt = 0
	watchers := m.setStateLocked(Disconnected)
	m.mu.Unlock()

	if t != nil {
		t.Close()
	}
	m.logger.Info("disconnected")
	m.notify(watchers, Disconnected)
}

func (m *Manager) startAttemptLocked() {
	m.stopRetryLocked()
	m.gen++
	m.attempt++
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	go m.dial(ctx, cancel, m.gen, m.attempt)
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, attempt int) {
	t, err := m.dialer.Dial(ctx)
	cancel()

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if gen != m.gen || m.state != Connecting {
		// Disconnected or superseded while dialling.
		m.mu.Unlock()
		if t != nil {
			t.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		m.lastErr = &ConnectionError{Attempt: attempt, Err: err}
		m.scheduleRetryLocked(gen)
		watchers := m.setStateLocked(Error)
		m.mu.Unlock()
		m.logger.Warn("connect failed", "attempt", attempt, "retry_in", m.retryDelay, "error", err)
		m.notify(watchers, Error)
		return
	}

	m.transport = t
	m.lastErr = nil
	m.attempt = 0
	watchers := m.setStateLocked(Connected)
	m.mu.Unlock()

	m.logger.Info("connected", "attempt", attempt)
	go m.watchTransport(t, gen)
	m.notify(watchers, Connected)
}

func (m *Manager) watchTransport(t Transport, gen uint64) {
	<-t.Done()

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if gen != m.gen || m.transport != t {
		m.mu.Unlock()
		return
	}
	cause := errors.New("transport closed")
	if e, ok := t.(interface{ Err() error }); ok && e.Err() != nil {
		cause = e.Err()
	}
	m.transport = nil
	m.lastErr = &ConnectionError{Err: cause}
	m.scheduleRetryLocked(gen)
	watchers := m.setStateLocked(Error)
	m.mu.Unlock()

	t.Close()
	m.logger.Warn("connection lost", "retry_in", m.retryDelay, "error", cause)
	m.notify(watchers, Error)
}

func (m *Manager) scheduleRetryLocked(gen uint64) {
	m.stopRetryLocked()
	m.retry = m.clock.AfterFunc(m.retryDelay, func() { m.retryConnect(gen) })
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) retryConnect(gen uint64) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if gen != m.gen || m.state != Error {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.startAttemptLocked()
	watchers := m.setStateLocked(Connecting)
	m.mu.Unlock()

	m.logger.Debug("retrying connection")
	m.notify(watchers, Connecting)
}

// setStateLocked records the transition and returns the watchers to
// notify once m.mu is released.
func (m *Manager) setStateLocked(s State) []watcher {
	if m.state == s {
		return nil
	}
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
	return append([]watcher(nil), m.watchers...)
}

func (m *Manager) notify(watchers []watcher, s State) {
	for _, w := range watchers {
		w.fn(s)
	}
}

func (m *Manager) live() (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected || m.transport == nil {
		return nil, ErrNotConnected
	}
	return m.transport, nil
}

// Call invokes method on the live transport. It fails with ErrNotConnected
// unless the state is Connected. Calls whose context has no deadline get
// the manager's call timeout.
func (m *Manager) Call(ctx context.Context, method string, params, result any) error {
	t, err := m.live()
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if _, ok := ctx.Deadline(); !ok && m.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.callTimeout)
		defer cancel()
	}
	return t.Call(ctx, method, params, result)
}

// Subscribe subscribes to channel on the live transport. The subscription
// does not survive the transport; the channel registry re-creates
// subscriptions after a reconnect.
func (m *Manager) Subscribe(channel string, handler func(data []byte)) (io.Closer, error) {
	t, err := m.live()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return t.Subscribe(channel, handler)
}
