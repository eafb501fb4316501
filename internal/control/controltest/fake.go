// Package controltest provides an in-memory control.Transport and
// control.Dialer for tests.
package controltest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/peterje/termlink/internal/control"
)

// ErrDropped is the Err of a Transport closed with Drop.
var ErrDropped = errors.New("controltest: connection dropped")

// Call is one recorded RPC.
type Call struct {
	Method string
	Params json.RawMessage
}

// Transport is an in-memory control.Transport. Publications are delivered
// synchronously on the publishing goroutine, which makes delivery order
// the publish order.
type Transport struct {
	mu       sync.Mutex
	calls    []Call
	subs     map[string][]*fakeSub
	closed   bool
	err      error
	done     chan struct{}
	callErr  error
	callHook func(ctx context.Context, method string) error
}

// NewTransport returns an open Transport.
func NewTransport() *Transport {
	return &Transport{
		subs: make(map[string][]*fakeSub),
		done: make(chan struct{}),
	}
}

// Call records the call. It fails with the error set by FailCalls, or the
// result of the hook set by OnCall.
func (t *Transport) Call(ctx context.Context, method string, params, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return t.err
	}
	t.calls = append(t.calls, Call{Method: method, Params: raw})
	callErr, hook := t.callErr, t.callHook
	t.mu.Unlock()

	if hook != nil {
		return hook(ctx, method)
	}
	return callErr
}

// Subscribe registers handler for channel.
func (t *Transport) Subscribe(channel string, handler func(data []byte)) (io.Closer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, t.err
	}
	s := &fakeSub{transport: t, channel: channel, handler: handler}
	t.subs[channel] = append(t.subs[channel], s)
	return s, nil
}

// Done is closed by Close or Drop.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err reports why the transport ended.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close closes the transport.
func (t *Transport) Close() error {
	t.shutdown(errors.New("controltest: closed"))
	return nil
}

// Drop simulates the connection dying underneath its owner.
func (t *Transport) Drop() {
	t.shutdown(ErrDropped)
}

func (t *Transport) shutdown(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.err = err
	t.subs = make(map[string][]*fakeSub)
	close(t.done)
}

// Closed reports whether the transport has been closed or dropped.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// FailCalls makes subsequent calls return err.
func (t *Transport) FailCalls(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callErr = err
}

// OnCall installs a hook run for every call after it is recorded.
func (t *Transport) OnCall(hook func(ctx context.Context, method string) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callHook = hook
}

// Calls returns the recorded calls.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// Subscribers returns the number of live subscriptions on channel.
func (t *Transport) Subscribers(channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[channel])
}

// Publish marshals msg and delivers it to every subscriber of channel. It
// returns the number of handlers called.
func (t *Transport) Publish(channel string, msg any) int {
	raw, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	return t.PublishRaw(channel, raw)
}

// PublishRaw delivers data unchanged.
func (t *Transport) PublishRaw(channel string, data []byte) int {
	t.mu.Lock()
	subs := append([]*fakeSub(nil), t.subs[channel]...)
	t.mu.Unlock()

	n := 0
	for _, s := range subs {
		if s.closed.Load() {
			continue
		}
		s.handler(data)
		n++
	}
	return n
}

type fakeSub struct {
	transport *Transport
	channel   string
	handler   func(data []byte)
	closed    atomic.Bool
}

func (s *fakeSub) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	t := s.transport
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.subs[s.channel]
	for i, other := range subs {
		if other == s {
			t.subs[s.channel] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// Dialer hands out Transports. By default every dial succeeds with a new
// Transport; queue failures with FailNext or block dials with Hold.
type Dialer struct {
	mu         sync.Mutex
	dials      int
	failures   []error
	transports []*Transport
	hold       chan struct{}
	dialing    chan struct{}
}

// NewDialer returns a Dialer whose dials succeed.
func NewDialer() *Dialer {
	return &Dialer{dialing: make(chan struct{}, 64)}
}

// Dial implements control.Dialer.
func (d *Dialer) Dial(ctx context.Context) (control.Transport, error) {
	d.mu.Lock()
	d.dials++
	hold := d.hold
	d.mu.Unlock()

	select {
	case d.dialing <- struct{}{}:
	default:
	}

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	t := NewTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

// FailNext makes the next dial fail with err. Calls queue.
func (d *Dialer) FailNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, err)
}

// Hold blocks dials until the returned function is called.
func (d *Dialer) Hold() (release func()) {
	ch := make(chan struct{})
	d.mu.Lock()
	d.hold = ch
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.hold == ch {
				d.hold = nil
			}
			d.mu.Unlock()
			close(ch)
		})
	}
}

// Dialing receives once per dial attempt, as it starts.
func (d *Dialer) Dialing() <-chan struct{} { return d.dialing }

// Dials returns the number of dial attempts.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recently dialled Transport, or nil.
func (d *Dialer) Last() *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

var (
	_ control.Transport = (*Transport)(nil)
	_ control.Dialer    = (*Dialer)(nil)
)
