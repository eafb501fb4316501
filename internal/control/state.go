package control

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// State is the lifecycle state of the control connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNotConnected is returned by Call and Subscribe when the connection is
// not in the Connected state. The transport is never touched.
var ErrNotConnected = errors.New("control: not connected")

// ConnectionError records a failed connection attempt or a dropped
// connection. Attempt counts consecutive failed dials since the last
// successful connect; it is zero when an established connection dropped.
type ConnectionError struct {
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Attempt == 0 {
		return fmt.Sprintf("connection lost: %v", e.Err)
	}
	return fmt.Sprintf("connection attempt %d: %v", e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Transport is a live control connection. *transport.Client implements it.
type Transport interface {
	Call(ctx context.Context, method string, params, result any) error

	// Subscribe delivers channel messages to handler one at a time, in
	// arrival order. Closing the returned io.Closer must be idempotent.
	Subscribe(channel string, handler func(data []byte)) (io.Closer, error)

	// Done is closed when the connection is gone.
	Done() <-chan struct{}

	Close() error
}

// Dialer establishes a Transport.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (Transport, error)

func (f DialFunc) Dial(ctx context.Context) (Transport, error) { return f(ctx) }
