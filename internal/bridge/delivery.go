package bridge

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrDropped resolves sends made while the connection is down or the
	// view is inactive. Input is never buffered for later.
	ErrDropped = errors.New("bridge: dropped while not connected or not active")

	// ErrBacklog resolves sends that found the send queue full.
	ErrBacklog = errors.New("bridge: send queue full")

	// ErrClosed resolves sends made after Close, and queued sends that
	// Close abandoned.
	ErrClosed = errors.New("bridge: closed")

	// ErrInvalidSize resolves resizes with a non-positive dimension; no call
	// is made.
	ErrInvalidSize = errors.New("bridge: invalid terminal size")
)

// Delivery is the best-effort result of a send. Callers may ignore it.
type Delivery struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newDelivery() *Delivery {
	return &Delivery{done: make(chan struct{})}
}

func resolved(err error) *Delivery {
	d := newDelivery()
	d.resolve(err)
	return d
}

func (d *Delivery) resolve(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}

// Done is closed once the send has completed or failed.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Err returns the result once Done is closed, and nil before.
func (d *Delivery) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Wait blocks until the send completes or ctx is done.
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
