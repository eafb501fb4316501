// Package clock provides an injectable time source so that retry timers can
// be driven deterministically in tests.
//
// Production code uses Real(). Tests use Fake(), whose time only moves when
// Advance is called:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	m := control.NewManager(dialer, control.WithClock(c))
//	c.WaitForTimers(1)
//	c.Advance(5 * time.Second)
package clock

import "time"

// Clock abstracts the parts of the time package used by this module.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f after d elapses. The returned Timer can cancel
	// the pending call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. It reports whether the call stopped
// the timer; false means it had already fired or been stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}
