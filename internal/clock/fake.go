package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock set to initial. Time stands still until Advance
// is called.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. It is safe for concurrent
// use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline order,
// without the clock's lock held. A callback may schedule new timers but must
// not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
	changed *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	callback func()
	stopped  bool
	fired    bool
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc registers f to run once the clock has advanced by d. If d <= 0,
// f runs before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}

	c.mu.Lock()
	w := &fakeWaiter{deadline: c.current.Add(d), callback: f}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		c.changed.Broadcast()
		return true
	}}
}

// Advance moves the clock forward by d and fires every timer whose deadline
// has been reached.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	for {
		due := c.nextDueLocked(target)
		if due == nil {
			break
		}
		due.fired = true
		c.current = due.deadline
		c.compactLocked()
		c.mu.Unlock()
		due.callback()
		c.mu.Lock()
	}
	c.current = target
	c.mu.Unlock()
}

// WaitForTimers blocks until at least n timers are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingTimers returns the number of timers that have neither fired nor
// been stopped.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	n := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeWaiter {
	sort.SliceStable(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	for _, w := range c.waiters {
		if w.stopped || w.fired {
			continue
		}
		if w.deadline.After(target) {
			return nil
		}
		return w
	}
	return nil
}

func (c *FakeClock) compactLocked() {
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			live = append(live, w)
		}
	}
	c.waiters = live
}
