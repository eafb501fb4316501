package channel_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/termlink/internal/channel"
	"github.com/peterje/termlink/internal/clock"
	"github.com/peterje/termlink/internal/control"
	"github.com/peterje/termlink/internal/control/controltest"
)

const ch = "terminal#session#s1"

type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) handle(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, string(data))
}

func (c *collector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func connected(t *testing.T) (*control.Manager, *controltest.Dialer, *clock.FakeClock) {
	t.Helper()
	d := controltest.NewDialer()
	clk := clock.Fake(time.Unix(0, 0))
	m := control.NewManager(d, control.WithClock(clk))
	t.Cleanup(m.Disconnect)
	m.Connect()
	waitFor(t, m, control.Connected)
	return m, d, clk
}

func waitFor(t *testing.T, m *control.Manager, want control.State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitFor(ctx, want))
}

func TestDeliversInArrivalOrder(t *testing.T) {
	m, d, _ := connected(t)
	r := channel.NewRegistry(m)
	defer r.Close()

	c := &collector{}
	sub := r.Subscribe(ch, c.handle, true)
	assert.NotEmpty(t, sub.ID())
	assert.Equal(t, ch, sub.Channel())
	assert.True(t, sub.Enabled())

	for _, msg := range []string{`"o1"`, `"o2"`, `"o3"`} {
		d.Last().PublishRaw(ch, []byte(msg))
	}
	assert.Equal(t, []string{`"o1"`, `"o2"`, `"o3"`}, c.get())
}

func TestDisabledSubscriptionReceivesNothing(t *testing.T) {
	m, d, _ := connected(t)
	r := channel.NewRegistry(m)
	defer r.Close()

	c := &collector{}
	sub := r.Subscribe(ch, c.handle, false)
	assert.Equal(t, 0, d.Last().PublishRaw(ch, []byte("x")))

	sub.SetEnabled(true)
	d.Last().PublishRaw(ch, []byte("y"))
	sub.SetEnabled(false)
	d.Last().PublishRaw(ch, []byte("z"))

	assert.Equal(t, []string{"y"}, c.get())
}

func TestDisableFromHandlerAffectsNextMessage(t *testing.T) {
	m, d, _ := connected(t)
	r := channel.NewRegistry(m)
	defer r.Close()

	var sub *channel.Subscription
	c := &collector{}
	sub = r.Subscribe(ch, func(data []byte) {
		c.handle(data)
		sub.SetEnabled(false)
	}, true)

	d.Last().PublishRaw(ch, []byte("first"))
	d.Last().PublishRaw(ch, []byte("second"))
	assert.Equal(t, []string{"first"}, c.get())
}

func TestNotConnectedReceivesNothing(t *testing.T) {
	d := controltest.NewDialer()
	m := control.NewManager(d, control.WithClock(clock.Fake(time.Unix(0, 0))))
	t.Cleanup(m.Disconnect)
	r := channel.NewRegistry(m)
	defer r.Close()

	c := &collector{}
	r.Subscribe(ch, c.handle, true)

	m.Connect()
	waitFor(t, m, control.Connected)
	d.Last().PublishRaw(ch, []byte("after connect"))

	m.Disconnect()
	assert.Equal(t, 0, d.Last().Subscribers(ch))
	assert.Equal(t, []string{"after connect"}, c.get())
}

func TestLastSubscriberWins(t *testing.T) {
	m, d, _ := connected(t)
	r := channel.NewRegistry(m)
	defer r.Close()

	first, second := &collector{}, &collector{}
	old := r.Subscribe(ch, first.handle, true)
	current := r.Subscribe(ch, second.handle, true)
	assert.NotEqual(t, old.ID(), current.ID())

	d.Last().PublishRaw(ch, []byte("m"))
	assert.Empty(t, first.get())
	assert.Equal(t, []string{"m"}, second.get())
	assert.Equal(t, 1, d.Last().Subscribers(ch))

	got, ok := r.Lookup(ch)
	require.True(t, ok)
	assert.Same(t, current, got)

	// Closing the replaced handle must not remove its successor.
	require.NoError(t, old.Close())
	_, ok = r.Lookup(ch)
	assert.True(t, ok)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	m, d, _ := connected(t)
	r := channel.NewRegistry(m)
	defer r.Close()

	c := &collector{}
	sub := r.Subscribe(ch, c.handle, true)
	r.Unsubscribe(sub)
	r.Unsubscribe(sub)
	require.NoError(t, sub.Close())
	r.Unsubscribe(nil)

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, d.Last().PublishRaw(ch, []byte("late")))
	assert.Empty(t, c.get())

	sub.SetEnabled(true)
	assert.Equal(t, 0, d.Last().Subscribers(ch))
}

func TestUnsubscribeAfterConnectionDrop(t *testing.T) {
	m, d, _ := connected(t)
	r := channel.NewRegistry(m)
	defer r.Close()

	sub := r.Subscribe(ch, func([]byte) {}, true)
	d.Last().Drop()
	waitFor(t, m, control.Error)

	assert.NoError(t, sub.Close())
	assert.Equal(t, 0, r.Len())
}

func TestReattachesAfterReconnect(t *testing.T) {
	m, d, clk := connected(t)
	r := channel.NewRegistry(m)
	defer r.Close()

	c := &collector{}
	r.Subscribe(ch, c.handle, true)
	first := d.Last()
	first.PublishRaw(ch, []byte("before"))

	first.Drop()
	waitFor(t, m, control.Error)
	clk.WaitForTimers(1)
	clk.Advance(control.DefaultRetryDelay)
	waitFor(t, m, control.Connected)

	second := d.Last()
	require.NotSame(t, first, second)
	assert.Equal(t, 1, second.Subscribers(ch))
	second.PublishRaw(ch, []byte("after"))

	assert.Equal(t, []string{"before", "after"}, c.get())
}

func TestChannelsDispatchIndependently(t *testing.T) {
	m, d, _ := connected(t)
	r := channel.NewRegistry(m)
	defer r.Close()

	release := make(chan struct{})
	entered := make(chan struct{})
	r.Subscribe("terminal#session#slow", func([]byte) {
		close(entered)
		<-release
	}, true)
	var fast atomic.Int32
	r.Subscribe("terminal#session#fast", func([]byte) { fast.Add(1) }, true)

	go d.Last().PublishRaw("terminal#session#slow", []byte("block"))
	<-entered
	d.Last().PublishRaw("terminal#session#fast", []byte("go"))
	close(release)

	assert.Equal(t, int32(1), fast.Load())
}

func TestDispatchIsSerialPerSubscription(t *testing.T) {
	m, d, _ := connected(t)
	r := channel.NewRegistry(m)
	defer r.Close()

	var inFlight, maxInFlight atomic.Int32
	var count atomic.Int32
	r.Subscribe(ch, func([]byte) {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		count.Add(1)
	}, true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Last().PublishRaw(ch, []byte("x"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(8), count.Load())
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestCloseRegistry(t *testing.T) {
	m, d, _ := connected(t)
	r := channel.NewRegistry(m)

	c := &collector{}
	sub := r.Subscribe(ch, c.handle, true)
	r.Close()
	r.Close()

	assert.Equal(t, 0, d.Last().Subscribers(ch))
	assert.NoError(t, sub.Close())

	late := r.Subscribe(ch, c.handle, true)
	assert.Equal(t, 0, d.Last().PublishRaw(ch, []byte("x")))
	assert.NoError(t, late.Close())
}
