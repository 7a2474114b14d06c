package evdispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

type countingTicker struct {
	loop  *EventLoop
	ticks *atomic.Int32
	limit int32
}

func (c *countingTicker) TimerEvent(TimerEvent) {
	if c.ticks.Inc() == c.limit {
		c.loop.Exit()
	}
}

type pipeSink struct {
	events []SocketEvent
}

func (p *pipeSink) SocketEvent(event SocketEvent) {
	buf := make([]byte, 64)
	_, _ = unix.Read(event.FD, buf)
	p.events = append(p.events, event)
}

func newTestEventLoop(t *testing.T) *EventLoop {
	t.Helper()
	el, err := NewEventLoop(DispatcherConfig{Name: t.Name(), WakeChannel: WakeSocketPair})
	require.NoError(t, err)
	t.Cleanup(func() { _ = el.Close() })
	return el
}

func execWithin(t *testing.T, el *EventLoop, ctx context.Context, timeout time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- el.Exec(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		t.Fatalf("event loop %s did not exit within %s", el.Name, timeout)
	}
	return nil
}

func TestEventLoop_PostFromManyGoroutines(t *testing.T) {
	el := newTestEventLoop(t)
	const posters, perPoster = 4, 50
	var ran int
	var wg sync.WaitGroup
	for i := 0; i < posters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPoster; j++ {
				el.Post(func() { ran++ })
			}
		}()
	}
	go func() {
		wg.Wait()
		el.Post(el.Exit)
	}()

	require.NoError(t, execWithin(t, el, context.Background(), 5*time.Second))
	assert.Equal(t, posters*perPoster, ran)
	assert.False(t, el.HasPendingEvents())
}

func TestEventLoop_PostedDuringFlushWaitsForNextFlush(t *testing.T) {
	el := newTestEventLoop(t)
	var order []string
	el.Post(func() {
		order = append(order, "first")
		el.Post(func() { order = append(order, "third") })
	})
	el.Post(func() { order = append(order, "second") })

	el.SendPostedEvents()
	assert.Equal(t, []string{"first", "second"}, order)
	assert.True(t, el.HasPendingEvents())
	el.SendPostedEvents()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestEventLoop_DeliversToHandlers(t *testing.T) {
	el := newTestEventLoop(t)
	ticker := &countingTicker{loop: el, ticks: atomic.NewInt32(0), limit: 3}
	sink := &pipeSink{}
	rfd, wfd := newTestPipe(t)

	d := el.Dispatcher()
	id := d.RegisterTimer(10*time.Millisecond, false, ticker)
	_, err := d.RegisterNotifier(rfd, Read, sink)
	require.NoError(t, err)
	// Owners without a handler are skipped.
	d.RegisterTimer(time.Millisecond, false, "no handler")
	_, err = unix.Write(wfd, []byte("data"))
	require.NoError(t, err)

	var blocks, wakes int
	el.OnAboutToBlock = func() { blocks++ }
	el.OnAwake = func() { wakes++ }

	require.NoError(t, execWithin(t, el, context.Background(), 5*time.Second))
	assert.Equal(t, int32(3), ticker.ticks.Load())
	require.Len(t, sink.events, 1)
	assert.Equal(t, rfd, sink.events[0].FD)
	assert.Positive(t, blocks)
	assert.Positive(t, wakes)
	assert.True(t, d.UnregisterTimer(id))
}

func TestEventLoop_ExecStopsOnContext(t *testing.T) {
	el := newTestEventLoop(t)
	el.Dispatcher().RegisterTimer(time.Hour, false, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := execWithin(t, el, ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewEventLoop_InvalidConfig(t *testing.T) {
	_, err := NewEventLoop(DispatcherConfig{WakeChannel: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownWakeChannel)
}

func TestEventLoop_ExitBeforeExec(t *testing.T) {
	el := newTestEventLoop(t)
	el.Exit()
	assert.False(t, el.IsRunning())

	require.NoError(t, execWithin(t, el, context.Background(), time.Second))
	assert.False(t, el.IsRunning())

	// The request is consumed; the loop can be run again.
	ran := false
	el.Post(func() {
		ran = true
		assert.True(t, el.IsRunning())
		el.Exit()
	})
	require.NoError(t, execWithin(t, el, context.Background(), 5*time.Second))
	assert.True(t, ran)
}
