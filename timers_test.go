package evdispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeNextInterval(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		interval time.Duration
		lastFire time.Time
		want     time.Duration
	}{
		{"just fired", 50 * time.Millisecond, now, 50 * time.Millisecond},
		{"partly elapsed", 50 * time.Millisecond, now.Add(-20 * time.Millisecond), 30 * time.Millisecond},
		{"handling took longer than interval", 50 * time.Millisecond, now.Add(-80 * time.Millisecond), 0},
		{"last fire in the future", 50 * time.Millisecond, now.Add(time.Second), 50 * time.Millisecond},
		{"zero interval", 0, now.Add(-time.Millisecond), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &timerRecord{interval: tt.interval, lastFire: tt.lastFire}
			assert.Equal(t, tt.want, computeNextInterval(rec, now))
		})
	}
}

func TestResumeDeadline(t *testing.T) {
	now := time.Now()
	rec := &timerRecord{interval: 10 * time.Millisecond, deadline: now.Add(5 * time.Millisecond)}
	assert.WithinDuration(t, now.Add(5*time.Millisecond), resumeDeadline(rec, now), 0)

	rec = &timerRecord{interval: 10 * time.Millisecond, deadline: now.Add(-25 * time.Millisecond)}
	got := resumeDeadline(rec, now)
	assert.WithinDuration(t, now.Add(5*time.Millisecond), got, 0)
	assert.WithinDuration(t, now.Add(-5*time.Millisecond), rec.lastFire, 0)

	rec = &timerRecord{interval: 10 * time.Millisecond, deadline: now}
	assert.WithinDuration(t, now.Add(10*time.Millisecond), resumeDeadline(rec, now), 0)

	rec = &timerRecord{interval: 0, deadline: now.Add(-time.Second)}
	assert.WithinDuration(t, now, resumeDeadline(rec, now), 0)
}

func newTestTimerRegistry(t *testing.T) (*Reactor, *timerRegistry, *[]TimerID) {
	t.Helper()
	r := newTestReactor(t)
	fired := &[]TimerID{}
	tr := newTimerRegistry(r, func(rec *timerRecord) {
		*fired = append(*fired, rec.id)
	})
	return r, tr, fired
}

func TestTimerRegistry_RegisterAndCancel(t *testing.T) {
	_, tr, _ := newTestTimerRegistry(t)
	owner := &struct{}{}
	a := tr.register(time.Second, false, owner)
	b := tr.register(2*time.Second, true, owner)
	c := tr.register(-time.Second, false, "other")
	assert.NotEqual(t, a, b)

	assert.Equal(t, []TimerInfo{
		{ID: a, Interval: time.Second},
		{ID: b, Interval: 2 * time.Second, SingleShot: true},
	}, tr.registered(owner))
	assert.Equal(t, []TimerInfo{{ID: c, Interval: 0}}, tr.registered("other"))

	rem, ok := tr.remaining(a, time.Now())
	assert.True(t, ok)
	assert.InDelta(t, float64(time.Second), float64(rem), float64(100*time.Millisecond))

	assert.True(t, tr.cancel(a))
	assert.False(t, tr.cancel(a))
	_, ok = tr.remaining(a, time.Now())
	assert.False(t, ok)

	assert.True(t, tr.cancelOwner(owner))
	assert.False(t, tr.cancelOwner(owner))
	assert.Empty(t, tr.registered(owner))
	assert.Len(t, tr.timers, 1)
}

func TestTimerRegistry_SingleShotBecomesInert(t *testing.T) {
	r, tr, fired := newTestTimerRegistry(t)
	id := tr.register(time.Millisecond, true, nil)
	_, err := r.Loop(LoopOnce)
	require.NoError(t, err)
	assert.Equal(t, []TimerID{id}, *fired)
	assert.True(t, tr.timers[id].inert)

	rearmed, skipped := tr.reactivate(map[TimerID]struct{}{id: {}})
	assert.Zero(t, rearmed)
	assert.Zero(t, skipped)
	assert.False(t, tr.timers[id].ev.Pending(EvTimeout))

	rem, ok := tr.remaining(id, time.Now())
	assert.True(t, ok)
	assert.Zero(t, rem)
}

func TestTimerRegistry_ReactivateSkipsArmedAndCancelled(t *testing.T) {
	r, tr, _ := newTestTimerRegistry(t)
	armed := tr.register(time.Hour, false, nil)
	fired := tr.register(time.Millisecond, false, nil)
	gone := tr.register(time.Millisecond, false, nil)
	_, err := r.Loop(LoopOnce)
	require.NoError(t, err)
	tr.cancel(gone)

	rearmed, skipped := tr.reactivate(map[TimerID]struct{}{armed: {}, fired: {}, gone: {}})
	assert.Equal(t, 1, rearmed)
	assert.Equal(t, 1, skipped)
	assert.True(t, tr.timers[fired].ev.Pending(EvTimeout))
	assert.Equal(t, 2, r.timers.Len())
}

func TestTimerRegistry_DisableAllNests(t *testing.T) {
	r, tr, _ := newTestTimerRegistry(t)
	a := tr.register(time.Hour, false, nil)

	tr.disableAll(true)
	tr.disableAll(true)
	b := tr.register(time.Hour, false, nil)
	assert.False(t, tr.timers[a].ev.Pending(EvTimeout))
	assert.False(t, tr.timers[b].ev.Pending(EvTimeout))

	tr.disableAll(false)
	assert.Equal(t, 0, r.timers.Len(), "inner resume must keep timers suspended")

	tr.disableAll(false)
	assert.True(t, tr.timers[a].ev.Pending(EvTimeout))
	assert.True(t, tr.timers[b].ev.Pending(EvTimeout))

	tr.disableAll(false)
	assert.Equal(t, 0, tr.suspended)
	assert.Equal(t, 2, r.timers.Len())
}

func TestTimerRegistry_ReactivateWhileSuspended(t *testing.T) {
	r, tr, _ := newTestTimerRegistry(t)
	id := tr.register(time.Millisecond, false, nil)
	_, err := r.Loop(LoopOnce)
	require.NoError(t, err)

	tr.disableAll(true)
	rearmed, _ := tr.reactivate(map[TimerID]struct{}{id: {}})
	assert.Zero(t, rearmed)
	assert.False(t, tr.timers[id].ev.Pending(EvTimeout))

	tr.disableAll(false)
	assert.True(t, tr.timers[id].ev.Pending(EvTimeout))
}

func TestTimerRegistry_ResumeSkipsTimersAwaitingRearm(t *testing.T) {
	r, tr, _ := newTestTimerRegistry(t)
	fired := tr.register(time.Millisecond, false, nil)
	idle := tr.register(time.Hour, false, nil)
	_, err := r.Loop(LoopOnce)
	require.NoError(t, err)
	assert.True(t, tr.timers[fired].awaitingRearm)

	tr.disableAll(true)
	tr.disableAll(false)
	assert.False(t, tr.timers[fired].ev.Pending(EvTimeout))
	assert.True(t, tr.timers[idle].ev.Pending(EvTimeout))

	rearmed, skipped := tr.reactivate(map[TimerID]struct{}{fired: {}})
	assert.Equal(t, 1, rearmed)
	assert.Zero(t, skipped)
	assert.False(t, tr.timers[fired].awaitingRearm)
	assert.True(t, tr.timers[fired].ev.Pending(EvTimeout))
}

func TestTimerRegistry_OverrunRestartsFromNow(t *testing.T) {
	r, tr, _ := newTestTimerRegistry(t)
	id := tr.register(10*time.Millisecond, false, nil)
	_, err := r.Loop(LoopOnce)
	require.NoError(t, err)
	time.Sleep(25 * time.Millisecond)

	before := time.Now()
	tr.reactivate(map[TimerID]struct{}{id: {}})
	rec := tr.timers[id]
	assert.False(t, rec.deadline.Before(before.Add(10*time.Millisecond)))
	assert.False(t, rec.lastFire.Before(before))
}
