package evdispatch

import "go.uber.org/atomic"

// Stats counts what a dispatcher did. Counters are atomic so they can be read
// from any goroutine while the dispatcher runs.
type Stats struct {
	Iterations    *atomic.Uint64
	TimerEvents   *atomic.Uint64
	SocketEvents  *atomic.Uint64
	Wakes         *atomic.Uint64
	Rearms        *atomic.Uint64
	SkippedRearms *atomic.Uint64
	PostedFlush   *atomic.Uint64
}

type StatsSnapshot struct {
	Iterations    uint64
	TimerEvents   uint64
	SocketEvents  uint64
	Wakes         uint64
	Rearms        uint64
	SkippedRearms uint64
	PostedFlush   uint64
}

func newStats() *Stats {
	return &Stats{
		Iterations:    atomic.NewUint64(0),
		TimerEvents:   atomic.NewUint64(0),
		SocketEvents:  atomic.NewUint64(0),
		Wakes:         atomic.NewUint64(0),
		Rearms:        atomic.NewUint64(0),
		SkippedRearms: atomic.NewUint64(0),
		PostedFlush:   atomic.NewUint64(0),
	}
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Iterations:    s.Iterations.Load(),
		TimerEvents:   s.TimerEvents.Load(),
		SocketEvents:  s.SocketEvents.Load(),
		Wakes:         s.Wakes.Load(),
		Rearms:        s.Rearms.Load(),
		SkippedRearms: s.SkippedRearms.Load(),
		PostedFlush:   s.PostedFlush.Load(),
	}
}
