package evdispatch

import (
	"container/heap"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
)

// EventFlags describes what an Event is interested in, and on activation what
// actually happened.
type EventFlags uint16

const (
	EvTimeout EventFlags = 1 << iota
	EvRead
	EvWrite
	EvPri
	// EvPersist keeps an I/O interest registered after it fires. Timeouts are
	// always one-shot.
	EvPersist
)

const ioFlags = EvRead | EvWrite | EvPri

// LoopFlags controls a single Reactor.Loop call.
type LoopFlags uint8

const (
	// LoopOnce blocks until at least one callback ran, then returns.
	LoopOnce LoopFlags = 1 << iota
	// LoopNonBlock polls once without waiting and runs whatever is ready.
	LoopNonBlock
)

type Callback func(fd int, what EventFlags)

// Event is a single interest registered with a Reactor: a descriptor
// readiness interest, a timeout, or both.
type Event struct {
	reactor   *Reactor
	fd        int
	what      EventFlags
	callback  Callback
	inserted  bool
	heapIndex int
	deadline  time.Time
	queued    bool
	result    EventFlags
}

// Reactor multiplexes descriptor readiness and timeouts on top of epoll and
// runs the callbacks of ready interests. It is not safe for concurrent use;
// everything except Poller wake-ups happens on the owning goroutine.
// Loop may be re-entered from a callback.
type Reactor struct {
	poller *Poller
	io     map[int][]*Event
	masks  map[int]uint32
	timers timerHeap
	active *queue.Queue
	closed bool
}

func NewReactor(eventBufferSize int) (*Reactor, error) {
	poller, err := openPoller(eventBufferSize)
	if err != nil {
		return nil, err
	}
	return &Reactor{
		poller: poller,
		io:     make(map[int][]*Event),
		masks:  make(map[int]uint32),
		active: queue.New(),
	}, nil
}

func (r *Reactor) NewEvent(fd int, what EventFlags, cb Callback) *Event {
	return &Event{
		reactor:   r,
		fd:        fd,
		what:      what,
		callback:  cb,
		heapIndex: -1,
	}
}

// Add registers the event's descriptor interest, if any, and arms its
// timeout when timeout >= 0. Adding an event whose timeout is already armed
// reschedules it; an event never has two outstanding timeouts.
func (e *Event) Add(timeout time.Duration) error {
	r := e.reactor
	if r == nil {
		return ErrEventNotInitialized
	}
	if r.closed {
		return ErrReactorClosed
	}
	if e.what&ioFlags != 0 && !e.inserted {
		if e.fd < 0 {
			return ErrInvalidFd
		}
		r.io[e.fd] = append(r.io[e.fd], e)
		e.inserted = true
		if err := r.updateMask(e.fd); err != nil {
			r.removeIo(e)
			return err
		}
	}
	if timeout >= 0 {
		e.deadline = time.Now().Add(timeout)
		if e.heapIndex >= 0 {
			heap.Fix(&r.timers, e.heapIndex)
		} else {
			heap.Push(&r.timers, e)
		}
	}
	return nil
}

// Del removes every registration of the event. A deleted event that was
// already activated in the current iteration does not get its callback run.
func (e *Event) Del() error {
	r := e.reactor
	if r == nil {
		return ErrEventNotInitialized
	}
	e.queued = false
	e.result = 0
	if e.heapIndex >= 0 {
		heap.Remove(&r.timers, e.heapIndex)
	}
	if e.inserted {
		r.removeIo(e)
		if !r.closed {
			return r.updateMask(e.fd)
		}
	}
	return nil
}

// Pending reports whether any of the given interests is currently registered.
func (e *Event) Pending(what EventFlags) bool {
	if what&EvTimeout != 0 && e.heapIndex >= 0 {
		return true
	}
	return what&ioFlags&e.what != 0 && e.inserted
}

// Loop runs the reactor. With LoopNonBlock it polls once and returns; with
// LoopOnce it blocks until the soonest timeout or until a descriptor is ready
// and returns as soon as at least one callback ran. It returns the number of
// callbacks it ran. A reactor without any registered interest returns
// immediately.
func (r *Reactor) Loop(flags LoopFlags) (int, error) {
	ran := 0
	for {
		if r.closed {
			return ran, ErrReactorClosed
		}
		if !r.haveEvents() && r.active.Length() == 0 {
			return ran, nil
		}
		msec := nonBlocked
		if flags&LoopNonBlock == 0 && r.active.Length() == 0 {
			msec = r.nextTimeout(time.Now())
		}
		if _, err := r.poller.waitForEvents(msec, r.activateIo); err != nil {
			log.Error().Msgf("got error while waiting for events: %+v", err)
			return ran, err
		}
		r.activateExpired(time.Now())
		ran += r.processActive()
		if flags&LoopNonBlock != 0 || (flags&LoopOnce != 0 && ran > 0) {
			return ran, nil
		}
	}
}

func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	for r.timers.Len() > 0 {
		heap.Pop(&r.timers)
	}
	for r.active.Length() > 0 {
		ev := r.active.Remove().(*Event)
		ev.queued = false
	}
	for _, events := range r.io {
		for _, ev := range events {
			ev.inserted = false
		}
	}
	r.io = make(map[int][]*Event)
	r.masks = make(map[int]uint32)
	return r.poller.close()
}

func (r *Reactor) haveEvents() bool {
	return len(r.io) > 0 || r.timers.Len() > 0
}

func (r *Reactor) nextTimeout(now time.Time) int {
	if r.timers.Len() == 0 {
		return blocked
	}
	d := r.timers[0].deadline.Sub(now)
	if d <= 0 {
		return nonBlocked
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

func (r *Reactor) activateIo(fd int, events uint32) {
	for _, ev := range r.io[fd] {
		var res EventFlags
		if ev.what&EvRead != 0 && events&readErrorEvents != 0 {
			res |= EvRead
		}
		if ev.what&EvWrite != 0 && events&(writeEvents|errorEvents) != 0 {
			res |= EvWrite
		}
		if ev.what&EvPri != 0 && events&priEvents != 0 {
			res |= EvPri
		}
		if res != 0 {
			r.activate(ev, res)
		}
	}
}

func (r *Reactor) activateExpired(now time.Time) {
	for r.timers.Len() > 0 && !r.timers[0].deadline.After(now) {
		ev := heap.Pop(&r.timers).(*Event)
		r.activate(ev, EvTimeout)
	}
}

func (r *Reactor) activate(ev *Event, res EventFlags) {
	ev.result |= res
	if ev.queued {
		return
	}
	ev.queued = true
	r.active.Add(ev)
}

// processActive runs queued callbacks in activation order. A nested Loop
// started by one of the callbacks drains the same queue, so every activation
// runs exactly once whichever level picks it up.
func (r *Reactor) processActive() int {
	ran := 0
	for r.active.Length() > 0 {
		ev := r.active.Remove().(*Event)
		if !ev.queued {
			continue
		}
		ev.queued = false
		res := ev.result
		ev.result = 0
		if ev.what&EvPersist == 0 && ev.inserted {
			r.removeIo(ev)
			if err := r.updateMask(ev.fd); err != nil {
				log.Error().Msgf("[%d] got error while detaching one-shot event: %+v", ev.fd, err)
			}
		}
		ev.callback(ev.fd, res)
		ran++
	}
	return ran
}

func (r *Reactor) removeIo(e *Event) {
	events := r.io[e.fd]
	for i, ev := range events {
		if ev == e {
			events = append(events[:i], events[i+1:]...)
			break
		}
	}
	if len(events) == 0 {
		delete(r.io, e.fd)
	} else {
		r.io[e.fd] = events
	}
	e.inserted = false
}

// updateMask syncs the epoll registration of fd with the union of the
// interests currently registered on it.
func (r *Reactor) updateMask(fd int) error {
	var mask uint32
	for _, ev := range r.io[fd] {
		if ev.what&EvRead != 0 {
			mask |= readEvents
		}
		if ev.what&EvWrite != 0 {
			mask |= writeEvents
		}
		if ev.what&EvPri != 0 {
			mask |= priEvents
		}
	}
	current, registered := r.masks[fd]
	switch {
	case mask == current && registered:
		return nil
	case mask == 0:
		delete(r.masks, fd)
		if registered {
			return r.poller.delete(fd)
		}
		return nil
	case !registered:
		if err := r.poller.add(fd, mask); err != nil {
			return err
		}
	default:
		if err := r.poller.modify(fd, mask); err != nil {
			return err
		}
	}
	r.masks[fd] = mask
	return nil
}

// timerHeap is a min-heap of armed timeouts ordered by deadline.
type timerHeap []*Event

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *timerHeap) Push(x any) {
	ev := x.(*Event)
	ev.heapIndex = len(*h)
	*h = append(*h, ev)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.heapIndex = -1
	*h = old[:n-1]
	return ev
}
