package evdispatch

import (
	"context"
	"runtime"
	"sync"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// EventLoop is a minimal host for a Dispatcher: a posted-event queue fed from
// any goroutine, observer hooks and delivery to owners implementing
// TimerEventHandler or SocketEventHandler. Exec drives the dispatcher until
// Exit is called.
type EventLoop struct {
	Name           string
	OnAboutToBlock func()
	OnAwake        func()
	lockOsThread   bool
	isRunning      *atomic.Bool
	exitRequested  *atomic.Bool
	dispatcher     *Dispatcher
	lock           sync.Mutex
	posted         *queue.Queue
}

func NewEventLoop(config DispatcherConfig) (*EventLoop, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	log.Info().Msgf("init event loop:%s", config.Name)
	eLoop := &EventLoop{
		Name:          config.Name,
		lockOsThread:  config.LockOsThread,
		isRunning:     atomic.NewBool(false),
		exitRequested: atomic.NewBool(false),
		posted:        queue.New(),
	}
	dispatcher, err := NewDispatcher(config, eLoop)
	if err != nil {
		log.Error().Msgf("can't init dispatcher: %+v", err)
		return nil, err
	}
	eLoop.dispatcher = dispatcher
	return eLoop, nil
}

func (el *EventLoop) Dispatcher() *Dispatcher {
	return el.dispatcher
}

// Post queues fn to run on the loop goroutine and wakes the loop. Safe from
// any goroutine.
func (el *EventLoop) Post(fn func()) {
	el.lock.Lock()
	el.posted.Add(fn)
	el.lock.Unlock()
	el.dispatcher.Wake()
}

func (el *EventLoop) HasPendingEvents() bool {
	el.lock.Lock()
	defer el.lock.Unlock()
	return el.posted.Length() > 0
}

// SendPostedEvents runs the events that were queued when it was called.
// Events posted by those handlers wait for the next flush.
func (el *EventLoop) SendPostedEvents() {
	el.lock.Lock()
	count := el.posted.Length()
	el.lock.Unlock()
	for i := 0; i < count; i++ {
		el.lock.Lock()
		if el.posted.Length() == 0 {
			el.lock.Unlock()
			return
		}
		fn := el.posted.Remove().(func())
		el.lock.Unlock()
		fn()
	}
}

func (el *EventLoop) AboutToBlock() {
	if el.OnAboutToBlock != nil {
		el.OnAboutToBlock()
	}
}

func (el *EventLoop) Awake() {
	if el.OnAwake != nil {
		el.OnAwake()
	}
}

func (el *EventLoop) DeliverTimerEvent(owner Owner, event TimerEvent) {
	if handler, ok := owner.(TimerEventHandler); ok {
		handler.TimerEvent(event)
		return
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("timer %d has no handler: %T", event.ID, owner)
	}
}

func (el *EventLoop) DeliverSocketEvent(owner Owner, event SocketEvent) {
	if handler, ok := owner.(SocketEventHandler); ok {
		handler.SocketEvent(event)
		return
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] %s notifier %d has no handler: %T", event.FD, event.Direction, event.ID, owner)
	}
}

// Exec processes events until Exit is called or ctx is done. An Exit that
// arrives before Exec starts makes it return right away. It must be called
// from the goroutine that owns the dispatcher.
func (el *EventLoop) Exec(ctx context.Context) error {
	if el.lockOsThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	el.isRunning.Store(true)
	defer el.isRunning.Store(false)
	defer el.exitRequested.Store(false)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			el.Exit()
		case <-done:
		}
	}()
	for !el.exitRequested.Load() {
		el.dispatcher.ProcessEvents(WaitForMore)
	}
	return ctx.Err()
}

// Exit makes Exec return after the current iteration. Safe from any
// goroutine.
func (el *EventLoop) Exit() {
	el.exitRequested.Store(true)
	el.dispatcher.Interrupt()
}

func (el *EventLoop) IsRunning() bool {
	return el.isRunning.Load()
}

func (el *EventLoop) Close() error {
	return el.dispatcher.Close()
}
