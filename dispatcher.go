package evdispatch

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// frame is the transient state of one ProcessEvents invocation. Every call,
// nested or not, gets its own frame, so an inner call never overwrites the
// bookkeeping of the call it runs inside.
type frame struct {
	seenEvent bool
	woken     bool
	// fired holds periodic timers that fired while this frame was current
	// and still wait for reactivation.
	fired map[TimerID]struct{}
}

func (f *frame) takeFired(into map[TimerID]struct{}) {
	for id := range f.fired {
		into[id] = struct{}{}
		delete(f.fired, id)
	}
}

// Dispatcher drives a host framework's event loop from an epoll reactor.
// All methods except Wake, Interrupt, Stats and Name must be called from the
// goroutine that owns the dispatcher. ProcessEvents may be re-entered from
// any handler it runs.
type Dispatcher struct {
	name      string
	logger    zerolog.Logger
	host      Host
	reactor   *Reactor
	wake      *wakeChannel
	wakeEvent *Event
	timers    *timerRegistry
	notifiers *notifierRegistry
	interrupt *atomic.Bool
	closed    *atomic.Bool
	frame     *frame
	depth     int
	stats     *Stats
}

func NewDispatcher(config DispatcherConfig, host Host) (*Dispatcher, error) {
	if host == nil {
		return nil, errors.New("dispatcher requires a host")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	logger := log.With().Str("dispatcher", config.Name).Logger()
	if logger.Debug().Enabled() {
		logger.Debug().Msgf("init dispatcher:%+v", config)
	}

	reactor, err := NewReactor(config.EventBufferSize)
	if err != nil {
		return nil, fmt.Errorf("unable to create reactor: %w", err)
	}
	wake, err := newWakeChannel(config.WakeChannel)
	if err != nil {
		_ = reactor.Close()
		return nil, fmt.Errorf("unable to create thread communication object: %w", err)
	}
	d := &Dispatcher{
		name:      config.Name,
		logger:    logger,
		host:      host,
		reactor:   reactor,
		wake:      wake,
		interrupt: atomic.NewBool(false),
		closed:    atomic.NewBool(false),
		stats:     newStats(),
	}
	d.wakeEvent = reactor.NewEvent(wake.readFd, EvRead|EvPersist, func(int, EventFlags) {
		d.wakeUpHandler()
	})
	if err = d.wakeEvent.Add(-1); err != nil {
		_ = wake.close()
		_ = reactor.Close()
		return nil, fmt.Errorf("unable to watch thread communication object: %w", err)
	}
	d.timers = newTimerRegistry(reactor, d.timerFired)
	d.notifiers = newNotifierRegistry(reactor, d.notifierReady)
	return d, nil
}

// MustNewDispatcher is NewDispatcher for process startup: a dispatcher that
// can't be woken from other goroutines is useless, so failure is fatal.
func MustNewDispatcher(config DispatcherConfig, host Host) *Dispatcher {
	d, err := NewDispatcher(config, host)
	if err != nil {
		log.Fatal().Msgf("can't init dispatcher: %+v", err)
	}
	return d
}

func (d *Dispatcher) Name() string {
	return d.name
}

func (d *Dispatcher) Stats() StatsSnapshot {
	return d.stats.Snapshot()
}

// ProcessEvents processes pending events once and reports whether anything
// was processed. With WaitForMore and nothing pending it blocks until a timer
// or notifier fires, Wake is called or Interrupt is requested.
//
// Periodic timers that fire during the call are rearmed only after every
// handler the call ran, nested ProcessEvents calls included, has returned.
func (d *Dispatcher) ProcessEvents(flags ProcessEventsFlags) bool {
	if d.closed.Load() {
		return false
	}
	f := &frame{fired: make(map[TimerID]struct{})}
	outer := d.frame
	d.frame = f
	d.depth++
	defer func() {
		d.frame = outer
		d.depth--
	}()
	defer d.interrupt.Store(false)

	if d.logger.Debug().Enabled() && d.depth > 1 {
		d.logger.Debug().Msgf("nested processEvents depth:%d flags:%#x", d.depth, flags)
	}

	if flags&ExcludeNotifiers != 0 {
		d.notifiers.disableAll(true)
		defer d.notifiers.disableAll(false)
	}
	if flags&ExcludeTimers != 0 {
		d.timers.disableAll(true)
		defer d.timers.disableAll(false)
	}

	result := false
	if d.host.HasPendingEvents() {
		d.sendPostedEvents()
		result = true
		flags &^= WaitForMore
	}

	rearm := make(map[TimerID]struct{})
	if flags&WaitForMore != 0 {
		if !d.interrupt.Load() {
			for {
				d.host.AboutToBlock()
				_, err := d.poll(LoopOnce)
				f.takeFired(rearm)
				if !f.seenEvent {
					// Woken up by Wake: posted events are the reason.
					d.sendPostedEvents()
					if f.woken {
						result = true
					}
				}
				d.host.Awake()
				if d.interrupt.Load() || f.seenEvent || f.woken || err != nil {
					break
				}
			}
		}
	} else {
		_, _ = d.poll(LoopOnce | LoopNonBlock)
		d.host.Awake()
		result = result || f.seenEvent
	}

	f.takeFired(rearm)
	result = result || f.seenEvent
	d.sendPostedEvents()

	// Every handler has returned by now, nested calls included.
	rearmed, skipped := d.timers.reactivate(rearm)
	d.stats.Rearms.Add(uint64(rearmed))
	d.stats.SkippedRearms.Add(uint64(skipped))
	return result
}

// Wake makes a blocked ProcessEvents return soon. Safe from any goroutine;
// concurrent calls collapse into one wake-up.
func (d *Dispatcher) Wake() {
	if d.closed.Load() {
		return
	}
	d.wake.wake()
}

// Interrupt asks the innermost blocking ProcessEvents loop to stop after its
// current iteration. The request is cleared when ProcessEvents returns.
func (d *Dispatcher) Interrupt() {
	d.interrupt.Store(true)
	d.Wake()
}

// RegisterTimer arms a timer delivering to owner. The owner must be
// comparable; otherwise nothing is registered and the returned id is 0.
func (d *Dispatcher) RegisterTimer(interval time.Duration, singleShot bool, owner Owner) TimerID {
	if !comparableOwner(owner) {
		d.logger.Error().Msgf("can't register timer for owner of non comparable type %T", owner)
		return 0
	}
	id := d.timers.register(interval, singleShot, owner)
	if d.logger.Debug().Enabled() {
		d.logger.Debug().Msgf("register timer:%d interval:%s singleShot:%t", id, interval, singleShot)
	}
	return id
}

func (d *Dispatcher) UnregisterTimer(id TimerID) bool {
	return d.timers.cancel(id)
}

// UnregisterTimers cancels every timer delivering to owner.
func (d *Dispatcher) UnregisterTimers(owner Owner) bool {
	if !comparableOwner(owner) {
		return false
	}
	return d.timers.cancelOwner(owner)
}

func (d *Dispatcher) RegisteredTimers(owner Owner) []TimerInfo {
	if !comparableOwner(owner) {
		return []TimerInfo{}
	}
	return d.timers.registered(owner)
}

// RemainingTime returns the time left until the timer fires next; false if
// the id is unknown.
func (d *Dispatcher) RemainingTime(id TimerID) (time.Duration, bool) {
	return d.timers.remaining(id, time.Now())
}

func (d *Dispatcher) RegisterNotifier(fd int, direction Direction, owner Owner) (NotifierID, error) {
	if d.closed.Load() {
		return 0, ErrDispatcherClosed
	}
	id, err := d.notifiers.register(fd, direction, owner)
	if err != nil {
		d.logger.Error().Msgf("[%d] got error while registering %s notifier: %+v", fd, direction, err)
		return 0, err
	}
	return id, nil
}

// RegisterConnNotifier registers a notifier on the descriptor behind a
// connection, e.g. a *net.TCPConn. The connection keeps ownership of it.
func (d *Dispatcher) RegisterConnNotifier(conn syscall.Conn, direction Direction, owner Owner) (NotifierID, error) {
	fd, err := connFd(conn)
	if err != nil {
		return 0, err
	}
	return d.RegisterNotifier(fd, direction, owner)
}

func (d *Dispatcher) UnregisterNotifier(id NotifierID) bool {
	return d.notifiers.unregister(id)
}

// Close releases every timer, notifier, the wake channel and the reactor.
// Wake must not be called concurrently with Close.
func (d *Dispatcher) Close() error {
	if !d.closed.CAS(false, true) {
		return nil
	}
	d.timers.close()
	d.notifiers.close()
	var errs []error
	if err := d.wakeEvent.Del(); err != nil {
		errs = append(errs, err)
	}
	if err := d.wake.close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.reactor.Close(); err != nil {
		errs = append(errs, err)
	}
	if d.logger.Debug().Enabled() {
		d.logger.Debug().Msgf("dispatcher closed: %+v", d.stats.Snapshot())
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) poll(flags LoopFlags) (int, error) {
	d.stats.Iterations.Inc()
	return d.reactor.Loop(flags)
}

func (d *Dispatcher) sendPostedEvents() {
	d.stats.PostedFlush.Inc()
	d.host.SendPostedEvents()
}

func (d *Dispatcher) wakeUpHandler() {
	d.wake.drain()
	d.stats.Wakes.Inc()
	if d.frame != nil {
		d.frame.woken = true
	}
}

func (d *Dispatcher) timerFired(rec *timerRecord) {
	d.stats.TimerEvents.Inc()
	if f := d.frame; f != nil {
		f.seenEvent = true
		if !rec.singleShot {
			f.fired[rec.id] = struct{}{}
		}
	}
	d.host.DeliverTimerEvent(rec.owner, TimerEvent{ID: rec.id})
}

func (d *Dispatcher) notifierReady(rec *notifierRecord) {
	d.stats.SocketEvents.Inc()
	if d.frame != nil {
		d.frame.seenEvent = true
	}
	d.host.DeliverSocketEvent(rec.owner, SocketEvent{ID: rec.id, FD: rec.fd, Direction: rec.direction})
}
