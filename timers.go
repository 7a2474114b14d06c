package evdispatch

import (
	"reflect"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

type timerRecord struct {
	id         TimerID
	interval   time.Duration
	singleShot bool
	owner      Owner
	ev         *Event
	// lastFire is the registration time, then the deadline that last fired.
	lastFire time.Time
	deadline time.Time
	// inert marks a single-shot timer that already fired.
	inert bool
	// awaitingRearm marks a periodic timer that fired and is left for the
	// reactivation point of the ProcessEvents call it fired in.
	awaitingRearm bool
}

// timerRegistry owns every timer record and its native timeout. It is only
// touched from the dispatcher goroutine.
type timerRegistry struct {
	reactor   *Reactor
	timers    map[TimerID]*timerRecord
	nextID    TimerID
	suspended int
	onFire    func(rec *timerRecord)
}

func newTimerRegistry(reactor *Reactor, onFire func(rec *timerRecord)) *timerRegistry {
	return &timerRegistry{
		reactor: reactor,
		timers:  make(map[TimerID]*timerRecord),
		onFire:  onFire,
	}
}

func (tr *timerRegistry) register(interval time.Duration, singleShot bool, owner Owner) TimerID {
	if interval < 0 {
		interval = 0
	}
	tr.nextID++
	id := tr.nextID
	now := time.Now()
	rec := &timerRecord{
		id:         id,
		interval:   interval,
		singleShot: singleShot,
		owner:      owner,
		lastFire:   now,
		deadline:   now.Add(interval),
	}
	rec.ev = tr.reactor.NewEvent(-1, EvTimeout, func(int, EventFlags) {
		tr.fire(id)
	})
	tr.timers[id] = rec
	if tr.suspended == 0 {
		tr.arm(rec, now)
	}
	return id
}

func (tr *timerRegistry) cancel(id TimerID) bool {
	rec, ok := tr.timers[id]
	if !ok {
		return false
	}
	if err := rec.ev.Del(); err != nil {
		log.Error().Msgf("got error while cancelling timer %d: %+v", id, err)
	}
	delete(tr.timers, id)
	return true
}

func (tr *timerRegistry) cancelOwner(owner Owner) bool {
	removed := false
	for id, rec := range tr.timers {
		if rec.owner == owner {
			removed = tr.cancel(id) || removed
		}
	}
	return removed
}

func (tr *timerRegistry) registered(owner Owner) []TimerInfo {
	infos := make([]TimerInfo, 0)
	for _, rec := range tr.timers {
		if rec.owner == owner {
			infos = append(infos, TimerInfo{ID: rec.id, Interval: rec.interval, SingleShot: rec.singleShot})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (tr *timerRegistry) remaining(id TimerID, now time.Time) (time.Duration, bool) {
	rec, ok := tr.timers[id]
	if !ok {
		return 0, false
	}
	if rec.inert {
		return 0, true
	}
	d := rec.deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

func (tr *timerRegistry) fire(id TimerID) {
	rec, ok := tr.timers[id]
	if !ok {
		return
	}
	rec.lastFire = rec.deadline
	if rec.singleShot {
		rec.inert = true
	} else {
		rec.awaitingRearm = true
	}
	tr.onFire(rec)
}

// reactivate rearms timers that fired during a wait attempt. The clock is
// sampled once for the whole set. Cancelled ids, inert single-shot timers
// and timers that are already armed again are skipped. A timer whose
// handling took a whole interval or more restarts from now.
func (tr *timerRegistry) reactivate(ids map[TimerID]struct{}) (rearmed int, skipped int) {
	if len(ids) == 0 {
		return 0, 0
	}
	now := time.Now()
	for id := range ids {
		rec, ok := tr.timers[id]
		if !ok || rec.inert {
			continue
		}
		rec.awaitingRearm = false
		if rec.ev.Pending(EvTimeout) {
			skipped++
			continue
		}
		next := computeNextInterval(rec, now)
		if next == 0 {
			next = rec.interval
			rec.lastFire = now
		}
		rec.deadline = now.Add(next)
		if tr.suspended > 0 {
			continue
		}
		tr.arm(rec, now)
		rearmed++
	}
	return rearmed, skipped
}

// disableAll suspends or resumes every timer. Suspensions nest: timers are
// disarmed on the first suspend and rearmed on the matching last resume.
// Timers awaiting reactivation are left to reactivate.
func (tr *timerRegistry) disableAll(suspend bool) {
	if suspend {
		tr.suspended++
		if tr.suspended > 1 {
			return
		}
		for _, rec := range tr.timers {
			if err := rec.ev.Del(); err != nil {
				log.Error().Msgf("got error while suspending timer %d: %+v", rec.id, err)
			}
		}
		return
	}
	if tr.suspended == 0 {
		return
	}
	tr.suspended--
	if tr.suspended > 0 {
		return
	}
	now := time.Now()
	for _, rec := range tr.timers {
		if rec.inert || rec.awaitingRearm {
			continue
		}
		rec.deadline = resumeDeadline(rec, now)
		tr.arm(rec, now)
	}
}

func (tr *timerRegistry) arm(rec *timerRecord, now time.Time) {
	delta := rec.deadline.Sub(now)
	if delta < 0 {
		delta = 0
	}
	if err := rec.ev.Add(delta); err != nil {
		log.Error().Msgf("got error while arming timer %d: %+v", rec.id, err)
	}
}

// comparableOwner reports whether owner can be matched with ==, which the
// owner lookups rely on.
func comparableOwner(owner Owner) bool {
	return owner == nil || reflect.TypeOf(owner).Comparable()
}

func (tr *timerRegistry) close() {
	for id := range tr.timers {
		tr.cancel(id)
	}
}

// computeNextInterval returns how long to wait from now until the timer's
// next firing: the interval minus the time elapsed since it last fired,
// never negative.
func computeNextInterval(rec *timerRecord, now time.Time) time.Duration {
	elapsed := now.Sub(rec.lastFire)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := rec.interval - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// resumeDeadline moves a deadline that lapsed while timers were suspended to
// the next period boundary after now, so missed firings are dropped.
func resumeDeadline(rec *timerRecord, now time.Time) time.Time {
	if rec.deadline.After(now) {
		return rec.deadline
	}
	if rec.interval <= 0 {
		return now
	}
	missed := now.Sub(rec.deadline)/rec.interval + 1
	deadline := rec.deadline.Add(missed * rec.interval)
	rec.lastFire = deadline.Add(-rec.interval)
	return deadline
}
