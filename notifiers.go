package evdispatch

import (
	"github.com/rs/zerolog/log"
)

type notifierRecord struct {
	id        NotifierID
	fd        int
	direction Direction
	owner     Owner
	ev        *Event
}

// notifierRegistry maps notifier handles to persistent reactor interests.
// Suspension only detaches the interests; records stay registered.
type notifierRegistry struct {
	reactor   *Reactor
	notifiers map[NotifierID]*notifierRecord
	nextID    NotifierID
	suspended int
	onReady   func(rec *notifierRecord)
}

func newNotifierRegistry(reactor *Reactor, onReady func(rec *notifierRecord)) *notifierRegistry {
	return &notifierRegistry{
		reactor:   reactor,
		notifiers: make(map[NotifierID]*notifierRecord),
		onReady:   onReady,
	}
}

func (nr *notifierRegistry) register(fd int, direction Direction, owner Owner) (NotifierID, error) {
	if fd < 0 {
		return 0, ErrInvalidFd
	}
	nr.nextID++
	id := nr.nextID
	rec := &notifierRecord{id: id, fd: fd, direction: direction, owner: owner}
	rec.ev = nr.reactor.NewEvent(fd, direction.eventFlags()|EvPersist, func(int, EventFlags) {
		nr.ready(id)
	})
	if nr.suspended == 0 {
		if err := rec.ev.Add(-1); err != nil {
			return 0, err
		}
	}
	nr.notifiers[id] = rec
	return id, nil
}

func (nr *notifierRegistry) unregister(id NotifierID) bool {
	rec, ok := nr.notifiers[id]
	if !ok {
		return false
	}
	if err := rec.ev.Del(); err != nil {
		log.Error().Msgf("[%d] got error while detaching %s notifier: %+v", rec.fd, rec.direction, err)
	}
	delete(nr.notifiers, id)
	return true
}

func (nr *notifierRegistry) ready(id NotifierID) {
	rec, ok := nr.notifiers[id]
	if !ok {
		return
	}
	nr.onReady(rec)
}

// disableAll suspends or resumes every notifier, nesting like the timer
// registry does.
func (nr *notifierRegistry) disableAll(suspend bool) {
	if suspend {
		nr.suspended++
		if nr.suspended > 1 {
			return
		}
		for _, rec := range nr.notifiers {
			if err := rec.ev.Del(); err != nil {
				log.Error().Msgf("[%d] got error while suspending %s notifier: %+v", rec.fd, rec.direction, err)
			}
		}
		return
	}
	if nr.suspended == 0 {
		return
	}
	nr.suspended--
	if nr.suspended > 0 {
		return
	}
	for _, rec := range nr.notifiers {
		if err := rec.ev.Add(-1); err != nil {
			log.Error().Msgf("[%d] got error while resuming %s notifier: %+v", rec.fd, rec.direction, err)
		}
	}
}

func (nr *notifierRegistry) close() {
	for id := range nr.notifiers {
		nr.unregister(id)
	}
}
