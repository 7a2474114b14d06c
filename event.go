package evdispatch

import (
	"fmt"
	"time"
)

type TimerID int

type NotifierID int

// Owner identifies the object a timer or notifier event is delivered to. It
// is only compared for identity, so it must be comparable (pointers are).
type Owner = any

// Direction is the readiness a socket notifier waits for.
type Direction uint8

const (
	Read Direction = iota
	Write
	Exception
)

func (d Direction) String() string {
	switch d {
	case Read:
		return "read"
	case Write:
		return "write"
	case Exception:
		return "exception"
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

func (d Direction) eventFlags() EventFlags {
	switch d {
	case Write:
		return EvWrite
	case Exception:
		return EvPri
	}
	return EvRead
}

// ProcessEventsFlags select what a ProcessEvents call may do.
type ProcessEventsFlags uint8

const (
	// WaitForMore blocks until something happens when nothing is pending.
	WaitForMore ProcessEventsFlags = 1 << iota
	ExcludeNotifiers
	ExcludeTimers

	AllEvents ProcessEventsFlags = 0
)

// TimerEvent is delivered to a timer's owner each time the timer fires.
type TimerEvent struct {
	ID TimerID
}

// SocketEvent is delivered to a notifier's owner when its descriptor becomes
// ready in the registered direction.
type SocketEvent struct {
	ID        NotifierID
	FD        int
	Direction Direction
}

type TimerInfo struct {
	ID         TimerID
	Interval   time.Duration
	SingleShot bool
}
