package evdispatch

// PostedEvents is the host framework's queue of deferred work.
type PostedEvents interface {
	HasPendingEvents() bool
	// SendPostedEvents delivers queued events. Handlers it runs may post more
	// events and may call ProcessEvents again.
	SendPostedEvents()
}

// Observer is told when the dispatcher is about to block and when it woke up.
type Observer interface {
	AboutToBlock()
	Awake()
}

// Delivery hands timer and socket events to their owners synchronously.
type Delivery interface {
	DeliverTimerEvent(owner Owner, event TimerEvent)
	DeliverSocketEvent(owner Owner, event SocketEvent)
}

// Host is everything the dispatcher consumes from the application framework.
type Host interface {
	PostedEvents
	Observer
	Delivery
}

// TimerEventHandler is implemented by owners that want timer events from an
// EventLoop.
type TimerEventHandler interface {
	TimerEvent(event TimerEvent)
}

// SocketEventHandler is implemented by owners that want socket events from
// an EventLoop.
type SocketEventHandler interface {
	SocketEvent(event SocketEvent)
}
