package domain

// EventKind tags the payload carried by an Event.
type EventKind int

const (
	EventCredentials EventKind = iota + 1
	EventConnection
	EventMessages
)

// Event is one transport notification queued for the relay loop.
// Generation identifies the session that produced it.
type Event struct {
	Kind        EventKind
	Generation  uint64
	Credentials Credentials
	Connection  ConnectionEvent
	Messages    []InboundMessage
}

// EventBus queues transport events for a single consumer.
type EventBus interface {
	Publish(evt Event)
	Subscribe() <-chan Event
	Close()
}
