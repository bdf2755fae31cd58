package bus

import "time"

// EventBus is an in-process pub/sub bus for host lifecycle notifications.
//
// Delivery is synchronous on the publishing goroutine, in subscription order.
// Handlers that need to touch thread-owned state should hop onto that thread's
// scheduler instead of doing the work inline.
type EventBus interface {
	// Publish delivers the event to every subscriber of its type and to every
	// SubscribeAll handler. Handler errors and panics are joined and returned.
	Publish(event Event) error
	// PublishAsync publishes on a new goroutine. The channel receives the result and is closed.
	PublishAsync(event Event) <-chan error

	Subscribe(eventType EventType, handler EventHandler) (Subscription, error)
	// SubscribeAll receives every event regardless of type.
	SubscribeAll(handler EventHandler) (Subscription, error)
	// Unsubscribe is a no-op for nil or already cancelled subscriptions.
	Unsubscribe(sub Subscription) error
	SubscriberCount(eventType EventType) int

	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
	// Metrics are only collected while at least one observer is registered.
	Metrics() Metrics
}

type EventType string

const (
	HostStateChanged     EventType = "host.state_changed"
	HostActivated        EventType = "host.activated"
	HostDeactivated      EventType = "host.deactivated"
	HostExiting          EventType = "host.exiting"
	HostExited           EventType = "host.exited"
	ExecutionModeChanged EventType = "host.execution_mode_changed"
	ThreadFaulted        EventType = "thread.faulted"
	MessageReceived      EventType = "ipc.message_received"
)

// Event is treated as read-only once published.
type Event struct {
	Type      EventType
	Source    string
	Timestamp time.Time
	Data      any
}

func NewEvent(eventType EventType, source string, data any) Event {
	return Event{Type: eventType, Source: source, Timestamp: time.Now(), Data: data}
}

type EventHandler func(event Event) error

type Subscription interface {
	ID() string
	// EventType is empty for SubscribeAll subscriptions.
	EventType() EventType
	IsActive() bool
	// Cancel de-registers the handler. Multiple calls are safe.
	Cancel() error
}

// Observer is told about every publish. Implementations should return quickly.
type Observer interface {
	OnPublish(event Event)
	OnDelivered(event Event, handlers int, err error, duration time.Duration)
}

type Metrics struct {
	Published         uint64
	DeliveredHandlers uint64
	Errors            uint64
	SubscribersActive uint64
}
