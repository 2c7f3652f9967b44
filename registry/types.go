package registry

// Handle is an opaque reference to an entry in a table.
// Handle 0 is reserved and always invalid.
type Handle uint32

// EventType distinguishes lifecycle notifications.
type EventType uint8

const (
	EventCreated EventType = iota
	EventDropped
)

func (e EventType) String() string {
	switch e {
	case EventCreated:
		return "created"
	case EventDropped:
		return "dropped"
	}
	return "unknown"
}

// Event describes one lifecycle transition of an entry.
type Event[T any] struct {
	Value  T
	Handle Handle
	Kind   uint32
	Type   EventType
}

// Observer receives lifecycle events. Observers run synchronously on the
// goroutine that inserted or removed the entry and must not call back into
// the table.
type Observer[T any] interface {
	OnEvent(Event[T])
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc[T any] func(Event[T])

func (f ObserverFunc[T]) OnEvent(e Event[T]) { f(e) }
