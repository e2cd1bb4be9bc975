// Package stream decodes the assistant's line-framed text stream.
package stream

// EventKind enumerates decoder outputs.
type EventKind int

const (
	EventDelta EventKind = iota + 1
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one decoded unit. Text carries the delta for EventDelta and the
// failure detail for EventError; it is empty for EventDone.
type Event struct {
	Kind EventKind
	Text string
}

// Terminal reports whether no further events follow.
func (e Event) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}
