package incremental

import "time"

// EventKind identifies a scheduler event.
type EventKind int

const (
	// EventEnqueued is emitted for each unit added to the queue.
	EventEnqueued EventKind = iota
	// EventSkipped is emitted when a unit is already loaded.
	EventSkipped
	// EventAttempt is emitted right before a unit is loaded.
	EventAttempt
	// EventLoaded is emitted after a unit loaded successfully.
	EventLoaded
	// EventInterrupted is emitted when input cancelled a load.
	EventInterrupted
	// EventBusy is emitted when a unit's turn arrived while the user was
	// not idle enough.
	EventBusy
	// EventError is emitted when a unit's load failed.
	EventError
	// EventAborted is emitted when the remaining queue is discarded.
	EventAborted
	// EventDrained is emitted when the queue is empty.
	EventDrained
)

// String returns a string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventEnqueued:
		return "enqueued"
	case EventSkipped:
		return "skipped"
	case EventAttempt:
		return "attempt"
	case EventLoaded:
		return "loaded"
	case EventInterrupted:
		return "interrupted"
	case EventBusy:
		return "busy"
	case EventError:
		return "error"
	case EventAborted:
		return "aborted"
	case EventDrained:
		return "drained"
	default:
		return "unknown"
	}
}

// Event describes one step of the scheduler.
type Event struct {
	Kind EventKind
	Unit string

	// Remaining is the number of queued units after this one.
	Remaining int

	// Duration is the load time, set for EventLoaded and EventInterrupted.
	Duration time.Duration

	// Err is set for EventError and EventAborted.
	Err error

	Time time.Time
}

// Observer receives scheduler events. Observers run on the scheduler's
// goroutine and must not block; panics are recovered.
type Observer func(Event)
