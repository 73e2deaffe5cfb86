package incremental

import "time"

// State is the scheduler's lifecycle state.
type State int

const (
	// StateIdle - nothing scheduled, queue possibly non-empty (before Start).
	StateIdle State = iota

	// StateScheduled - a timer is pending.
	StateScheduled

	// StateRunning - a step is in progress.
	StateRunning

	// StateDrained - the queue is empty and no timer is pending.
	StateDrained

	// StateAborted - a load failed; the queue was discarded for the session.
	StateAborted
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateDrained:
		return "drained"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for drained and aborted.
func (s State) IsTerminal() bool {
	return s == StateDrained || s == StateAborted
}

// Outcome is the result of handling the unit at the front of the queue.
type Outcome int

const (
	// OutcomeSkipped - the unit was already loaded.
	OutcomeSkipped Outcome = iota
	// OutcomeLoaded - the unit loaded successfully.
	OutcomeLoaded
	// OutcomeInterrupted - input cancelled the load.
	OutcomeInterrupted
	// OutcomeBusy - the user was not idle enough to attempt the load.
	OutcomeBusy
	// OutcomeFailed - the load returned an error.
	OutcomeFailed
)

// String returns a string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeLoaded:
		return "loaded"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeBusy:
		return "busy"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Action tells the scheduler what to do after a step.
type Action int

const (
	// ActionContinue - handle the next unit now, without waiting.
	ActionContinue Action = iota
	// ActionSchedule - arm a timer for Delay and stop. With WaitIdle the
	// timer counts idle time only.
	ActionSchedule
	// ActionStop - nothing more to do; State is drained or aborted.
	ActionStop
)

// String returns a string representation of the action.
func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionSchedule:
		return "schedule"
	case ActionStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Transition is the result of Advance.
type Transition struct {
	Queue  []string
	Action Action
	Delay  time.Duration
	State  State

	WaitIdle bool
}

// Advance computes the next queue and action after the unit at queue[0] was
// handled with the given outcome. idleSeen reports whether the host returned
// an idle duration during the step. queue is not modified.
func Advance(queue []string, outcome Outcome, idleSeen bool, cfg Config) Transition {
	if len(queue) == 0 {
		return Transition{Action: ActionStop, State: StateDrained}
	}

	delay := cfg.FirstIdle
	if idleSeen {
		delay = cfg.Idle
	}

	switch outcome {
	case OutcomeSkipped:
		rest := queue[1:]
		if len(rest) == 0 {
			return Transition{Queue: rest, Action: ActionStop, State: StateDrained}
		}
		return Transition{Queue: rest, Action: ActionContinue, State: StateRunning}

	case OutcomeLoaded:
		rest := queue[1:]
		if len(rest) == 0 {
			return Transition{Queue: rest, Action: ActionStop, State: StateDrained}
		}
		return Transition{Queue: rest, Action: ActionSchedule, Delay: delay, State: StateScheduled}

	case OutcomeInterrupted:
		// Retry on the next idle period, which must pass the busy check.
		return Transition{Queue: queue, Action: ActionSchedule, Delay: cfg.FirstIdle, State: StateScheduled, WaitIdle: true}

	case OutcomeBusy:
		if cfg.BusyPolicy == BusyRequeue {
			return Transition{Queue: queue, Action: ActionSchedule, Delay: delay, State: StateScheduled}
		}
		return Transition{Action: ActionStop, State: StateAborted}

	default:
		return Transition{Action: ActionStop, State: StateAborted}
	}
}
