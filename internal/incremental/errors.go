package incremental

import (
	"errors"
	"fmt"
)

// Scheduler errors.
var (
	// ErrAborted is returned when work is enqueued after the session's queue
	// was discarded by a failed load.
	ErrAborted = errors.New("incremental loading aborted for this session")

	// ErrNotIdle is reported when a unit's turn arrives but the host is busy
	// or has not been idle for the first-idle threshold.
	ErrNotIdle = errors.New("not idle")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid incremental config")
)

// LoadError reports why a unit could not be loaded.
type LoadError struct {
	Unit string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to incrementally load %s: %v", e.Unit, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// PanicError wraps a panic raised by a unit's load code.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic during load: %v", e.Value)
}
