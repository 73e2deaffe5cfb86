package incremental

import (
	"context"
	"time"
)

// Registry tracks and loads units.
type Registry interface {
	// IsLoaded reports whether the named unit has already been loaded.
	IsLoaded(name string) bool

	// Load loads the named unit synchronously. Implementations must stop
	// promptly once ctx is cancelled.
	Load(ctx context.Context, name string) error
}

// Timer is a pending single-shot timer.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired or was
	// stopped.
	Stop() bool
}

// Host is the runtime the scheduler runs on. Callbacks passed to AfterIdle
// and After must be invoked on the same goroutine that drives the Scheduler.
type Host interface {
	// IdleTime returns how long the user has been idle. ok is false while
	// the host is handling input.
	IdleTime() (idle time.Duration, ok bool)

	// AfterIdle runs fn once the user has been idle for d.
	AfterIdle(d time.Duration, fn func()) Timer

	// After runs fn once d has elapsed.
	After(d time.Duration, fn func()) Timer

	// WhileNoInput runs fn with a context that is cancelled as soon as user
	// input arrives. interrupted reports whether that happened.
	WhileNoInput(ctx context.Context, fn func(ctx context.Context) error) (interrupted bool, err error)
}
