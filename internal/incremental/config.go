package incremental

import (
	"fmt"
	"time"
)

// Default timer settings.
const (
	DefaultFirstIdle = 2 * time.Second
	DefaultIdle      = 750 * time.Millisecond
)

// BusyPolicy decides what happens when a unit's turn arrives while the user
// is not idle enough.
type BusyPolicy int

const (
	// BusyAbort discards the remaining queue for the session.
	BusyAbort BusyPolicy = iota
	// BusyRequeue keeps the unit at the front and tries again later.
	BusyRequeue
)

// String returns the config spelling of the policy.
func (p BusyPolicy) String() string {
	switch p {
	case BusyAbort:
		return "abort"
	case BusyRequeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// ParseBusyPolicy parses "abort" or "requeue". The empty string means abort.
func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch s {
	case "", "abort":
		return BusyAbort, nil
	case "requeue":
		return BusyRequeue, nil
	default:
		return BusyAbort, fmt.Errorf("%w: unknown busy policy %q", ErrInvalidConfig, s)
	}
}

// Config configures a Scheduler.
type Config struct {
	// Enabled controls whether Start schedules the queue at all. When false,
	// enqueued units are only loaded by Enqueue(..., true).
	Enabled bool

	// FirstIdle is the idle time required before the first pass, and the
	// minimum idle time for any load attempt. Zero means load everything
	// eagerly in Start.
	FirstIdle time.Duration

	// Idle is the delay between passes once idle time has been observed.
	Idle time.Duration

	// BusyPolicy applies when a unit's turn arrives and the user is busy.
	BusyPolicy BusyPolicy
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		FirstIdle:  DefaultFirstIdle,
		Idle:       DefaultIdle,
		BusyPolicy: BusyAbort,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FirstIdle < 0 {
		return fmt.Errorf("%w: first idle must not be negative", ErrInvalidConfig)
	}
	if c.Idle <= 0 {
		return fmt.Errorf("%w: idle interval must be positive", ErrInvalidConfig)
	}
	if c.BusyPolicy != BusyAbort && c.BusyPolicy != BusyRequeue {
		return fmt.Errorf("%w: unknown busy policy %d", ErrInvalidConfig, c.BusyPolicy)
	}
	return nil
}
