package incremental

import (
	"context"
	"time"

	"github.com/dshills/idleload/internal/logging"
)

// Scheduler runs queued units during idle periods.
// See the package documentation for the threading rules.
type Scheduler struct {
	cfg      Config
	registry Registry
	host     Host
	logger   *logging.Logger
	now      func() time.Time

	observers []Observer

	queue   []string
	timer   Timer
	state   State
	started bool

	stats Stats
}

// Stats counts what the scheduler has done this session.
type Stats struct {
	Enqueued      int
	Loaded        int
	Skipped       int
	Interruptions int
	Errors        int
	LastError     error
}

// Snapshot is a point-in-time view of the scheduler for status displays.
type Snapshot struct {
	State   State
	Pending []string
	Started bool
	Stats   Stats
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for the event log.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithObserver adds an event observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithClock sets the time source used for event timestamps and load
// durations.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a scheduler with an empty queue.
func New(cfg Config, registry Registry, host Host, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		registry: registry,
		host:     host,
		logger:   logging.Nop(),
		now:      time.Now,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the scheduler configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// State returns the current state.
func (s *Scheduler) State() State {
	return s.state
}

// Pending returns a copy of the queued unit names, front first.
func (s *Scheduler) Pending() []string {
	out := make([]string, len(s.queue))
	copy(out, s.queue)
	return out
}

// Snapshot returns the current state, queue and counters.
func (s *Scheduler) Snapshot() Snapshot {
	return Snapshot{
		State:   s.state,
		Pending: s.Pending(),
		Started: s.started,
		Stats:   s.stats,
	}
}

// Subscribe adds an observer after construction.
func (s *Scheduler) Subscribe(o Observer) {
	if o != nil {
		s.observers = append(s.observers, o)
	}
}

// Enqueue appends units to the queue. With runNow the queue is processed
// immediately using the same idle-respecting step; otherwise an idle timer
// is armed if the scheduler has started and nothing is pending.
//
// An empty units list is a no-op. After an abort, Enqueue returns
// ErrAborted and queues nothing.
func (s *Scheduler) Enqueue(units []string, runNow bool) error {
	if len(units) == 0 {
		return nil
	}
	if s.state == StateAborted {
		s.logger.Warn("Ignoring %d units: %v", len(units), ErrAborted)
		return ErrAborted
	}

	for _, u := range units {
		s.queue = append(s.queue, u)
		s.stats.Enqueued++
		s.emit(Event{Kind: EventEnqueued, Unit: u, Remaining: len(s.queue)})
	}

	// A unit's load code may enqueue more work; the running step picks it up.
	if s.state == StateRunning {
		return nil
	}

	if runNow {
		s.cancelTimer()
		s.process()
		return nil
	}

	if !s.started || !s.cfg.Enabled {
		return nil
	}
	if s.cfg.FirstIdle == 0 {
		s.loadEagerly()
		return nil
	}
	if s.timer == nil {
		s.arm(s.host.AfterIdle, s.cfg.FirstIdle)
	}
	return nil
}

// Start is called once the host has finished starting up. It arms the first
// idle timer, or loads everything immediately when FirstIdle is zero.
// Calling Start more than once has no effect.
func (s *Scheduler) Start() {
	if s.started {
		return
	}
	s.started = true

	if !s.cfg.Enabled {
		s.logger.Info("Incremental loading disabled, %d units left for on-demand loading", len(s.queue))
		return
	}
	if len(s.queue) == 0 {
		s.logger.Debug("Nothing to load incrementally")
		return
	}
	if s.cfg.FirstIdle == 0 {
		s.loadEagerly()
		return
	}

	s.logger.Debug("Loading %d units once idle for %s", len(s.queue), s.cfg.FirstIdle)
	s.arm(s.host.AfterIdle, s.cfg.FirstIdle)
}

// Stop cancels the pending timer, if any. The queue is kept; a later
// Enqueue or Start may resume it.
func (s *Scheduler) Stop() {
	s.cancelTimer()
	if s.state == StateScheduled {
		s.state = StateIdle
	}
}

// loadEagerly loads every queued unit now, without idle checks or
// interruption.
func (s *Scheduler) loadEagerly() {
	s.state = StateRunning
	for len(s.queue) > 0 {
		unit := s.queue[0]
		if s.registry.IsLoaded(unit) {
			s.stats.Skipped++
			s.emit(Event{Kind: EventSkipped, Unit: unit, Remaining: len(s.queue) - 1})
			s.queue = s.queue[1:]
			continue
		}

		s.emit(Event{Kind: EventAttempt, Unit: unit, Remaining: len(s.queue) - 1})
		start := s.now()
		if err := s.safeLoad(context.Background(), unit); err != nil {
			lerr := &LoadError{Unit: unit, Err: err}
			s.emit(Event{Kind: EventError, Unit: unit, Remaining: len(s.queue) - 1, Err: lerr})
			s.fail(unit, lerr)
			return
		}
		s.stats.Loaded++
		s.emit(Event{Kind: EventLoaded, Unit: unit, Remaining: len(s.queue) - 1, Duration: s.now().Sub(start)})
		s.queue = s.queue[1:]
	}
	s.drain()
}

// process is the timer callback: it handles units from the front of the
// queue until one needs a new timer or the queue ends.
func (s *Scheduler) process() {
	s.timer = nil
	if s.state == StateAborted {
		return
	}
	s.state = StateRunning

	for {
		if len(s.queue) == 0 {
			s.drain()
			return
		}

		unit := s.queue[0]
		var (
			outcome  Outcome
			idleSeen bool
			err      error
		)

		if s.registry.IsLoaded(unit) {
			outcome = OutcomeSkipped
			s.stats.Skipped++
			s.emit(Event{Kind: EventSkipped, Unit: unit, Remaining: len(s.queue) - 1})
		} else {
			var idle time.Duration
			idle, idleSeen = s.host.IdleTime()
			outcome, err = s.attempt(unit, idle, idleSeen)
		}

		t := Advance(s.queue, outcome, idleSeen, s.cfg)
		switch t.Action {
		case ActionContinue:
			s.queue = t.Queue
			continue

		case ActionSchedule:
			s.queue = t.Queue
			if t.WaitIdle {
				s.arm(s.host.AfterIdle, t.Delay)
			} else {
				s.arm(s.host.After, t.Delay)
			}
			return

		default:
			if t.State == StateAborted {
				s.fail(unit, err)
				return
			}
			s.queue = t.Queue
			s.drain()
			return
		}
	}
}

// attempt loads unit if the user has been idle long enough.
func (s *Scheduler) attempt(unit string, idle time.Duration, idleSeen bool) (Outcome, error) {
	remaining := len(s.queue) - 1

	if !idleSeen || idle < s.cfg.FirstIdle {
		s.emit(Event{Kind: EventBusy, Unit: unit, Remaining: remaining})
		return OutcomeBusy, &LoadError{Unit: unit, Err: ErrNotIdle}
	}

	s.emit(Event{Kind: EventAttempt, Unit: unit, Remaining: remaining})
	start := s.now()

	interrupted, err := s.host.WhileNoInput(context.Background(), func(ctx context.Context) error {
		return s.safeLoad(ctx, unit)
	})
	elapsed := s.now().Sub(start)

	if interrupted {
		s.stats.Interruptions++
		s.emit(Event{Kind: EventInterrupted, Unit: unit, Remaining: remaining, Duration: elapsed})
		return OutcomeInterrupted, nil
	}
	if err != nil {
		lerr := &LoadError{Unit: unit, Err: err}
		s.emit(Event{Kind: EventError, Unit: unit, Remaining: remaining, Err: lerr})
		return OutcomeFailed, lerr
	}

	s.stats.Loaded++
	s.emit(Event{Kind: EventLoaded, Unit: unit, Remaining: remaining, Duration: elapsed})
	return OutcomeLoaded, nil
}

// safeLoad converts a panic in load code into an error.
func (s *Scheduler) safeLoad(ctx context.Context, unit string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return s.registry.Load(ctx, unit)
}

// fail discards the queue for the rest of the session.
func (s *Scheduler) fail(unit string, err error) {
	discarded := 0
	if len(s.queue) > 1 {
		discarded = len(s.queue) - 1
	}
	s.queue = nil
	s.state = StateAborted
	s.stats.Errors++
	s.stats.LastError = err
	s.emit(Event{Kind: EventAborted, Unit: unit, Remaining: discarded, Err: err})
}

func (s *Scheduler) drain() {
	s.queue = nil
	s.state = StateDrained
	s.emit(Event{Kind: EventDrained})
}

// arm replaces the pending timer with a new one.
func (s *Scheduler) arm(schedule func(time.Duration, func()) Timer, d time.Duration) {
	s.cancelTimer()
	s.state = StateScheduled
	s.timer = schedule(d, s.process)
}

func (s *Scheduler) cancelTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// emit writes the event's log line and notifies observers.
func (s *Scheduler) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	s.logEvent(ev)

	for _, o := range s.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("observer panic on %s event: %v", ev.Kind, r)
				}
			}()
			o(ev)
		}()
	}
}

func (s *Scheduler) logEvent(ev Event) {
	switch ev.Kind {
	case EventEnqueued:
		s.logger.Debug("Queued %s (%d pending)", ev.Unit, ev.Remaining)
	case EventSkipped:
		s.logger.Info("Already loaded %s (%d left)", ev.Unit, ev.Remaining)
	case EventAttempt:
		s.logger.Info("Loading %s (%d left)", ev.Unit, ev.Remaining)
	case EventLoaded:
		s.logger.Info("Loaded %s in %s", ev.Unit, ev.Duration.Round(time.Millisecond))
	case EventInterrupted:
		s.logger.Info("Interrupted loading %s, will retry", ev.Unit)
	case EventBusy:
		s.logger.Info("Not idle, cannot load %s", ev.Unit)
	case EventError:
		s.logger.Warn("Error: %v", ev.Err)
	case EventAborted:
		s.logger.Warn("Aborted incremental loading, discarded %d units: %v", ev.Remaining, ev.Err)
	case EventDrained:
		s.logger.Info("Finished incremental loading")
	default:
		s.logger.Debug("event %s %s", ev.Kind, ev.Unit)
	}
}
