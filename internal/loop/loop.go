// Package loop provides the single-goroutine runtime that hosts the
// incremental scheduler: a task queue, idle tracking, idle timers, plain
// timers and input-interruptible execution.
//
// Everything posted to a Loop runs on the goroutine that called Run (or
// RunPending). Input is reported from other goroutines through HandleInput
// and NotifyInput, which are safe for concurrent use.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dshills/idleload/internal/incremental"
)

// ErrLoopClosed is returned when posting to a loop that has stopped.
var ErrLoopClosed = errors.New("loop is closed")

// DefaultQueueSize is the task buffer size.
const DefaultQueueSize = 256

// Loop executes posted tasks in order on one goroutine.
type Loop struct {
	clock Clock
	tasks chan func()
	done  chan struct{}

	closeOnce sync.Once

	mu           sync.Mutex
	lastInput    time.Time
	pendingInput int
	interrupt    context.CancelFunc
	idleTimers   map[*idleTimer]struct{}
	inputCount   uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the clock. Defaults to SystemClock.
func WithClock(c Clock) Option {
	return func(l *Loop) {
		l.clock = c
	}
}

// WithQueueSize sets the task buffer size.
func WithQueueSize(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.tasks = make(chan func(), n)
		}
	}
}

// New creates a loop. The user is considered idle from this moment.
func New(opts ...Option) *Loop {
	l := &Loop{
		clock:      SystemClock{},
		tasks:      make(chan func(), DefaultQueueSize),
		done:       make(chan struct{}),
		idleTimers: make(map[*idleTimer]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastInput = l.clock.Now()
	return l
}

// Clock returns the loop's clock.
func (l *Loop) Clock() Clock {
	return l.clock
}

// Post queues fn to run on the loop goroutine. It is safe for concurrent
// use and returns ErrLoopClosed after Close.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrLoopClosed
	default:
	}

	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrLoopClosed
	}
}

// Run executes tasks until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.tasks:
			fn()
		}
	}
}

// RunPending executes queued tasks until none are left and returns how many
// ran. Used by headless callers and tests that drive the loop themselves.
func (l *Loop) RunPending() int {
	n := 0
	for {
		select {
		case fn := <-l.tasks:
			fn()
			n++
		default:
			return n
		}
	}
}

// Close stops Run and rejects further posts. Pending timers are stopped.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.done)

		l.mu.Lock()
		for t := range l.idleTimers {
			t.disarm()
		}
		l.idleTimers = make(map[*idleTimer]struct{})
		l.mu.Unlock()
	})
}

// Done is closed when the loop is closed.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// HandleInput reports a user input event and queues handler (which may be
// nil) on the loop. From now until handler has run the user is not idle:
// IdleTime reports false, the active WhileNoInput is cancelled, and idle
// timers restart their countdown once handling ends.
func (l *Loop) HandleInput(handler func()) error {
	l.mu.Lock()
	l.pendingInput++
	l.inputCount++
	if l.interrupt != nil {
		l.interrupt()
	}
	for t := range l.idleTimers {
		t.disarm()
	}
	l.mu.Unlock()

	err := l.Post(func() {
		if handler != nil {
			handler()
		}
		l.inputHandled()
	})
	if err != nil {
		l.inputHandled()
	}
	return err
}

// NotifyInput reports an input event with no handler.
func (l *Loop) NotifyInput() error {
	return l.HandleInput(nil)
}

// InputCount returns the number of input events seen.
func (l *Loop) InputCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inputCount
}

func (l *Loop) inputHandled() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pendingInput--
	l.lastInput = l.clock.Now()
	if l.pendingInput > 0 {
		return
	}
	select {
	case <-l.done:
		return
	default:
	}
	for t := range l.idleTimers {
		t.arm(t.d)
	}
}

// IdleTime implements incremental.Host.
func (l *Loop) IdleTime() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pendingInput > 0 {
		return 0, false
	}
	return l.clock.Now().Sub(l.lastInput), true
}

// WhileNoInput implements incremental.Host. It must be called on the loop
// goroutine. If input is already pending fn is not run at all.
func (l *Loop) WhileNoInput(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	if l.pendingInput > 0 {
		l.mu.Unlock()
		return true, nil
	}
	prev := l.interrupt
	l.interrupt = cancel
	l.mu.Unlock()

	err := fn(ctx)

	l.mu.Lock()
	l.interrupt = prev
	interrupted := l.pendingInput > 0
	l.mu.Unlock()

	if interrupted {
		return true, err
	}
	return false, err
}

var _ incremental.Host = (*Loop)(nil)
