package loop

import (
	"time"

	"github.com/dshills/idleload/internal/incremental"
)

// idleTimer fires once the user has been idle for d. Input stops the
// countdown; it restarts from zero when input handling ends.
type idleTimer struct {
	l  *Loop
	d  time.Duration
	fn func()

	// Guarded by l.mu.
	underlying Stopper
	gen        int
	done       bool
}

// AfterIdle implements incremental.Host. If the user is already idle, the
// time spent idle so far counts toward d.
func (l *Loop) AfterIdle(d time.Duration, fn func()) incremental.Timer {
	t := &idleTimer{l: l, d: d, fn: fn}

	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-l.done:
		t.done = true
		return t
	default:
	}

	l.idleTimers[t] = struct{}{}
	if l.pendingInput == 0 {
		remaining := d - l.clock.Now().Sub(l.lastInput)
		if remaining < 0 {
			remaining = 0
		}
		t.arm(remaining)
	}
	return t
}

// arm starts the countdown. Must be called with l.mu held.
func (t *idleTimer) arm(d time.Duration) {
	t.disarm()
	gen := t.gen
	t.underlying = t.l.clock.AfterFunc(d, func() {
		_ = t.l.Post(func() { t.fire(gen) })
	})
}

// disarm stops the countdown and invalidates callbacks already posted.
// Must be called with l.mu held.
func (t *idleTimer) disarm() {
	if t.underlying != nil {
		t.underlying.Stop()
		t.underlying = nil
	}
	t.gen++
}

func (t *idleTimer) fire(gen int) {
	t.l.mu.Lock()
	if t.done || t.gen != gen {
		t.l.mu.Unlock()
		return
	}
	t.done = true
	t.underlying = nil
	delete(t.l.idleTimers, t)
	t.l.mu.Unlock()

	t.fn()
}

// Stop implements incremental.Timer.
func (t *idleTimer) Stop() bool {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.disarm()
	delete(t.l.idleTimers, t)
	return true
}

// timer fires after wall time d, regardless of input.
type timer struct {
	l          *Loop
	underlying Stopper
	done       bool
}

// After implements incremental.Host.
func (l *Loop) After(d time.Duration, fn func()) incremental.Timer {
	t := &timer{l: l}

	l.mu.Lock()
	defer l.mu.Unlock()
	t.underlying = l.clock.AfterFunc(d, func() {
		_ = l.Post(func() {
			l.mu.Lock()
			if t.done {
				l.mu.Unlock()
				return
			}
			t.done = true
			l.mu.Unlock()
			fn()
		})
	})
	return t
}

// Stop implements incremental.Timer.
func (t *timer) Stop() bool {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.underlying.Stop()
	return true
}
