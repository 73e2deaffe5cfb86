package incremental

import (
	"context"
	"testing"
	"time"
)

// fakeTimer records a scheduled callback; tests fire it by hand.
type fakeTimer struct {
	d       time.Duration
	idle    bool
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeHost is a manually driven Host.
type fakeHost struct {
	idle   time.Duration
	idleOK bool
	timers []*fakeTimer
	cancel context.CancelFunc
}

func newFakeHost() *fakeHost {
	return &fakeHost{idle: time.Hour, idleOK: true}
}

func (h *fakeHost) IdleTime() (time.Duration, bool) {
	return h.idle, h.idleOK
}

func (h *fakeHost) AfterIdle(d time.Duration, fn func()) Timer {
	t := &fakeTimer{d: d, idle: true, fn: fn}
	h.timers = append(h.timers, t)
	return t
}

func (h *fakeHost) After(d time.Duration, fn func()) Timer {
	t := &fakeTimer{d: d, fn: fn}
	h.timers = append(h.timers, t)
	return t
}

func (h *fakeHost) WhileNoInput(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.cancel = cancel
	err := fn(ctx)
	h.cancel = nil
	if ctx.Err() != nil {
		return true, err
	}
	return false, err
}

// input simulates a keystroke while a load is running.
func (h *fakeHost) input() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *fakeHost) pending() []*fakeTimer {
	var out []*fakeTimer
	for _, t := range h.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fireNext fires the single pending timer and returns it.
func (h *fakeHost) fireNext(t *testing.T) *fakeTimer {
	t.Helper()
	p := h.pending()
	if len(p) != 1 {
		t.Fatalf("pending timers = %d, want 1", len(p))
	}
	p[0].fired = true
	p[0].fn()
	return p[0]
}

// fakeRegistry loads units by name, with optional per-unit behavior.
type fakeRegistry struct {
	loaded   map[string]bool
	behavior map[string]func(ctx context.Context) error
	calls    []string
}

func newFakeRegistry(preloaded ...string) *fakeRegistry {
	r := &fakeRegistry{
		loaded:   make(map[string]bool),
		behavior: make(map[string]func(ctx context.Context) error),
	}
	for _, name := range preloaded {
		r.loaded[name] = true
	}
	return r
}

func (r *fakeRegistry) IsLoaded(name string) bool {
	return r.loaded[name]
}

func (r *fakeRegistry) Load(ctx context.Context, name string) error {
	r.calls = append(r.calls, name)
	if fn, ok := r.behavior[name]; ok {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.loaded[name] = true
	return nil
}

// recorder collects events other than EventEnqueued as "kind(unit)" strings.
type recorder struct {
	events []Event
}

func (r *recorder) observe(ev Event) {
	if ev.Kind != EventEnqueued {
		r.events = append(r.events, ev)
	}
}

func (r *recorder) trace() []string {
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		if ev.Unit == "" {
			out[i] = ev.Kind.String()
		} else {
			out[i] = ev.Kind.String() + "(" + ev.Unit + ")"
		}
	}
	return out
}

func assertTrace(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("trace = %v, want %v (first diff at %d)", got, want, i)
		}
	}
}

func testConfig() Config {
	return Config{
		Enabled:    true,
		FirstIdle:  2 * time.Second,
		Idle:       750 * time.Millisecond,
		BusyPolicy: BusyAbort,
	}
}
