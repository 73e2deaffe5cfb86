// Package hook provides named hook lists.
//
// A hook is a named list of handlers run at a well-known point in the
// application's life. Handlers run in priority order (higher first, then
// registration order). A failing or panicking handler does not stop the
// rest; Run returns the failures joined.
package hook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Standard hook names.
const (
	// Startup runs once the application has finished starting.
	Startup = "startup"
	// UnitLoaded runs after each unit load; Args.Unit names it.
	UnitLoaded = "unit-loaded"
	// IncrementalDrained runs when the deferred queue is empty.
	IncrementalDrained = "incremental-drained"
	// IncrementalAborted runs when deferred loading is abandoned; Args.Err
	// holds the cause.
	IncrementalAborted = "incremental-aborted"
	// ConfigReloaded runs after a configuration file change was applied.
	ConfigReloaded = "config-reloaded"
)

// Args carries the data passed to handlers.
type Args struct {
	Unit string
	Err  error
}

// Func is a hook handler body.
type Func func(ctx context.Context, args Args) error

// Handler is a registered hook function.
type Handler struct {
	// ID identifies the handler within its hook. Adding an existing ID
	// replaces the handler.
	ID       string
	Priority int
	Fn       Func

	seq int
}

// HandlerError records a failure of one handler.
type HandlerError struct {
	Hook string
	ID   string
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("hook %s/%s: %v", e.Hook, e.ID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Manager holds the hook lists.
type Manager struct {
	mu    sync.RWMutex
	hooks map[string][]Handler
	seq   int
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		hooks: make(map[string][]Handler),
	}
}

// Add registers fn on the named hook with priority 0.
func (m *Manager) Add(name, id string, fn Func) {
	m.AddHandler(name, Handler{ID: id, Fn: fn})
}

// AddHandler registers h on the named hook.
func (m *Manager) AddHandler(name string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	h.seq = m.seq

	list := m.hooks[name]
	for i, existing := range list {
		if existing.ID == h.ID {
			h.seq = existing.seq
			list[i] = h
			m.sort(name)
			return
		}
	}
	m.hooks[name] = append(list, h)
	m.sort(name)
}

// Remove unregisters a handler. Returns false if it was not registered.
func (m *Manager) Remove(name, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.hooks[name]
	for i, h := range list {
		if h.ID == id {
			m.hooks[name] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Run calls every handler on the named hook. Handlers added or removed by a
// running handler take effect on the next Run.
func (m *Manager) Run(ctx context.Context, name string, args Args) error {
	m.mu.RLock()
	handlers := make([]Handler, len(m.hooks[name]))
	copy(handlers, m.hooks[name])
	m.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := call(ctx, h, args); err != nil {
			errs = append(errs, &HandlerError{Hook: name, ID: h.ID, Err: err})
		}
	}
	return errors.Join(errs...)
}

func call(ctx context.Context, h Handler, args Args) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Fn(ctx, args)
}

// IDs returns the handler IDs of a hook in run order.
func (m *Manager) IDs(name string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, len(m.hooks[name]))
	for i, h := range m.hooks[name] {
		ids[i] = h.ID
	}
	return ids
}

// Count returns the number of handlers on a hook.
func (m *Manager) Count(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hooks[name])
}

// Clear removes every handler from every hook.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = make(map[string][]Handler)
}

// sort orders a hook by priority descending, then registration order.
func (m *Manager) sort(name string) {
	list := m.hooks[name]
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].seq < list[j].seq
	})
}
