package unit

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dshills/idleload/internal/hook"
	"github.com/dshills/idleload/internal/incremental"
	"github.com/dshills/idleload/internal/logging"
	ulua "github.com/dshills/idleload/internal/unit/lua"
)

// Source identifies where a unit's code comes from.
type Source int

const (
	// SourceGo - a function registered with RegisterFunc.
	SourceGo Source = iota
	// SourceLua - a Lua file or directory found on the search paths.
	SourceLua
)

// String returns a string representation of the source.
func (s Source) String() string {
	switch s {
	case SourceGo:
		return "go"
	case SourceLua:
		return "lua"
	default:
		return "unknown"
	}
}

// Func is the body of a Go unit. It must return promptly once ctx is
// cancelled.
type Func func(ctx context.Context) error

// Status describes a known unit for listings.
type Status struct {
	Name     string
	Source   Source
	Path     string
	Requires []string
	Loaded   bool
	Error    error
}

type entry struct {
	name     string
	source   Source
	requires []string
	fn       Func
	manifest *Manifest
}

// Registry tracks which units are loaded and loads them on request.
type Registry struct {
	loader *Loader
	logger *logging.Logger
	now    func() time.Time
	hooks  *hook.Manager

	state *ulua.State

	mu        sync.RWMutex
	funcs     map[string]*entry
	loaded    map[string]bool
	order     []string
	afterLoad map[string][]func()
	onLoaded  []func(name string, d time.Duration)
	enqueue   func(units []string, now bool) error
	closed    bool

	// Load-time bookkeeping, touched only on the loading goroutine.
	loading map[string]bool
	stack   []string
	ctx     context.Context
	hookSeq int
}

// Option configures a Registry.
type Option func(*Registry)

// WithPaths sets the Lua unit search paths.
func WithPaths(paths ...string) Option {
	return func(r *Registry) {
		r.loader = NewLoader(paths...)
	}
}

// WithLogger sets the logger. Lua print output is logged at info level.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithHooks lets Lua units add handlers to m with unit.on.
func WithHooks(m *hook.Manager) Option {
	return func(r *Registry) {
		r.hooks = m
	}
}

// WithClock sets the time source used for load durations.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates a registry and its shared Lua state.
func New(opts ...Option) (*Registry, error) {
	r := &Registry{
		loader:    NewLoader(),
		logger:    logging.Nop(),
		now:       time.Now,
		funcs:     make(map[string]*entry),
		loaded:    make(map[string]bool),
		afterLoad: make(map[string][]func()),
		loading:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}

	// Units run until they finish or the user interrupts them.
	state, err := ulua.NewState(
		ulua.WithOutput(&logWriter{logger: r.logger.WithComponent("lua")}),
		ulua.WithExecutionTimeout(0),
	)
	if err != nil {
		return nil, fmt.Errorf("creating lua state: %w", err)
	}
	r.state = state
	r.installAPI()

	return r, nil
}

// RegisterFunc registers a Go unit. requires are loaded before fn runs.
func (r *Registry) RegisterFunc(name string, requires []string, fn Func) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateUnit, name)
	}
	r.funcs[name] = &entry{
		name:     name,
		source:   SourceGo,
		requires: append([]string(nil), requires...),
		fn:       fn,
	}
	return nil
}

// Discover rescans the search paths.
func (r *Registry) Discover() ([]*Info, error) {
	return r.loader.Discover()
}

// IsLoaded implements incremental.Registry.
func (r *Registry) IsLoaded(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded[name]
}

// Loaded returns loaded unit names in load order.
func (r *Registry) Loaded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Has reports whether any source provides name.
func (r *Registry) Has(name string) bool {
	_, err := r.lookup(name)
	return err == nil
}

// Units lists every known unit: registered Go units and Lua units found on
// the search paths. Registered units shadow Lua units of the same name.
func (r *Registry) Units() ([]Status, error) {
	infos, err := r.loader.Discover()
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	out := make([]Status, 0, len(r.funcs)+len(infos))
	for _, e := range r.funcs {
		seen[e.name] = true
		out = append(out, Status{
			Name:     e.name,
			Source:   SourceGo,
			Requires: e.requires,
			Loaded:   r.loaded[e.name],
		})
	}
	for _, info := range infos {
		if seen[info.Name] {
			continue
		}
		st := Status{
			Name:   info.Name,
			Source: SourceLua,
			Path:   info.Path,
			Loaded: r.loaded[info.Name],
			Error:  info.Error,
		}
		if info.Manifest != nil {
			st.Path = info.Manifest.MainPath()
			st.Requires = info.Manifest.Requires
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AfterLoad runs fn once name has loaded. If it is already loaded fn runs
// immediately.
func (r *Registry) AfterLoad(name string, fn func()) {
	r.mu.Lock()
	if r.loaded[name] {
		r.mu.Unlock()
		fn()
		return
	}
	r.afterLoad[name] = append(r.afterLoad[name], fn)
	r.mu.Unlock()
}

// OnLoaded registers fn to run after every successful unit load.
func (r *Registry) OnLoaded(fn func(name string, d time.Duration)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLoaded = append(r.onLoaded, fn)
}

// SetEnqueuer lets Lua units queue deferred work with unit.enqueue.
func (r *Registry) SetEnqueuer(fn func(units []string, now bool) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueue = fn
}

// Load implements incremental.Registry. It loads name's requirements and
// then name itself. Loading a loaded unit is a no-op. If ctx is cancelled
// the unit is left unloaded and the error matches ctx.Err().
func (r *Registry) Load(ctx context.Context, name string) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrRegistryClosed
	}
	return r.load(ctx, name)
}

func (r *Registry) load(ctx context.Context, name string) error {
	if r.IsLoaded(name) {
		return nil
	}
	if r.loading[name] {
		chain := append(append([]string(nil), r.stack...), name)
		return fmt.Errorf("%w: %s", ErrCyclicRequire, strings.Join(chain, " -> "))
	}

	e, err := r.lookup(name)
	if err != nil {
		return err
	}

	r.loading[name] = true
	r.stack = append(r.stack, name)
	defer func() {
		delete(r.loading, name)
		r.stack = r.stack[:len(r.stack)-1]
	}()

	for _, req := range e.requires {
		if err := r.load(ctx, req); err != nil {
			return fmt.Errorf("%s requires %s: %w", name, req, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	prev := r.ctx
	r.ctx = ctx
	defer func() { r.ctx = prev }()

	start := r.now()
	if err := r.run(ctx, e); err != nil {
		return err
	}
	r.markLoaded(name, r.now().Sub(start))
	return nil
}

func (r *Registry) run(ctx context.Context, e *entry) error {
	switch e.source {
	case SourceGo:
		return e.fn(ctx)
	default:
		caps := make([]ulua.Capability, 0, len(e.manifest.Capabilities))
		for _, c := range e.manifest.Capabilities {
			capability, err := ulua.ParseCapability(c)
			if err != nil {
				return err
			}
			caps = append(caps, capability)
		}
		// Grants last only while this unit's file runs.
		restore := r.state.Sandbox().Scope(caps...)
		defer restore()
		r.logger.Debug("Running %s", e.manifest.MainPath())
		return r.state.DoFile(ctx, e.manifest.MainPath())
	}
}

// lookup finds a unit; registered Go units shadow Lua units.
func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.funcs[name]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}

	info, err := r.loader.Find(name)
	if err != nil {
		return nil, err
	}
	if info.Error != nil {
		return nil, fmt.Errorf("unit %s: %w", name, info.Error)
	}
	return &entry{
		name:     name,
		source:   SourceLua,
		requires: info.Manifest.Requires,
		manifest: info.Manifest,
	}, nil
}

func (r *Registry) markLoaded(name string, d time.Duration) {
	r.mu.Lock()
	r.loaded[name] = true
	r.order = append(r.order, name)
	pending := r.afterLoad[name]
	delete(r.afterLoad, name)
	listeners := slices.Clone(r.onLoaded)
	r.mu.Unlock()

	r.logger.Debug("Unit %s loaded in %s", name, d.Round(time.Millisecond))
	for _, fn := range pending {
		fn()
	}
	for _, fn := range listeners {
		fn(name, d)
	}
}

// Close releases the Lua state.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.state.Close()
}

var _ incremental.Registry = (*Registry)(nil)
