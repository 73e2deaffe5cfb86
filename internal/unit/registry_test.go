package unit

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dshills/idleload/internal/hook"
	"github.com/dshills/idleload/internal/logging"
)

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r, err := New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistryGoUnits(t *testing.T) {
	r := newTestRegistry(t, WithPaths())
	var order []string
	record := func(name string) Func {
		return func(ctx context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	mustRegister(t, r, "calendar", nil, record("calendar"))
	mustRegister(t, r, "outline", nil, record("outline"))
	mustRegister(t, r, "org", []string{"calendar", "outline"}, record("org"))

	if r.IsLoaded("org") {
		t.Fatal("org loaded before Load")
	}
	if err := r.Load(context.Background(), "org"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := strings.Join(order, ","); got != "calendar,outline,org" {
		t.Errorf("load order = %s", got)
	}
	for _, name := range []string{"calendar", "outline", "org"} {
		if !r.IsLoaded(name) {
			t.Errorf("%s not loaded", name)
		}
	}
	if got := strings.Join(r.Loaded(), ","); got != "calendar,outline,org" {
		t.Errorf("Loaded() = %s", got)
	}

	// Loading again is a no-op.
	if err := r.Load(context.Background(), "org"); err != nil {
		t.Fatal(err)
	}
	if len(order) != 3 {
		t.Errorf("unit body ran again: %v", order)
	}
}

func mustRegister(t *testing.T, r *Registry, name string, requires []string, fn Func) {
	t.Helper()
	if err := r.RegisterFunc(name, requires, fn); err != nil {
		t.Fatalf("RegisterFunc(%s) error = %v", name, err)
	}
}

func TestRegistryRegisterErrors(t *testing.T) {
	r := newTestRegistry(t, WithPaths())
	noop := func(ctx context.Context) error { return nil }

	mustRegister(t, r, "org", nil, noop)
	if err := r.RegisterFunc("org", nil, noop); !errors.Is(err, ErrDuplicateUnit) {
		t.Errorf("duplicate RegisterFunc() error = %v", err)
	}
	if err := r.RegisterFunc("bad name", nil, noop); !errors.Is(err, ErrInvalidName) {
		t.Errorf("RegisterFunc(bad name) error = %v", err)
	}
}

func TestRegistryNotFound(t *testing.T) {
	r := newTestRegistry(t, WithPaths(t.TempDir()))
	if err := r.Load(context.Background(), "nope"); !errors.Is(err, ErrUnitNotFound) {
		t.Errorf("Load(nope) error = %v, want ErrUnitNotFound", err)
	}
	if r.Has("nope") {
		t.Error("Has(nope) = true")
	}
}

func TestRegistryMissingRequirement(t *testing.T) {
	r := newTestRegistry(t, WithPaths())
	mustRegister(t, r, "org", []string{"calendar"}, func(ctx context.Context) error { return nil })

	err := r.Load(context.Background(), "org")
	if !errors.Is(err, ErrUnitNotFound) {
		t.Fatalf("Load() error = %v, want ErrUnitNotFound", err)
	}
	if !strings.Contains(err.Error(), "org requires calendar") {
		t.Errorf("error %q does not name the requirement", err)
	}
	if r.IsLoaded("org") {
		t.Error("org marked loaded")
	}
}

func TestRegistryCyclicRequire(t *testing.T) {
	r := newTestRegistry(t, WithPaths())
	noop := func(ctx context.Context) error { return nil }
	mustRegister(t, r, "a", []string{"b"}, noop)
	mustRegister(t, r, "b", []string{"c"}, noop)
	mustRegister(t, r, "c", []string{"a"}, noop)

	err := r.Load(context.Background(), "a")
	if !errors.Is(err, ErrCyclicRequire) {
		t.Fatalf("Load() error = %v, want ErrCyclicRequire", err)
	}
	if !strings.Contains(err.Error(), "a -> b -> c -> a") {
		t.Errorf("error %q does not show the cycle", err)
	}

	// A failed load leaves nothing half-registered.
	if len(r.loading) != 0 || len(r.stack) != 0 {
		t.Errorf("bookkeeping leaked: loading=%v stack=%v", r.loading, r.stack)
	}
}

func TestRegistryFailureLeavesUnloaded(t *testing.T) {
	r := newTestRegistry(t, WithPaths())
	boom := errors.New("boom")
	mustRegister(t, r, "broken", nil, func(ctx context.Context) error { return boom })

	if err := r.Load(context.Background(), "broken"); !errors.Is(err, boom) {
		t.Errorf("Load() error = %v, want boom", err)
	}
	if r.IsLoaded("broken") {
		t.Error("failed unit marked loaded")
	}
}

func TestRegistryCancelledContext(t *testing.T) {
	r := newTestRegistry(t, WithPaths())
	ran := false
	mustRegister(t, r, "org", nil, func(ctx context.Context) error {
		ran = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Load(ctx, "org"); !errors.Is(err, context.Canceled) {
		t.Errorf("Load() error = %v, want context.Canceled", err)
	}
	if ran || r.IsLoaded("org") {
		t.Error("unit ran with a cancelled context")
	}
}

func TestRegistryAfterLoad(t *testing.T) {
	r := newTestRegistry(t, WithPaths())
	mustRegister(t, r, "org", nil, func(ctx context.Context) error { return nil })

	var calls []string
	r.AfterLoad("org", func() { calls = append(calls, "deferred") })
	r.OnLoaded(func(name string, d time.Duration) { calls = append(calls, "loaded:"+name) })

	if len(calls) != 0 {
		t.Fatal("AfterLoad ran before load")
	}
	if err := r.Load(context.Background(), "org"); err != nil {
		t.Fatal(err)
	}
	r.AfterLoad("org", func() { calls = append(calls, "immediate") })

	if got := strings.Join(calls, ","); got != "deferred,loaded:org,immediate" {
		t.Errorf("calls = %s", got)
	}
}

func TestRegistryLuaUnits(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "calendar.lua"), `
calendar_ready = true
unit.log("calendar up")
`)
	writeFile(t, filepath.Join(dir, "org", ManifestFile), "name: org\nrequires: [calendar]\n")
	writeFile(t, filepath.Join(dir, "org", "init.lua"), `
assert(unit.loaded("calendar"), "calendar should be loaded first")
assert(calendar_ready)
print("org", "ready")
`)

	var out bytes.Buffer
	logger := logging.New(logging.Config{Level: logging.LevelDebug, Output: &out})
	r := newTestRegistry(t, WithPaths(dir), WithLogger(logger))

	if err := r.Load(context.Background(), "org"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !r.IsLoaded("calendar") || !r.IsLoaded("org") {
		t.Errorf("Loaded() = %v", r.Loaded())
	}

	logs := out.String()
	if !strings.Contains(logs, "calendar up") || !strings.Contains(logs, "unit=calendar") {
		t.Errorf("unit.log output missing:\n%s", logs)
	}
	if !strings.Contains(logs, "org\tready") {
		t.Errorf("print output missing:\n%s", logs)
	}
}

func TestRegistryLuaRequire(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "outline.lua"), `outline_loaded = true`)
	writeFile(t, filepath.Join(dir, "org.lua"), `
unit.require("outline")
unit.require("agenda")
assert(outline_loaded)
`)

	r := newTestRegistry(t, WithPaths(dir))
	agendaLoaded := false
	mustRegister(t, r, "agenda", nil, func(ctx context.Context) error {
		agendaLoaded = true
		return nil
	})

	if err := r.Load(context.Background(), "org"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !agendaLoaded || !r.IsLoaded("outline") {
		t.Errorf("requirements not loaded: %v", r.Loaded())
	}
}

func TestRegistryCapabilitiesScopedToUnit(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "shell", ManifestFile), "name: shell\ncapabilities: [os]\n")
	writeFile(t, filepath.Join(dir, "shell", "init.lua"), `shell_home = os.getenv("HOME")`)
	writeFile(t, filepath.Join(dir, "plain.lua"), `leaked = os.getenv("HOME")`)

	r := newTestRegistry(t, WithPaths(dir))
	ctx := context.Background()

	if err := r.Load(ctx, "shell"); err != nil {
		t.Fatalf("Load(shell) error = %v", err)
	}
	if err := r.Load(ctx, "plain"); err == nil {
		t.Fatal("Load(plain) error = nil, os must not be visible without the capability")
	}
	if r.IsLoaded("plain") {
		t.Error("plain marked loaded")
	}
}

func TestRegistryLuaCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.lua"), `unit.require("b")`)
	writeFile(t, filepath.Join(dir, "b.lua"), `unit.require("a")`)

	r := newTestRegistry(t, WithPaths(dir))
	err := r.Load(context.Background(), "a")
	if err == nil || !strings.Contains(err.Error(), ErrCyclicRequire.Error()) {
		t.Errorf("Load() error = %v, want cyclic requirement", err)
	}
	if r.IsLoaded("a") || r.IsLoaded("b") {
		t.Errorf("Loaded() = %v", r.Loaded())
	}
}

func TestRegistryLuaInterrupted(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "slow.lua"), `while true do end`)

	r := newTestRegistry(t, WithPaths(dir))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := r.Load(ctx, "slow")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Load() error = %v, want context.Canceled", err)
	}
	if r.IsLoaded("slow") {
		t.Error("interrupted unit marked loaded")
	}
}

func TestRegistryLuaUnitsHaveNoTimeout(t *testing.T) {
	r := newTestRegistry(t, WithPaths())
	if d := r.state.ExecutionTimeout(); d != 0 {
		t.Errorf("ExecutionTimeout() = %s, want none", d)
	}
}

func TestRegistryUnits(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "org.lua"), `-- org`)
	writeFile(t, filepath.Join(dir, "calendar.lua"), `-- shadowed by the Go unit`)

	r := newTestRegistry(t, WithPaths(dir))
	mustRegister(t, r, "calendar", nil, func(ctx context.Context) error { return nil })
	if err := r.Load(context.Background(), "calendar"); err != nil {
		t.Fatal(err)
	}

	units, err := r.Units()
	if err != nil {
		t.Fatalf("Units() error = %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("Units() = %+v", units)
	}
	if units[0].Name != "calendar" || units[0].Source != SourceGo || !units[0].Loaded {
		t.Errorf("units[0] = %+v", units[0])
	}
	if units[1].Name != "org" || units[1].Source != SourceLua || units[1].Loaded {
		t.Errorf("units[1] = %+v", units[1])
	}
}

func TestRegistryClose(t *testing.T) {
	r, err := New(WithPaths())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := r.Load(context.Background(), "org"); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Load() after Close = %v, want ErrRegistryClosed", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestRegistryLuaHooks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "watcher.lua"), `
seen = {}
unit.on("unit-loaded", function(name) table.insert(seen, name) end)
unit.on("incremental-aborted", function(name, err) last_error = err end, 10)
`)

	hooks := hook.NewManager()
	r := newTestRegistry(t, WithPaths(dir), WithHooks(hooks))
	if err := r.Load(context.Background(), "watcher"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if ids := hooks.IDs(hook.UnitLoaded); len(ids) != 1 || ids[0] != "watcher#1" {
		t.Errorf("IDs(unit-loaded) = %v", ids)
	}

	ctx := context.Background()
	if err := hooks.Run(ctx, hook.UnitLoaded, hook.Args{Unit: "org"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := hooks.Run(ctx, hook.IncrementalAborted, hook.Args{Unit: "org", Err: errors.New("boom")}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := r.state.DoString(ctx, `assert(seen[1] == "org") assert(last_error == "boom")`); err != nil {
		t.Errorf("hook handlers did not run: %v", err)
	}
}

func TestRegistryLuaHookError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad.lua"), `unit.on("startup", function() error("nope") end)`)

	hooks := hook.NewManager()
	r := newTestRegistry(t, WithPaths(dir), WithHooks(hooks))
	if err := r.Load(context.Background(), "bad"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	err := hooks.Run(context.Background(), hook.Startup, hook.Args{})
	var herr *hook.HandlerError
	if !errors.As(err, &herr) || herr.ID != "bad#1" || !strings.Contains(err.Error(), "nope") {
		t.Errorf("Run() error = %v, want handler error from bad#1", err)
	}
}

func TestRegistryLuaHooksUnavailable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "x.lua"), `unit.on("startup", function() end)`)

	r := newTestRegistry(t, WithPaths(dir))
	if err := r.Load(context.Background(), "x"); err == nil {
		t.Error("Load() error = nil, want hooks unavailable")
	}
}

func TestRegistryLuaEnqueue(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "queuer.lua"), `
unit.enqueue({"calendar", "org"})
unit.enqueue("magit", true)
`)
	writeFile(t, filepath.Join(dir, "bad.lua"), `unit.enqueue({"no spaces"})`)

	r := newTestRegistry(t, WithPaths(dir))
	var calls []string
	r.SetEnqueuer(func(units []string, now bool) error {
		entry := strings.Join(units, ",")
		if now {
			entry += "!"
		}
		calls = append(calls, entry)
		return nil
	})

	ctx := context.Background()
	if err := r.Load(ctx, "queuer"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := strings.Join(calls, " "); got != "calendar,org magit!" {
		t.Errorf("enqueue calls = %s", got)
	}

	if err := r.Load(ctx, "bad"); err == nil || !strings.Contains(err.Error(), "invalid unit name") {
		t.Errorf("Load(bad) error = %v, want invalid unit name", err)
	}
	if len(calls) != 2 {
		t.Errorf("invalid names were queued: %v", calls)
	}
}

func TestRegistryLuaEnqueueErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "queuer.lua"), `unit.enqueue("org")`)
	ctx := context.Background()

	r := newTestRegistry(t, WithPaths(dir))
	if err := r.Load(ctx, "queuer"); err == nil {
		t.Error("Load() error = nil without an enqueuer")
	}

	r = newTestRegistry(t, WithPaths(dir))
	r.SetEnqueuer(func([]string, bool) error { return errors.New("queue closed") })
	if err := r.Load(ctx, "queuer"); err == nil || !strings.Contains(err.Error(), "queue closed") {
		t.Errorf("Load() error = %v, want enqueuer error", err)
	}
}
