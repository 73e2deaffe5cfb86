package lua

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	glua "github.com/yuin/gopher-lua"
)

func newTestState(t *testing.T, opts ...StateOption) *State {
	t.Helper()
	state, err := NewState(opts...)
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	t.Cleanup(func() { state.Close() })
	return state
}

func TestStateDoString(t *testing.T) {
	state := newTestState(t)

	if err := state.DoString(context.Background(), `x = 1 + 1`); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}

	v := state.GetGlobal("x")
	if num, ok := v.(glua.LNumber); !ok || float64(num) != 2 {
		t.Errorf("x = %v, want 2", v)
	}
}

func TestStateDoStringErrors(t *testing.T) {
	state := newTestState(t)

	tests := []struct {
		name string
		code string
	}{
		{"syntax", `invalid lua code !!!`},
		{"runtime", `error("boom")`},
		{"nil call", `undefined_fn()`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := state.DoString(context.Background(), tt.code); err == nil {
				t.Error("DoString() error = nil")
			}
		})
	}
}

func TestStateDoFile(t *testing.T) {
	state := newTestState(t)

	path := t.TempDir() + "/unit.lua"
	if err := writeFile(path, `loaded_from_file = true`); err != nil {
		t.Fatal(err)
	}
	if err := state.DoFile(context.Background(), path); err != nil {
		t.Fatalf("DoFile() error = %v", err)
	}
	if state.GetGlobal("loaded_from_file") != glua.LTrue {
		t.Error("file was not executed")
	}

	if err := state.DoFile(context.Background(), path+".missing"); err == nil {
		t.Error("DoFile() on missing file error = nil")
	}
}

func TestStateCall(t *testing.T) {
	state := newTestState(t)
	ctx := context.Background()

	if err := state.DoString(ctx, `function add(a, b) return a + b, "sum" end`); err != nil {
		t.Fatal(err)
	}

	results, err := state.Call(ctx, "add", glua.LNumber(2), glua.LNumber(3))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if len(results) != 2 || results[0] != glua.LNumber(5) || results[1] != glua.LString("sum") {
		t.Errorf("Call() = %v", results)
	}

	if _, err := state.Call(ctx, "missing"); err == nil {
		t.Error("Call(missing) error = nil")
	}
	state.SetGlobal("notfn", glua.LNumber(1))
	if _, err := state.Call(ctx, "notfn"); err == nil {
		t.Error("Call(notfn) error = nil")
	}
}

func TestStateCallFunction(t *testing.T) {
	state := newTestState(t)
	ctx := context.Background()

	if err := state.DoString(ctx, `double = function(n) return n * 2 end`); err != nil {
		t.Fatal(err)
	}
	fn, ok := state.GetGlobal("double").(*glua.LFunction)
	if !ok {
		t.Fatal("double is not a function")
	}
	results, err := state.CallFunction(ctx, fn, glua.LNumber(21))
	if err != nil {
		t.Fatalf("CallFunction() error = %v", err)
	}
	if len(results) != 1 || results[0] != glua.LNumber(42) {
		t.Errorf("CallFunction() = %v, want [42]", results)
	}
}

func TestStateCancelStopsExecution(t *testing.T) {
	state := newTestState(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := state.DoString(ctx, `while true do end`)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("DoString() error = %v, want context.Canceled", err)
	}

	// The state is usable again with a fresh context.
	if err := state.DoString(context.Background(), `after_cancel = 1`); err != nil {
		t.Errorf("DoString() after cancel error = %v", err)
	}
}

func TestStateCancelledBeforeRun(t *testing.T) {
	state := newTestState(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := state.DoString(ctx, `ran = true`)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("DoString() error = %v, want context.Canceled", err)
	}
	if state.GetGlobal("ran") != glua.LNil {
		t.Error("chunk ran with a cancelled context")
	}
}

func TestStateExecutionTimeout(t *testing.T) {
	state := newTestState(t, WithExecutionTimeout(20*time.Millisecond))

	err := state.DoString(context.Background(), `while true do end`)
	if !errors.Is(err, ErrExecutionTimeout) {
		t.Errorf("DoString() error = %v, want ErrExecutionTimeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("DoString() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestStateNestedExecution(t *testing.T) {
	state := newTestState(t)
	ctx := context.Background()

	state.RegisterModule("host", map[string]glua.LGFunction{
		"run": func(L *glua.LState) int {
			if err := state.DoString(ctx, L.CheckString(1)); err != nil {
				L.RaiseError("%v", err)
			}
			return 0
		},
	})

	if err := state.DoString(ctx, `host.run("inner = 42") outer = inner + 1`); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}
	if state.GetGlobal("outer") != glua.LNumber(43) {
		t.Errorf("outer = %v, want 43", state.GetGlobal("outer"))
	}
}

func TestStatePrintOutput(t *testing.T) {
	var out bytes.Buffer
	state := newTestState(t, WithOutput(&out))

	if err := state.DoString(context.Background(), `print("hello", 1, true)`); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "hello\t1\ttrue\n" {
		t.Errorf("print output = %q", got)
	}
}

func TestStateClose(t *testing.T) {
	state, err := NewState()
	if err != nil {
		t.Fatal(err)
	}
	if err := state.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if !state.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}
	if err := state.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if err := state.DoString(context.Background(), `x = 1`); !errors.Is(err, ErrStateClosed) {
		t.Errorf("DoString() after Close = %v, want ErrStateClosed", err)
	}
	if _, err := state.Call(context.Background(), "f"); !errors.Is(err, ErrStateClosed) {
		t.Errorf("Call() after Close = %v, want ErrStateClosed", err)
	}
	if v := state.GetGlobal("x"); v != glua.LNil {
		t.Errorf("GetGlobal() after Close = %v", v)
	}
}

func TestStateErrorMentionsChunk(t *testing.T) {
	state := newTestState(t)
	err := state.DoString(context.Background(), `error("unit exploded")`)
	if err == nil || !strings.Contains(err.Error(), "unit exploded") {
		t.Errorf("error = %v, want message from Lua", err)
	}
}
