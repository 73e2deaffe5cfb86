package lua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultExecutionTimeout bounds a single DoFile, DoString or Call.
const DefaultExecutionTimeout = 30 * time.Second

// State wraps gopher-lua with a sandbox and context-aware execution.
//
// gopher-lua's LState is not goroutine-safe. All execution must happen on
// one goroutine (the event loop). Execution is reentrant: a Go function
// called from Lua may run more Lua on the same state, and the nested call
// shares the outer call's context.
type State struct {
	L *lua.LState

	mu     sync.Mutex
	closed bool

	executionTimeout time.Duration
	output           io.Writer

	sandbox *Sandbox
	depth   int
}

// StateOption configures a State.
type StateOption func(*State)

// WithExecutionTimeout sets the per-call timeout. Zero disables it.
func WithExecutionTimeout(d time.Duration) StateOption {
	return func(s *State) {
		s.executionTimeout = d
	}
}

// WithOutput sets where print writes. Defaults to io.Discard.
func WithOutput(w io.Writer) StateOption {
	return func(s *State) {
		if w != nil {
			s.output = w
		}
	}
}

// NewState creates a new sandboxed Lua state.
func NewState(opts ...StateOption) (*State, error) {
	state := &State{
		executionTimeout: DefaultExecutionTimeout,
		output:           io.Discard,
	}
	for _, opt := range opts {
		opt(state)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	state.L = L

	openSafeLibraries(L)

	state.sandbox = NewSandbox(L, state.output)
	state.sandbox.Install()

	return state, nil
}

// openSafeLibraries opens only safe Lua standard libraries. io, os and
// debug are left out; the package library is opened for preloading only.
func openSafeLibraries(L *lua.LState) {
	lua.OpenPackage(L)
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	lua.OpenCoroutine(L)
}

// ExecutionTimeout returns the per-call timeout; zero means none.
func (s *State) ExecutionTimeout() time.Duration {
	return s.executionTimeout
}

// DoFile executes a Lua file. It blocks until the chunk returns, fails, or
// ctx is cancelled.
func (s *State) DoFile(ctx context.Context, path string) error {
	return s.run(ctx, func() error {
		return s.L.DoFile(path)
	})
}

// DoString executes a Lua string.
func (s *State) DoString(ctx context.Context, code string) error {
	return s.run(ctx, func() error {
		return s.L.DoString(code)
	})
}

// Call calls a global Lua function with the given arguments.
// Returns an empty slice (not nil) if the function returns no values.
func (s *State) Call(ctx context.Context, fn string, args ...lua.LValue) ([]lua.LValue, error) {
	var results []lua.LValue
	err := s.run(ctx, func() error {
		fnVal := s.L.GetGlobal(fn)
		if fnVal.Type() != lua.LTFunction {
			if fnVal == lua.LNil {
				return fmt.Errorf("function %q not found", fn)
			}
			return fmt.Errorf("%q is not a function (got %s)", fn, fnVal.Type())
		}
		var err error
		results, err = s.pcall(fnVal, args)
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// CallFunction calls a function value, such as a callback a unit passed to
// Go.
func (s *State) CallFunction(ctx context.Context, fn *lua.LFunction, args ...lua.LValue) ([]lua.LValue, error) {
	var results []lua.LValue
	err := s.run(ctx, func() error {
		var err error
		results, err = s.pcall(fn, args)
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *State) pcall(fn lua.LValue, args []lua.LValue) ([]lua.LValue, error) {
	stackTop := s.L.GetTop()
	s.L.Push(fn)
	for _, arg := range args {
		s.L.Push(arg)
	}
	if err := s.L.PCall(len(args), lua.MultRet, nil); err != nil {
		return nil, err
	}

	nRet := s.L.GetTop() - stackTop
	results := make([]lua.LValue, 0, nRet)
	for i := 0; i < nRet; i++ {
		results = append(results, s.L.Get(stackTop+i+1))
	}
	s.L.Pop(nRet)
	return results, nil
}

// run executes fn with ctx attached to the VM and panic recovery.
func (s *State) run(ctx context.Context, fn func() error) (err error) {
	if s.IsClosed() {
		return ErrStateClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.depth > 0 {
		s.depth++
		defer func() { s.depth-- }()
		return fn()
	}

	runCtx := ctx
	if s.executionTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.executionTimeout)
		defer cancel()
	}

	s.L.SetContext(runCtx)
	s.depth++
	defer func() {
		s.depth--
		s.L.RemoveContext()
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
		err = contextError(ctx, runCtx, err)
	}()
	return fn()
}

// contextError maps a failure caused by context cancellation to an error
// that matches the context's error with errors.Is.
func contextError(parent, runCtx context.Context, err error) error {
	if err == nil || runCtx.Err() == nil {
		return err
	}
	if perr := parent.Err(); perr != nil {
		if errors.Is(err, perr) {
			return err
		}
		return fmt.Errorf("%w: %v", perr, err)
	}
	return fmt.Errorf("%w: %w", ErrExecutionTimeout, context.DeadlineExceeded)
}

// GetGlobal returns a global variable value.
func (s *State) GetGlobal(name string) lua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return lua.LNil
	}
	return s.L.GetGlobal(name)
}

// SetGlobal sets a global variable.
func (s *State) SetGlobal(name string, value lua.LValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.SetGlobal(name, value)
}

// RegisterModule sets a global table holding the given functions.
func (s *State) RegisterModule(name string, funcs map[string]lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	mod := s.L.SetFuncs(s.L.NewTable(), funcs)
	s.L.SetGlobal(name, mod)
}

// PreloadModule makes a Go module available to require(name).
func (s *State) PreloadModule(name string, loader lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.PreloadModule(name, loader)
	s.sandbox.Allow(name)
}

// Sandbox returns the sandbox for capability management.
func (s *State) Sandbox() *Sandbox {
	return s.sandbox
}

// IsClosed returns true if the state has been closed.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases all resources associated with the Lua state.
// After Close is called, all other methods will return ErrStateClosed.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}
