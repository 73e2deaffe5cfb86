package unit

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/idleload/internal/hook"
	"github.com/dshills/idleload/internal/logging"
)

// installAPI exposes the "unit" table to Lua code.
func (r *Registry) installAPI() {
	r.state.RegisterModule("unit", map[string]lua.LGFunction{
		"loaded":  r.luaLoaded,
		"require": r.luaRequire,
		"log":     r.luaLog,
		"on":      r.luaOn,
		"enqueue": r.luaEnqueue,
	})
}

func (r *Registry) luaLoaded(L *lua.LState) int {
	L.Push(lua.LBool(r.IsLoaded(L.CheckString(1))))
	return 1
}

func (r *Registry) luaRequire(L *lua.LState) int {
	name := L.CheckString(1)
	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := r.load(ctx, name); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	return 0
}

func (r *Registry) luaLog(L *lua.LState) int {
	msg := L.CheckString(1)
	logger := r.logger
	if n := len(r.stack); n > 0 {
		logger = logger.WithField("unit", r.stack[n-1])
	}
	logger.Info("%s", msg)
	return 0
}

// luaOn adds a hook handler: unit.on(hook, fn [, priority]). fn receives
// the unit name and error message of the hook's arguments. The handler is
// owned by the unit that registered it.
func (r *Registry) luaOn(L *lua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)
	priority := L.OptInt(3, 0)
	if r.hooks == nil {
		L.RaiseError("hooks are not available")
		return 0
	}

	owner := "lua"
	if n := len(r.stack); n > 0 {
		owner = r.stack[n-1]
	}
	r.hookSeq++
	id := fmt.Sprintf("%s#%d", owner, r.hookSeq)

	r.hooks.AddHandler(name, hook.Handler{
		ID:       id,
		Priority: priority,
		Fn: func(ctx context.Context, args hook.Args) error {
			errText := lua.LValue(lua.LNil)
			if args.Err != nil {
				errText = lua.LString(args.Err.Error())
			}
			_, err := r.state.CallFunction(ctx, fn, lua.LString(args.Unit), errText)
			return err
		},
	})
	L.Push(lua.LString(id))
	return 1
}

// luaEnqueue queues units for deferred loading: unit.enqueue(names [, now]).
// names is a unit name or a list of them.
func (r *Registry) luaEnqueue(L *lua.LState) int {
	var names []string
	switch v := L.CheckAny(1).(type) {
	case lua.LString:
		names = append(names, string(v))
	case *lua.LTable:
		for i := 1; i <= v.Len(); i++ {
			names = append(names, v.RawGetInt(i).String())
		}
	default:
		L.ArgError(1, "unit name or list of names expected")
		return 0
	}
	now := L.OptBool(2, false)

	for _, name := range names {
		if !ValidName(name) {
			L.RaiseError("invalid unit name %q", name)
			return 0
		}
	}

	r.mu.RLock()
	enqueue := r.enqueue
	r.mu.RUnlock()
	if enqueue == nil {
		L.RaiseError("deferred loading is not available")
		return 0
	}
	if err := enqueue(names, now); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// logWriter turns Lua print output into log lines.
type logWriter struct {
	logger *logging.Logger

	mu  sync.Mutex
	buf []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.logger.Info("%s", w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
