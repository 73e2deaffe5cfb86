// Package lua runs unit code in a sandboxed gopher-lua state.
//
// A State is created once per registry and shared by every Lua unit, the way
// a single interpreter image holds every loaded package. Execution takes a
// context.Context which is attached to the Lua VM for the duration of the
// call: cancelling it stops the running chunk at the next instruction and
// the returned error satisfies errors.Is(err, context.Canceled).
//
//	state, err := lua.NewState(lua.WithOutput(logWriter))
//	if err != nil {
//	    return err
//	}
//	defer state.Close()
//
//	if err := state.DoFile(ctx, "units/org.lua"); err != nil {
//	    return err
//	}
//
// # Sandbox
//
// The sandbox removes dofile, loadfile, load and loadstring, clears the
// package search paths, and replaces require with a version that only
// resolves the safe standard modules, preloaded Go modules, and modules
// unlocked by a granted capability. print is redirected to the state's
// output writer.
package lua
