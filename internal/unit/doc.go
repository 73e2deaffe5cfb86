// Package unit implements the registry of named units: the "is X loaded"
// and "load X now" half of the scheduler's host contract.
//
// Units come from three sources:
//
//   - Go functions registered with RegisterFunc
//   - single-file Lua units, <name>.lua, found on the search paths
//   - directory units with a unit.yaml manifest naming the entry point,
//     the units it requires and the capabilities it needs
//
// The first search path that provides a name wins. Loading a unit loads its
// requirements first; a unit that (directly or through Lua's unit.require)
// requires itself fails with ErrCyclicRequire.
//
// Lua units see a global "unit" table:
//
//	unit.loaded("org")      -- true if org has been loaded
//	unit.require("calendar") -- load calendar now, raising on failure
//	unit.log("ready")        -- write to the application log
//
// A Registry is not safe for concurrent loads. It is driven from the event
// loop goroutine; the query methods may be called from anywhere.
package unit
