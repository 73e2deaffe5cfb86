package unit

import "errors"

// Registry errors.
var (
	// ErrUnitNotFound is returned when no source provides a unit.
	ErrUnitNotFound = errors.New("unit not found")

	// ErrCyclicRequire is returned when a unit requires itself, directly or
	// through other units.
	ErrCyclicRequire = errors.New("cyclic unit requirement")

	// ErrNoEntryPoint is returned when a unit directory has no Lua file to run.
	ErrNoEntryPoint = errors.New("unit has no entry point (unit.yaml or init.lua)")

	// ErrDuplicateUnit is returned when registering a name twice.
	ErrDuplicateUnit = errors.New("unit already registered")

	// ErrRegistryClosed is returned after Close.
	ErrRegistryClosed = errors.New("unit registry is closed")
)
