package lua

import (
	"fmt"
	"io"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Capability represents a permission a unit manifest can request.
type Capability string

// Available capabilities.
const (
	// CapabilityOS opens the os library.
	CapabilityOS Capability = "os"
	// CapabilityIO opens the io library.
	CapabilityIO Capability = "io"
)

// ParseCapability converts a manifest string to a Capability.
func ParseCapability(s string) (Capability, error) {
	switch c := Capability(strings.ToLower(strings.TrimSpace(s))); c {
	case CapabilityOS, CapabilityIO:
		return c, nil
	default:
		return "", fmt.Errorf("unknown capability %q", s)
	}
}

// Sandbox restricts Lua execution to safe operations.
type Sandbox struct {
	L   *lua.LState
	out io.Writer

	allowed      map[string]bool
	capabilities map[Capability]bool
}

// NewSandbox creates a new sandbox for the Lua state. print output goes to
// out.
func NewSandbox(L *lua.LState, out io.Writer) *Sandbox {
	if out == nil {
		out = io.Discard
	}
	return &Sandbox{
		L:   L,
		out: out,
		allowed: map[string]bool{
			"string":    true,
			"table":     true,
			"math":      true,
			"coroutine": true,
		},
		capabilities: make(map[Capability]bool),
	}
}

// Install sets up the sandbox restrictions.
func (s *Sandbox) Install() {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}
	s.installPrint()
	s.installRequire()
}

// installPrint replaces print with a version writing to the sandbox output.
func (s *Sandbox) installPrint() {
	s.L.SetGlobal("print", s.L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		parts := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		fmt.Fprintln(s.out, strings.Join(parts, "\t"))
		return 0
	}))
}

// installRequire clears the package search paths and replaces require with
// a whitelist-based version. Only allowed modules resolve.
func (s *Sandbox) installRequire() {
	if pkg, ok := s.L.GetGlobal("package").(*lua.LTable); ok {
		s.L.SetField(pkg, "path", lua.LString(""))
		s.L.SetField(pkg, "cpath", lua.LString(""))
	}

	original := s.L.GetGlobal("require")
	if original.Type() != lua.LTFunction {
		return
	}

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if !s.allowed[name] {
			L.RaiseError("module %q is not available", name)
			return 0
		}
		L.Push(original)
		L.Push(lua.LString(name))
		L.Call(1, 1)
		return 1
	}))
}

// Allow lets require resolve the named module.
func (s *Sandbox) Allow(name string) {
	s.allowed[name] = true
}

// Grant enables a capability and opens the corresponding library.
func (s *Sandbox) Grant(c Capability) {
	if s.capabilities[c] {
		return
	}
	s.capabilities[c] = true

	switch c {
	case CapabilityOS:
		lua.OpenOs(s.L)
		s.Allow("os")
	case CapabilityIO:
		lua.OpenIo(s.L)
		s.Allow("io")
	}
}

// Revoke disables a capability and closes the corresponding library.
func (s *Sandbox) Revoke(c Capability) {
	if !s.capabilities[c] {
		return
	}
	delete(s.capabilities, c)

	name := string(c)
	delete(s.allowed, name)
	s.L.SetGlobal(name, lua.LNil)
	if loaded, ok := s.L.GetField(s.L.Get(lua.RegistryIndex), "_LOADED").(*lua.LTable); ok {
		s.L.SetField(loaded, name, lua.LNil)
	}
}

// Scope grants exactly caps, revoking anything else, and returns a function
// restoring the previous grants.
func (s *Sandbox) Scope(caps ...Capability) (restore func()) {
	prev := make([]Capability, 0, len(s.capabilities))
	for c := range s.capabilities {
		prev = append(prev, c)
	}
	s.set(caps)
	return func() { s.set(prev) }
}

func (s *Sandbox) set(caps []Capability) {
	want := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		want[c] = true
	}
	for c := range s.capabilities {
		if !want[c] {
			s.Revoke(c)
		}
	}
	for _, c := range caps {
		s.Grant(c)
	}
}

// HasCapability returns true if the capability is granted.
func (s *Sandbox) HasCapability(c Capability) bool {
	return s.capabilities[c]
}
