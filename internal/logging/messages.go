package logging

import (
	"strings"
	"sync"
)

// DefaultMessageLines is the default capacity of a Messages buffer.
const DefaultMessageLines = 500

// Messages is a bounded, append-only line buffer. It implements io.Writer so
// it can sit behind a Logger (directly or through io.MultiWriter) and be
// rendered by the shell as the diagnostics buffer.
type Messages struct {
	mu      sync.Mutex
	lines   []string
	max     int
	partial string

	// onAppend is called outside the lock after new lines arrive.
	onAppend func()
}

// NewMessages creates a buffer holding at most max lines.
func NewMessages(max int) *Messages {
	if max <= 0 {
		max = DefaultMessageLines
	}
	return &Messages{
		lines: make([]string, 0, max),
		max:   max,
	}
}

// OnAppend registers a callback invoked after each write that completes at
// least one line. Only one callback is kept.
func (m *Messages) OnAppend(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAppend = fn
}

// Write appends p, splitting it into lines. Incomplete trailing text is held
// until the next newline.
func (m *Messages) Write(p []byte) (int, error) {
	m.mu.Lock()
	text := m.partial + string(p)
	parts := strings.Split(text, "\n")
	m.partial = parts[len(parts)-1]
	complete := parts[:len(parts)-1]
	for _, line := range complete {
		m.appendLocked(line)
	}
	cb := m.onAppend
	m.mu.Unlock()

	if cb != nil && len(complete) > 0 {
		cb()
	}
	return len(p), nil
}

func (m *Messages) appendLocked(line string) {
	if len(m.lines) == m.max {
		copy(m.lines, m.lines[1:])
		m.lines = m.lines[:m.max-1]
	}
	m.lines = append(m.lines, line)
}

// Lines returns a copy of all buffered lines, oldest first.
func (m *Messages) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.lines))
	copy(out, m.lines)
	return out
}

// Tail returns up to n of the most recent lines, oldest first.
func (m *Messages) Tail(n int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n > len(m.lines) {
		n = len(m.lines)
	}
	out := make([]string, n)
	copy(out, m.lines[len(m.lines)-n:])
	return out
}

// Len returns the number of buffered lines.
func (m *Messages) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lines)
}

// Clear removes all buffered lines.
func (m *Messages) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = m.lines[:0]
	m.partial = ""
}
