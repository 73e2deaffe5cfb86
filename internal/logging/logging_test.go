package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("Level(%d).String() = %q, expected %q", tt.level, got, tt.expected)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"WARNING", LevelWarn},
		{"error", LevelError},
		{"unknown", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.expected {
			t.Errorf("ParseLevel(%q) = %d, expected %d", tt.input, got, tt.expected)
		}
	}
}

func TestValidLevel(t *testing.T) {
	if !ValidLevel("Warn") {
		t.Error("ValidLevel(Warn) = false")
	}
	if ValidLevel("verbose") {
		t.Error("ValidLevel(verbose) = true")
	}
}

func TestLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf, Prefix: "test"})
	logger.SetClock(func() time.Time {
		return time.Date(2024, 3, 1, 12, 30, 45, 123e6, time.UTC)
	})

	logger.Info("loading %s (%d left)", "org", 2)

	want := "2024-03-01T12:30:45.123 [INFO] test: loading org (2 left)\n"
	if got := buf.String(); got != want {
		t.Errorf("line = %q, want %q", got, want)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	output := buf.String()
	if strings.Contains(output, "debug") || strings.Contains(output, "info") {
		t.Errorf("filtered levels leaked: %q", output)
	}
	if !strings.Contains(output, "[WARN] warn") || !strings.Contains(output, "[ERROR] error") {
		t.Errorf("missing expected levels: %q", output)
	}

	logger.SetLevel(LevelDebug)
	logger.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Error("SetLevel did not lower the threshold")
	}
}

func TestLogger_FieldsSortedAndShared(t *testing.T) {
	var buf bytes.Buffer
	root := New(Config{Level: LevelInfo, Output: &buf})
	child := root.WithComponent("incremental").WithField("session", "abc")

	child.Info("hello")
	if !strings.Contains(buf.String(), "{component=incremental, session=abc}") {
		t.Errorf("fields not rendered in order: %q", buf.String())
	}

	// Level changes on the root apply to derived loggers.
	root.SetLevel(LevelError)
	buf.Reset()
	child.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("derived logger ignored root level: %q", buf.String())
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error("nothing")
	l.WithField("a", 1).Error("still nothing")
}

func TestMessages_WriteAndTail(t *testing.T) {
	m := NewMessages(3)
	calls := 0
	m.OnAppend(func() { calls++ })

	_, _ = m.Write([]byte("one\ntwo\nthr"))
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	_, _ = m.Write([]byte("ee\nfour\n"))

	lines := m.Lines()
	want := []string{"two", "three", "four"}
	if len(lines) != len(want) {
		t.Fatalf("Lines() = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("Lines()[%d] = %q, want %q", i, lines[i], want[i])
		}
	}

	tail := m.Tail(2)
	if len(tail) != 2 || tail[0] != "three" || tail[1] != "four" {
		t.Errorf("Tail(2) = %v", tail)
	}
	if calls != 2 {
		t.Errorf("OnAppend called %d times, want 2", calls)
	}

	m.Clear()
	if m.Len() != 0 || len(m.Tail(5)) != 0 {
		t.Error("Clear() left lines behind")
	}
}

func TestMessages_BehindLogger(t *testing.T) {
	m := NewMessages(10)
	logger := New(Config{Level: LevelInfo, Output: m})
	logger.Warn("failed to load %s", "org")

	lines := m.Lines()
	if len(lines) != 1 || !strings.HasSuffix(lines[0], "[WARN] failed to load org") {
		t.Errorf("Lines() = %v", lines)
	}
}
