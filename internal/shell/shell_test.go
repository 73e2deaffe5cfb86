package shell

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/dshills/idleload/internal/incremental"
	"github.com/dshills/idleload/internal/logging"
	"github.com/dshills/idleload/internal/loop"
)

func TestViewLines(t *testing.T) {
	v := View{
		Title: "idleload",
		Status: incremental.Snapshot{
			State:   incremental.StateScheduled,
			Pending: []string{"org", "magit"},
			Stats:   incremental.Stats{Loaded: 2, Skipped: 1, Interruptions: 1},
		},
		Idle:     1234 * time.Millisecond,
		IdleOK:   true,
		Keys:     3,
		LastKey:  "x",
		Messages: []string{"one", "two", "three"},
	}

	lines := v.Lines(80, 8)
	if len(lines) != 8 {
		t.Fatalf("len(lines) = %d, want 8", len(lines))
	}

	want := []string{
		"idleload  scheduled  loaded 2  skipped 1  interrupted 1  errors 0",
		"idle 1.2s  keys 3  last x",
		"queue: org magit",
	}
	for i, w := range want {
		if lines[i] != w {
			t.Errorf("line %d = %q, want %q", i, lines[i], w)
		}
	}
	if lines[4] != "one" || lines[6] != "three" {
		t.Errorf("messages = %q", lines[4:7])
	}
	if !strings.HasPrefix(lines[7], "type to interrupt") {
		t.Errorf("footer = %q", lines[7])
	}
}

func TestViewLinesKeepsNewestMessages(t *testing.T) {
	v := View{Messages: []string{"a", "b", "c", "d"}}
	lines := v.Lines(20, 7)
	// four header lines, two message lines, footer
	if lines[4] != "c" || lines[5] != "d" {
		t.Errorf("messages = %q, want newest two", lines[4:6])
	}
}

func TestViewLinesClips(t *testing.T) {
	v := View{
		Title:  "idleload",
		Status: incremental.Snapshot{Pending: []string{"a-very-long-unit-name"}},
	}
	for _, line := range v.Lines(10, 3) {
		if len([]rune(line)) > 10 {
			t.Errorf("line %q wider than 10", line)
		}
	}
	if got := v.Lines(10, 1); len(got) != 1 || !strings.HasPrefix(got[0], "type") {
		t.Errorf("Lines(10, 1) = %q, want footer only", got)
	}
	if got := v.Lines(0, 5); got != nil {
		t.Errorf("Lines(0, 5) = %q, want nil", got)
	}
}

func TestViewIdleLineBusyAndError(t *testing.T) {
	v := View{
		Status: incremental.Snapshot{Stats: incremental.Stats{LastError: errors.New("boom")}},
	}
	line := v.idleLine()
	if !strings.Contains(line, "idle busy") || !strings.Contains(line, "error: boom") {
		t.Errorf("idleLine() = %q", line)
	}
}

type fixture struct {
	loop   *loop.Loop
	screen tcell.SimulationScreen
	shell  *Shell
	done   chan error
	cancel context.CancelFunc
}

func startShell(t *testing.T, messages *logging.Messages) *fixture {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	l := loop.New()
	go func() { _ = l.Run(ctx) }()

	screen := tcell.NewSimulationScreen("UTF-8")
	status := func() incremental.Snapshot {
		return incremental.Snapshot{State: incremental.StateScheduled, Pending: []string{"org"}}
	}
	sh, err := New(l, status, messages, WithScreen(screen), WithRefresh(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	f := &fixture{loop: l, screen: screen, shell: sh, done: make(chan error, 1), cancel: cancel}
	go func() { f.done <- sh.Run(ctx) }()

	select {
	case <-sh.started:
	case <-time.After(time.Second):
		t.Fatal("shell did not start")
	}

	t.Cleanup(func() {
		cancel()
		l.Close()
	})
	return f
}

func (f *fixture) row(y int) string {
	f.shell.screenMu.Lock()
	defer f.shell.screenMu.Unlock()
	w, _ := f.screen.Size()
	var b strings.Builder
	for x := 0; x < w; x++ {
		r, _, _, _ := f.screen.GetContent(x, y) //nolint:staticcheck // GetContent is the correct API
		b.WriteRune(r)
	}
	return strings.TrimRight(b.String(), " ")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestShellKeysReportInput(t *testing.T) {
	f := startShell(t, nil)

	f.screen.InjectKey(tcell.KeyRune, 'x', tcell.ModNone)
	f.screen.InjectKey(tcell.KeyRune, 'y', tcell.ModNone)

	waitFor(t, "input count", func() bool { return f.loop.InputCount() == 2 })
	waitFor(t, "key on screen", func() bool { return strings.Contains(f.row(1), "keys 2  last y") })

	if !strings.Contains(f.row(0), "scheduled") {
		t.Errorf("status row = %q", f.row(0))
	}
	if f.row(2) != "queue: org" {
		t.Errorf("queue row = %q", f.row(2))
	}
}

func TestShellQuitKey(t *testing.T) {
	f := startShell(t, nil)
	f.screen.InjectKey(tcell.KeyRune, 'q', tcell.ModNone)

	select {
	case err := <-f.done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after q")
	}
	if f.loop.InputCount() != 0 {
		t.Errorf("quit key counted as input")
	}
}

func TestShellCtrlCQuits(t *testing.T) {
	f := startShell(t, nil)
	f.screen.InjectKey(tcell.KeyCtrlC, 0, tcell.ModCtrl)

	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after Ctrl-C")
	}
}

func TestShellContextCancel(t *testing.T) {
	f := startShell(t, nil)
	f.cancel()

	select {
	case err := <-f.done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestShellShowsMessages(t *testing.T) {
	msgs := logging.NewMessages(10)
	f := startShell(t, msgs)

	logger := logging.New(logging.Config{Level: logging.LevelInfo, Output: msgs})
	logger.Info("Loaded calendar in 3ms")

	waitFor(t, "message on screen", func() bool { return strings.Contains(f.row(4), "Loaded calendar") })
}
