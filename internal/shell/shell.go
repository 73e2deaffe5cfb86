// Package shell is the interactive terminal front end. Every key press is
// reported to the loop as user input, so typing interrupts background
// loading. The screen shows the scheduler status and the message log.
package shell

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/dshills/idleload/internal/incremental"
	"github.com/dshills/idleload/internal/logging"
)

// DefaultRefresh is how often the status line is redrawn without input.
const DefaultRefresh = 250 * time.Millisecond

// Host is the part of the loop the shell needs.
type Host interface {
	Post(fn func()) error
	HandleInput(handler func()) error
	IdleTime() (time.Duration, bool)
}

// StatusFunc returns the scheduler state. It is only called on the loop
// goroutine.
type StatusFunc func() incremental.Snapshot

// Shell owns the terminal screen.
type Shell struct {
	screen   tcell.Screen
	host     Host
	status   StatusFunc
	messages *logging.Messages
	refresh  time.Duration
	title    string

	dirty         chan struct{}
	quit          chan struct{}
	quitOnce      sync.Once
	started       chan struct{}
	redrawPending atomic.Bool

	screenMu sync.Mutex
	finished bool

	// Loop goroutine only.
	keys    int
	lastKey string
}

// Option configures a Shell.
type Option func(*Shell)

// WithScreen uses screen instead of the terminal.
func WithScreen(screen tcell.Screen) Option {
	return func(s *Shell) {
		s.screen = screen
	}
}

// WithRefresh sets the redraw interval.
func WithRefresh(d time.Duration) Option {
	return func(s *Shell) {
		if d > 0 {
			s.refresh = d
		}
	}
}

// WithTitle sets the text at the start of the status line.
func WithTitle(title string) Option {
	return func(s *Shell) {
		s.title = title
	}
}

// New creates a shell. messages may be nil.
func New(host Host, status StatusFunc, messages *logging.Messages, opts ...Option) (*Shell, error) {
	s := &Shell{
		host:     host,
		status:   status,
		messages: messages,
		refresh:  DefaultRefresh,
		title:    "idleload",
		dirty:    make(chan struct{}, 1),
		quit:     make(chan struct{}),
		started:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.screen == nil {
		screen, err := tcell.NewScreen()
		if err != nil {
			return nil, fmt.Errorf("open terminal: %w", err)
		}
		s.screen = screen
	}
	return s, nil
}

// Run initializes the screen and processes terminal events until the user
// quits or ctx is cancelled. Both end the session normally and return nil.
func (s *Shell) Run(ctx context.Context) error {
	if err := s.screen.Init(); err != nil {
		return fmt.Errorf("init terminal: %w", err)
	}
	s.screen.EnablePaste()
	close(s.started)

	if s.messages != nil {
		s.messages.OnAppend(s.markDirty)
		defer s.messages.OnAppend(nil)
	}

	polled := make(chan struct{})
	go func() {
		defer close(polled)
		s.poll()
	}()

	s.requestRedraw()

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-s.quit:
			break loop
		case <-ticker.C:
			s.requestRedraw()
		case <-s.dirty:
			s.requestRedraw()
		}
	}

	s.screenMu.Lock()
	s.finished = true
	s.screen.Fini()
	s.screenMu.Unlock()
	<-polled
	return nil
}

// Quit stops Run.
func (s *Shell) Quit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// poll reads terminal events until the screen is finalized.
func (s *Shell) poll() {
	for {
		ev := s.screen.PollEvent()
		if ev == nil {
			return
		}
		switch e := ev.(type) {
		case *tcell.EventKey:
			if isQuit(e) {
				s.Quit()
				continue
			}
			name := keyName(e)
			_ = s.host.HandleInput(func() {
				s.keys++
				s.lastKey = name
				s.draw()
			})
		case *tcell.EventPaste:
			_ = s.host.HandleInput(nil)
		case *tcell.EventResize:
			s.screen.Sync()
			s.requestRedraw()
		}
	}
}

func isQuit(e *tcell.EventKey) bool {
	if e.Key() == tcell.KeyCtrlC {
		return true
	}
	return e.Key() == tcell.KeyRune && e.Rune() == 'q' && e.Modifiers() == tcell.ModNone
}

func keyName(e *tcell.EventKey) string {
	if e.Key() == tcell.KeyRune {
		return string(e.Rune())
	}
	return e.Name()
}

// markDirty is called by the message buffer, possibly on the loop
// goroutine, so it must never block.
func (s *Shell) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// requestRedraw posts one draw to the loop unless one is already queued.
func (s *Shell) requestRedraw() {
	if !s.redrawPending.CompareAndSwap(false, true) {
		return
	}
	if err := s.host.Post(func() {
		s.redrawPending.Store(false)
		s.draw()
	}); err != nil {
		s.redrawPending.Store(false)
	}
}

// draw renders the current view. Must run on the loop goroutine.
func (s *Shell) draw() {
	s.screenMu.Lock()
	defer s.screenMu.Unlock()
	if s.finished {
		return
	}

	width, height := s.screen.Size()
	v := View{
		Title:   s.title,
		Keys:    s.keys,
		LastKey: s.lastKey,
	}
	if s.status != nil {
		v.Status = s.status()
	}
	v.Idle, v.IdleOK = s.host.IdleTime()
	if s.messages != nil {
		v.Messages = s.messages.Tail(height)
	}

	s.screen.Clear()
	for y, line := range v.Lines(width, height) {
		style := tcell.StyleDefault
		if y == 0 {
			style = style.Reverse(true)
		}
		drawLine(s.screen, y, width, line, style)
	}
	s.screen.Show()
}

func drawLine(screen tcell.Screen, y, width int, text string, style tcell.Style) {
	x := 0
	for _, r := range text {
		if x >= width {
			return
		}
		screen.SetContent(x, y, r, nil, style)
		x++
	}
	if style != tcell.StyleDefault {
		for ; x < width; x++ {
			screen.SetContent(x, y, ' ', nil, style)
		}
	}
}

// View is what the shell renders.
type View struct {
	Title    string
	Status   incremental.Snapshot
	Idle     time.Duration
	IdleOK   bool
	Keys     int
	LastKey  string
	Messages []string
}

// Lines lays the view out as at most height lines of at most width runes.
// The layout is a status line, an idle line, the queue, a rule, the newest
// messages that fit, and a help line at the bottom.
func (v View) Lines(width, height int) []string {
	if width <= 0 || height <= 0 {
		return nil
	}

	st := v.Status.Stats
	header := []string{
		fmt.Sprintf("%s  %s  loaded %d  skipped %d  interrupted %d  errors %d",
			v.Title, v.Status.State, st.Loaded, st.Skipped, st.Interruptions, st.Errors),
		v.idleLine(),
		"queue: " + queueText(v.Status.Pending),
		strings.Repeat("-", width),
	}
	footer := "type to interrupt loading, q to quit"

	var lines []string
	for _, h := range header {
		if len(lines) == height-1 {
			break
		}
		lines = append(lines, h)
	}

	room := height - 1 - len(lines)
	msgs := v.Messages
	if len(msgs) > room {
		msgs = msgs[len(msgs)-room:]
	}
	lines = append(lines, msgs...)
	for len(lines) < height-1 {
		lines = append(lines, "")
	}
	lines = append(lines, footer)

	for i, l := range lines {
		lines[i] = clip(l, width)
	}
	return lines
}

func (v View) idleLine() string {
	idle := "busy"
	if v.IdleOK {
		idle = v.Idle.Truncate(100 * time.Millisecond).String()
	}
	line := fmt.Sprintf("idle %s  keys %d", idle, v.Keys)
	if v.LastKey != "" {
		line += "  last " + v.LastKey
	}
	if err := v.Status.Stats.LastError; err != nil {
		line += "  error: " + err.Error()
	}
	return line
}

func queueText(pending []string) string {
	if len(pending) == 0 {
		return "(empty)"
	}
	return strings.Join(pending, " ")
}

func clip(s string, width int) string {
	n := 0
	for i := range s {
		if n == width {
			return s[:i]
		}
		n++
	}
	return s
}
