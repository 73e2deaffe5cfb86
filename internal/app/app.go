// Package app provides the main application structure and coordination
// for idleload. It wires the loop, unit registry, scheduler, hooks,
// metrics and configuration together and manages their lifecycle.
package app

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dshills/idleload/internal/config"
	"github.com/dshills/idleload/internal/config/watcher"
	"github.com/dshills/idleload/internal/hook"
	"github.com/dshills/idleload/internal/incremental"
	"github.com/dshills/idleload/internal/logging"
	"github.com/dshills/idleload/internal/loop"
	"github.com/dshills/idleload/internal/metrics"
	"github.com/dshills/idleload/internal/unit"
)

// ErrAlreadyRunning indicates Start was called twice.
var ErrAlreadyRunning = errors.New("application already running")

// Application is the central coordinator for all idleload components.
type Application struct {
	opts       Options
	configPath string
	sessionID  string

	cfgMu sync.RWMutex
	cfg   *config.Config

	logger   *logging.Logger
	messages *logging.Messages
	logFile  *os.File

	clock     loop.Clock
	loop      *loop.Loop
	hooks     *hook.Manager
	registry  *unit.Registry
	scheduler *incremental.Scheduler
	metrics   *metrics.Collector

	metricsServer *metrics.Server
	watcher       *watcher.Watcher

	hookCtx    context.Context
	cancelHook context.CancelFunc

	finished     chan struct{}
	finishOnce   sync.Once
	started      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// Options configures the application.
type Options struct {
	// ConfigPath is the configuration file. Defaults to config.DefaultPath().
	ConfigPath string

	// LogLevel overrides the configured log level when set.
	LogLevel string

	// Debug forces the debug log level.
	Debug bool

	// LogOutput receives log lines in addition to the messages buffer and
	// the configured log file. Defaults to os.Stderr; the interactive shell
	// uses io.Discard.
	LogOutput io.Writer

	// Environ and SkipEnv control environment overrides.
	Environ func() []string
	SkipEnv bool

	// Clock drives the loop, scheduler and registry. Defaults to the
	// system clock.
	Clock loop.Clock

	// Units are Go units registered before startup.
	Units []GoUnit

	// Eager loads every queued unit at startup without waiting for idle
	// time.
	Eager bool

	// Watch reloads the configuration when the file changes.
	Watch bool
}

// GoUnit is a unit implemented in Go.
type GoUnit struct {
	Name     string
	Requires []string
	Fn       unit.Func
}

// New creates an Application and initializes all components.
func New(opts Options) (*Application, error) {
	app := &Application{
		opts:     opts,
		finished: make(chan struct{}),
	}
	app.hookCtx, app.cancelHook = context.WithCancel(context.Background())

	if err := newBootstrapper(app).bootstrap(); err != nil {
		app.cancelHook()
		return nil, err
	}
	return app, nil
}

// SessionID identifies this run in log lines.
func (app *Application) SessionID() string {
	return app.sessionID
}

// Config returns the current configuration.
func (app *Application) Config() *config.Config {
	app.cfgMu.RLock()
	defer app.cfgMu.RUnlock()
	return app.cfg
}

// ConfigPath returns the configuration file path.
func (app *Application) ConfigPath() string {
	return app.configPath
}

// Logger returns the application logger.
func (app *Application) Logger() *logging.Logger {
	return app.logger
}

// Messages returns the diagnostics buffer.
func (app *Application) Messages() *logging.Messages {
	return app.messages
}

// Loop returns the event loop.
func (app *Application) Loop() *loop.Loop {
	return app.loop
}

// Hooks returns the hook manager.
func (app *Application) Hooks() *hook.Manager {
	return app.hooks
}

// Registry returns the unit registry.
func (app *Application) Registry() *unit.Registry {
	return app.registry
}

// Scheduler returns the deferred loader. It must only be used on the loop
// goroutine, or after the loop has stopped.
func (app *Application) Scheduler() *incremental.Scheduler {
	return app.scheduler
}

// Metrics returns the metrics collector.
func (app *Application) Metrics() *metrics.Collector {
	return app.metrics
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (app *Application) MetricsAddr() string {
	if app.metricsServer == nil {
		return ""
	}
	return app.metricsServer.Addr()
}

// InitError represents a component initialization failure.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return "init " + e.Component + ": " + e.Err.Error()
}

func (e *InitError) Unwrap() error {
	return e.Err
}
