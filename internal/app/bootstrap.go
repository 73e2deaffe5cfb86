package app

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/idleload/internal/config"
	"github.com/dshills/idleload/internal/hook"
	"github.com/dshills/idleload/internal/incremental"
	"github.com/dshills/idleload/internal/logging"
	"github.com/dshills/idleload/internal/loop"
	"github.com/dshills/idleload/internal/metrics"
	"github.com/dshills/idleload/internal/unit"
)

// bootstrapper handles component initialization with proper cleanup on failure.
type bootstrapper struct {
	app       *Application
	opts      Options
	initOrder []string
}

// newBootstrapper creates a new bootstrapper for the application.
func newBootstrapper(app *Application) *bootstrapper {
	return &bootstrapper{
		app:       app,
		opts:      app.opts,
		initOrder: make([]string, 0, 8),
	}
}

// bootstrap initializes all components in dependency order.
// On failure, it cleans up already-initialized components.
func (b *bootstrapper) bootstrap() error {
	steps := []func() error{
		b.initConfig,
		b.initLogging,
		b.initLoop,
		b.initHooks,
		b.initRegistry,
		b.initMetrics,
		b.initScheduler,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			b.cleanup()
			return err
		}
	}
	return nil
}

func (b *bootstrapper) initConfig() error {
	path := b.opts.ConfigPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.LoadWithOptions(path, b.loadOptions())
	if err != nil {
		return &InitError{Component: "config", Err: err}
	}
	b.app.configPath = path
	b.app.cfg = cfg
	b.initOrder = append(b.initOrder, "config")
	return nil
}

func (b *bootstrapper) loadOptions() config.Options {
	return config.Options{
		Environ: b.opts.Environ,
		SkipEnv: b.opts.SkipEnv,
	}
}

// initLogging sets up the logger. Every line goes to the messages buffer,
// the configured log file and LogOutput.
func (b *bootstrapper) initLogging() error {
	cfg := b.app.cfg
	b.app.messages = logging.NewMessages(cfg.Logging.BufferLines)

	out := b.opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	writers := []io.Writer{b.app.messages, out}

	if cfg.Logging.File != "" {
		path := unit.ExpandHome(cfg.Logging.File)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return &InitError{Component: "logging", Err: err}
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return &InitError{Component: "logging", Err: err}
		}
		b.app.logFile = f
		writers = append(writers, f)
	}

	b.app.sessionID = uuid.NewString()
	b.app.logger = logging.New(logging.Config{
		Level:  b.app.logLevel(cfg),
		Output: io.MultiWriter(writers...),
		Prefix: "idleload",
	}).WithField("session", b.app.sessionID[:8])

	b.initOrder = append(b.initOrder, "logging")
	return nil
}

// logLevel resolves the level: --debug, then --log-level, then config.
func (app *Application) logLevel(cfg *config.Config) logging.Level {
	switch {
	case app.opts.Debug:
		return logging.LevelDebug
	case app.opts.LogLevel != "":
		return logging.ParseLevel(app.opts.LogLevel)
	default:
		return logging.ParseLevel(cfg.Logging.Level)
	}
}

func (b *bootstrapper) initLoop() error {
	b.app.clock = b.opts.Clock
	if b.app.clock == nil {
		b.app.clock = loop.SystemClock{}
	}
	b.app.loop = loop.New(loop.WithClock(b.app.clock))
	b.initOrder = append(b.initOrder, "loop")
	return nil
}

func (b *bootstrapper) initHooks() error {
	b.app.hooks = hook.NewManager()
	b.initOrder = append(b.initOrder, "hooks")
	return nil
}

func (b *bootstrapper) initRegistry() error {
	app := b.app
	reg, err := unit.New(
		unit.WithPaths(app.cfg.Units.Paths...),
		unit.WithLogger(app.logger.WithComponent("unit")),
		unit.WithHooks(app.hooks),
		unit.WithClock(app.clock.Now),
	)
	if err != nil {
		return &InitError{Component: "registry", Err: err}
	}
	app.registry = reg
	b.initOrder = append(b.initOrder, "registry")

	for _, u := range b.opts.Units {
		if err := reg.RegisterFunc(u.Name, u.Requires, u.Fn); err != nil {
			return &InitError{Component: "registry", Err: err}
		}
	}
	reg.OnLoaded(func(name string, _ time.Duration) {
		app.runHook(hook.UnitLoaded, hook.Args{Unit: name})
	})
	return nil
}

func (b *bootstrapper) initMetrics() error {
	b.app.metrics = metrics.NewCollector()
	b.initOrder = append(b.initOrder, "metrics")
	return nil
}

func (b *bootstrapper) initScheduler() error {
	app := b.app
	sc, err := app.cfg.Scheduler()
	if err != nil {
		return &InitError{Component: "scheduler", Err: err}
	}
	if b.opts.Eager {
		sc.FirstIdle = 0
	}

	app.scheduler = incremental.New(sc, app.registry, app.loop,
		incremental.WithLogger(app.logger.WithComponent("incremental")),
		incremental.WithClock(app.clock.Now),
		incremental.WithObserver(app.metrics.Observe),
		incremental.WithObserver(app.observe),
	)
	app.registry.SetEnqueuer(func(units []string, now bool) error {
		return app.scheduler.Enqueue(units, now)
	})
	b.initOrder = append(b.initOrder, "scheduler")
	return nil
}

// cleanup performs cleanup in reverse initialization order.
// Called when bootstrap fails partway through.
func (b *bootstrapper) cleanup() {
	for i := len(b.initOrder) - 1; i >= 0; i-- {
		b.cleanupComponent(b.initOrder[i])
	}
}

// cleanupComponent cleans up a single component.
func (b *bootstrapper) cleanupComponent(component string) {
	switch component {
	case "logging":
		if b.app.logFile != nil {
			_ = b.app.logFile.Close()
			b.app.logFile = nil
		}
	case "loop":
		b.app.loop.Close()
	case "registry":
		if b.app.registry != nil {
			_ = b.app.registry.Close()
			b.app.registry = nil
		}
	}
}
