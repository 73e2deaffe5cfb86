package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/idleload/internal/config"
	"github.com/dshills/idleload/internal/config/watcher"
	"github.com/dshills/idleload/internal/hook"
	"github.com/dshills/idleload/internal/incremental"
	"github.com/dshills/idleload/internal/metrics"
	"github.com/dshills/idleload/internal/shell"
)

// ShutdownTimeout bounds how long Shutdown waits for the metrics server.
const ShutdownTimeout = 5 * time.Second

// Start brings up the metrics server and config watcher, then posts the
// startup sequence to the loop: the startup hook runs, the configured
// groups are queued and the scheduler arms its first idle timer. The loop
// must be running (or driven with RunPending) for anything to happen.
func (app *Application) Start() error {
	if !app.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	cfg := app.Config()

	if addr := cfg.Metrics.Addr; addr != "" {
		srv, err := metrics.Listen(addr, app.metrics)
		if err != nil {
			return &InitError{Component: "metrics", Err: err}
		}
		app.metricsServer = srv
		go func() {
			if err := srv.Serve(); err != nil {
				app.logger.Error("Metrics server stopped: %v", err)
			}
		}()
		app.logger.Info("Serving metrics on http://%s/metrics", srv.Addr())
	}

	if app.opts.Watch {
		w, err := watcher.New(app.configPath)
		if err != nil {
			app.logger.Warn("Not watching %s: %v", app.configPath, err)
		} else {
			w.OnChange(func(watcher.Event) { app.Reload() })
			w.OnError(func(err error) { app.logger.Warn("Config watcher: %v", err) })
			app.watcher = w
		}
	}

	return app.loop.Post(func() {
		app.logger.Info("Session %s started", app.sessionID)
		app.runHook(hook.Startup, hook.Args{})

		app.enqueue(cfg.QueuedUnits(), false)
		app.scheduler.Start()
	})
}

// RunHeadless starts the application without an input source and runs the
// loop until the queue drains or aborts, or ctx is cancelled. The returned
// error wraps incremental.ErrAborted when loading was abandoned.
func (app *Application) RunHeadless(ctx context.Context) (incremental.Snapshot, error) {
	if err := app.Start(); err != nil {
		return incremental.Snapshot{}, err
	}
	// Nothing was queued, or incremental loading is disabled.
	_ = app.loop.Post(func() {
		if app.scheduler.State() == incremental.StateIdle {
			app.finish()
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- app.loop.Run(runCtx) }()

	select {
	case <-app.finished:
	case <-ctx.Done():
	}
	cancel()
	<-errCh

	snap := app.scheduler.Snapshot()
	if err := ctx.Err(); err != nil {
		return snap, err
	}
	if snap.State == incremental.StateAborted {
		return snap, fmt.Errorf("%w: %v", incremental.ErrAborted, snap.Stats.LastError)
	}
	return snap, nil
}

// RunInteractive starts the application with the terminal shell as the
// input source. It returns when the user quits or ctx is cancelled.
func (app *Application) RunInteractive(ctx context.Context, opts ...shell.Option) error {
	sh, err := shell.New(app.loop, app.scheduler.Snapshot, app.messages, opts...)
	if err != nil {
		return err
	}
	if err := app.Start(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- app.loop.Run(runCtx) }()

	err = sh.Run(runCtx)
	cancel()
	<-errCh
	return err
}

// Finished is closed once the deferred queue drains or aborts.
func (app *Application) Finished() <-chan struct{} {
	return app.finished
}

func (app *Application) finish() {
	app.finishOnce.Do(func() { close(app.finished) })
}

// observe turns terminal scheduler events into hooks.
func (app *Application) observe(ev incremental.Event) {
	switch ev.Kind {
	case incremental.EventDrained:
		app.runHook(hook.IncrementalDrained, hook.Args{})
		app.finish()
	case incremental.EventAborted:
		app.runHook(hook.IncrementalAborted, hook.Args{Unit: ev.Unit, Err: ev.Err})
		app.finish()
	}
}

// runHook runs a hook and logs handler failures. Must run on the loop
// goroutine.
func (app *Application) runHook(name string, args hook.Args) {
	if err := app.hooks.Run(app.hookCtx, name, args); err != nil {
		app.logger.Warn("Hook %s: %v", name, err)
	}
}

// Reload rereads the configuration file and applies it on the loop.
// Groups not present before are queued; the log level follows the file
// unless it was set on the command line. Scheduler timings keep their
// startup values.
func (app *Application) Reload() {
	next, err := config.LoadWithOptions(app.configPath, config.Options{
		Environ: app.opts.Environ,
		SkipEnv: app.opts.SkipEnv,
	})
	if err != nil {
		app.logger.Warn("Config reload failed: %v", err)
		return
	}
	if err := app.loop.Post(func() { app.applyConfig(next) }); err != nil {
		app.logger.Debug("Config reload dropped: %v", err)
	}
}

func (app *Application) applyConfig(next *config.Config) {
	app.cfgMu.Lock()
	prev := app.cfg
	app.cfg = next
	app.cfgMu.Unlock()

	app.logger.SetLevel(app.logLevel(next))

	var later, now []string
	for _, g := range prev.NewGroups(next) {
		app.logger.Info("Queueing new group %s (%d units)", g.Name, len(g.Units))
		if g.Now {
			now = append(now, g.Units...)
		} else {
			later = append(later, g.Units...)
		}
	}
	app.enqueue(later, false)
	app.enqueue(now, true)
	app.logger.Info("Reloaded %s", app.configPath)
	app.runHook(hook.ConfigReloaded, hook.Args{})
}

// enqueue queues units on the scheduler. Must run on the loop goroutine.
func (app *Application) enqueue(units []string, now bool) {
	if err := app.scheduler.Enqueue(units, now); err != nil {
		app.logger.Warn("Queueing units: %v", err)
	}
}

// Shutdown stops every component in reverse start order. It is safe to
// call more than once.
func (app *Application) Shutdown() error {
	app.shutdownOnce.Do(func() {
		var errs []error

		if app.watcher != nil {
			errs = append(errs, app.watcher.Close())
		}
		if app.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			errs = append(errs, app.metricsServer.Shutdown(ctx))
			cancel()
		}

		app.cancelHook()
		app.loop.Close()
		errs = append(errs, app.registry.Close())

		app.logger.Debug("Session %s finished", app.sessionID)
		if app.logFile != nil {
			errs = append(errs, app.logFile.Close())
		}
		app.shutdownErr = errors.Join(errs...)
	})
	return app.shutdownErr
}
