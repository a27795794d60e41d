package app

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"cronwheel/internal/config"
	"cronwheel/internal/eventbus"
	"cronwheel/internal/observability/debugsrv"
	"cronwheel/internal/storage"
	"cronwheel/internal/task/engine"
	"cronwheel/internal/task/scheduler"
	logx "cronwheel/pkg/logx"
)

// App wires config, logging, storage, the task engine and the scheduler into
// one daemon.
type App struct {
	cfgm *ConfigManager
	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store  storage.Store
	engine *engine.Service
	sched  *scheduler.Service
	debug  *debugsrv.Service

	// svcCtx outlives sup so a fatal error does not kill running jobs before
	// Stop drains the engine.
	svcCtx context.Context
	sup    *Supervisor // config watch, reload, event log
	recSup *Supervisor // run history; stopped after the engine

	applied *Config
}

// Option customises NewApp.
type Option func(*appOptions)

type appOptions struct {
	schedOpts []scheduler.Option
	logOut    io.Writer
}

// WithSchedulerOptions passes options to the scheduler (clock, timer sizing).
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(o *appOptions) { o.schedOpts = append(o.schedOpts, opts...) }
}

// WithLogOutput redirects the stdout log sink.
func WithLogOutput(w io.Writer) Option { return func(o *appOptions) { o.logOut = w } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o appOptions
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateJobs(context.Background(), cfg); err != nil {
		return nil, err
	}

	var (
		logs *logx.Service
		log  logx.Logger
	)
	if o.logOut != nil {
		logs, log = logx.NewWithOutput(mapLoggingConfig(cfg), o.logOut)
	} else {
		logs, log = logx.New(mapLoggingConfig(cfg))
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(validateJobs)

	bus := eventbus.New()

	stCfg, stEnabled, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	var store storage.Store
	if stEnabled {
		store, err = storage.Open(stCfg, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logs.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, closeAll(err, store, logs)
	}
	eng := engine.New(engCfg, log, bus)

	timerCfg, err := mapTimerConfig(cfg)
	if err != nil {
		return nil, closeAll(err, store, logs)
	}
	schedOpts := append([]scheduler.Option{scheduler.WithTimerConfig(timerCfg)}, o.schedOpts...)
	sched := scheduler.New(mapSchedulerConfig(cfg), eng, log, bus, schedOpts...)

	dbgCfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, closeAll(err, store, logs)
	}
	src := debugsrv.Sources{Snapshot: func() any { return sched.Snapshot() }}
	if store != nil {
		src.Runs = func(ctx context.Context, name string, limit int) (any, error) {
			return store.RecentRuns(ctx, name, limit)
		}
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		engine:  eng,
		sched:   sched,
		debug:   debugsrv.New(dbgCfg, src, log),
		applied: cfg,
	}

	if n := a.syncJobs(cfg, config.DiffJobs(nil, cfg.Jobs)); n > 0 {
		a.log.Warn("some jobs were not scheduled", logx.Int("failed", n))
	}
	return a, nil
}

func closeAll(err error, store storage.Store, logs *logx.Service) error {
	if store != nil {
		_ = store.Close()
	}
	if logs != nil {
		_ = logs.Close()
	}
	return err
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Bus() *eventbus.MemBus { return a.bus }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Engine() *engine.Service { return a.engine }

// Store is nil when run history is not persisted.
func (a *App) Store() storage.Store { return a.store }

func (a *App) ConfigManager() *ConfigManager { return a.cfgm }

func (a *App) Snapshot() scheduler.Snapshot { return a.sched.Snapshot() }

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Done is closed when the app's run context ends, including on a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

func (a *App) Start(ctx context.Context) error {
	a.svcCtx = context.WithoutCancel(ctx)
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.recSup = NewSupervisor(a.svcCtx, WithLogger(a.log), WithCancelOnError(false))

	if a.store != nil {
		events, unsub := a.bus.Subscribe(recorderBuffer)
		rec := newRecorder(a.store, a.log)
		a.recSup.Go("storage.recorder", func(c context.Context) error {
			defer unsub()
			return rec.run(c, events)
		})
	}

	// Engine first so the first firing has workers.
	if a.engine.Enabled() {
		a.engine.Start(a.svcCtx)
	}
	if a.sched.Enabled() {
		a.sched.Start(a.svcCtx)
	}

	if a.debug.Enabled() {
		a.debug.Start(a.svcCtx)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(latest(sub, newCfg))
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.Int("schedules", len(a.sched.Names())),
	)
	return nil
}

// latest coalesces a burst of reloads into the newest config.
func latest(sub <-chan *Config, cfg *Config) *Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

// applyConfig applies a validated config to the running services. It is only
// called from the reload goroutine.
func (a *App) applyConfig(newCfg *Config) {
	ctx := a.svcCtx
	sections, attrs, jobs := config.SummarizeConfigChange(a.applied, newCfg)
	a.applied = newCfg
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range []string{"storage", "timer"} {
		if slices.Contains(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	engCfg, err := mapTaskEngineConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		engCfg.Enabled = a.engine.Enabled()
	}
	schedCfg := mapSchedulerConfig(newCfg)

	// Engine comes up before the scheduler and goes down after it.
	if engCfg.Enabled {
		if err == nil {
			a.engine.Apply(ctx, engCfg)
		}
		a.sched.Apply(ctx, schedCfg)
	} else {
		a.sched.Apply(ctx, schedCfg)
		if err == nil {
			a.engine.Apply(ctx, engCfg)
		}
	}

	if dbgCfg, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.debug.Reconfigure(stopCtx, dbgCfg)
		cancel()
	}

	failed := 0
	if !jobs.Empty() {
		failed = a.syncJobs(newCfg, jobs)
		a.log.Info("jobs updated",
			logx.Int("added", len(jobs.Added)),
			logx.Int("changed", len(jobs.Changed)),
			logx.Int("removed", len(jobs.Removed)),
			logx.Int("failed", failed),
		)
	}

	eventbus.Publish(a.bus, eventbus.ConfigReloaded, sections)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Scheduler first: nothing may be enqueued once the engine drains.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Close(c); return nil })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.step(gctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	})
	g.Go(func() error {
		return a.step(gctx, "supervisor", 2*time.Second, func(c context.Context) error {
			a.sup.Cancel()
			return a.sup.Wait(c)
		})
	})
	err := g.Wait()

	a.step(ctx, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "recorder", time.Second, func(c context.Context) error {
		a.recSup.Cancel()
		return a.recSup.Wait(c)
	})
	a.step(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// step runs one shutdown step bounded by max and the caller's deadline. A step
// that overruns is abandoned and its late completion logged.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Warn("stop step finished after deadline",
				logx.String("name", name),
				logx.Err(err),
				logx.Duration("took", time.Since(start)),
			)
		}()
		return nil
	}
}
