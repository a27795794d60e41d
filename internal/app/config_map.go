package app

import (
	"fmt"
	"strings"
	"time"

	"cronwheel/internal/config"
	"cronwheel/internal/observability/debugsrv"
	"cronwheel/internal/storage"
	"cronwheel/internal/task/engine"
	"cronwheel/internal/task/scheduler"
	"cronwheel/internal/timing"
	logx "cronwheel/pkg/logx"
)

func mapLoggingConfig(cfg *Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig returns false when run history is not persisted.
func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			path = "./cronwheel"
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapTaskEngineConfig resolves task_engine against scheduler.enabled. Zero
// sizes are left for the engine defaults.
func mapTaskEngineConfig(cfg *Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}
	out := engine.Config{Enabled: cfg.Scheduler.Enabled}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && !out.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.HistorySize = te.HistorySize

	var err error
	if out.DefaultTimeout, err = parseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = parseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapTimerConfig(cfg *Config) (timing.Config, error) {
	if cfg == nil {
		return timing.Config{}, nil
	}
	tick, err := config.ParseTick("timer.tick", cfg.Timer.Tick, timing.DefaultTick)
	if err != nil {
		return timing.Config{}, err
	}
	return timing.Config{Tick: tick, WheelSize: cfg.Timer.WheelSize}, nil
}

func mapSchedulerConfig(cfg *Config) scheduler.Config {
	if cfg == nil {
		return scheduler.Config{}
	}
	return scheduler.Config{
		Enabled:       cfg.Scheduler.Enabled,
		Timezone:      cfg.Scheduler.Timezone,
		StartupSpread: cfg.Scheduler.StartupSpread,
	}
}

func mapDebugConfig(cfg *Config) (debugsrv.Config, error) {
	if cfg == nil || cfg.Debug == nil {
		return debugsrv.Config{}, nil
	}
	d := cfg.Debug
	out := debugsrv.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
	}
	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 10*time.Second); err != nil {
		return debugsrv.Config{}, err
	}
	// pprof profile and trace stream for their requested duration.
	if out.WriteTimeout, err = parseDurationOrDefault("debug.write_timeout", d.WriteTimeout, 2*time.Minute); err != nil {
		return debugsrv.Config{}, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, time.Minute); err != nil {
		return debugsrv.Config{}, err
	}
	return out, nil
}
