package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Timer controls the timing wheel.
	Timer TimerConfig `json:"timer"`

	// Scheduler controls triggering (timezone, enable flag).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of fired jobs.
	// If omitted, the engine follows scheduler.enabled with defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	// Storage persists run history. Nil or driver "none" disables it.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Debug serves snapshots, run history and pprof over HTTP. Nil disables it.
	Debug *DebugConfig `json:"debug,omitempty"`

	Jobs []JobConfig `json:"jobs"`
}

// DebugConfig controls the debug HTTP server.
//
// Defaults: addr "127.0.0.1:6060", pprof off. A non-loopback addr needs a
// token unless allow_insecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// TimerConfig controls the timing wheel.
//
// Defaults: tick "100ms", wheel_size 60.
type TimerConfig struct {
	Tick      string `json:"tick,omitempty"`
	WheelSize int    `json:"wheel_size,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so we can distinguish "omitted" (default to scheduler.enabled)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout applies to jobs without their own timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// StorageConfig controls run history persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cronwheel.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "console" (default) or "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduler (trigger) service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone for cron expressions without a TZ= prefix. Empty means Local.
	Timezone string `json:"timezone,omitempty"`

	// StartupSpread jitters the first firing of interval jobs.
	StartupSpread bool `json:"startup_spread,omitempty"`
}

// JobConfig is one scheduled command.
//
// Example:
//
//	{ "name": "backup", "schedule": "0 3 * * *", "command": "/usr/local/bin/backup", "timeout": "30m" }
type JobConfig struct {
	Name     string            `json:"name"`
	Schedule string            `json:"schedule"`
	Command  string            `json:"command"`
	Args     []string          `json:"args,omitempty"`
	Dir      string            `json:"dir,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Timeout  string            `json:"timeout,omitempty"`
	Overlap  string            `json:"overlap,omitempty"` // "skip" (default) or "allow"
	Enabled  *bool             `json:"enabled,omitempty"`
}

// IsEnabled reports whether the job should be scheduled. Omitted means true.
func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

// UnmarshalJSON disallows unknown fields so typos in a job surface on reload.
func (j *JobConfig) UnmarshalJSON(b []byte) error {
	type plain JobConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*j = JobConfig(p)
	return nil
}
