package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cronwheel/pkg/logx"
)

// JobDiff lists job names by how they changed between two configs.
type JobDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d JobDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging and (3) the job diff.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, JobDiff) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Timer != newCfg.Timer {
		changed = append(changed, "timer")
		attrs = append(attrs,
			logx.String("timer.tick", strings.TrimSpace(newCfg.Timer.Tick)),
			logx.Int("timer.wheel_size", newCfg.Timer.WheelSize),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		enabled := newCfg.Scheduler.Enabled
		if nTE.Enabled != nil {
			enabled = *nTE.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(nTE.MaxQueueDelay)),
			logx.Int("task_engine.history_size", nTE.HistorySize),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	var oD, nD DebugConfig
	if oldCfg.Debug != nil {
		oD = *oldCfg.Debug
	}
	if newCfg.Debug != nil {
		nD = *newCfg.Debug
	}
	if oD != nD {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nD.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nD.Addr)),
			logx.Bool("debug.pprof", nD.Pprof),
			logx.Bool("debug.token_set", nD.Token != ""),
		)
	}

	jobs := DiffJobs(oldCfg.Jobs, newCfg.Jobs)
	if !jobs.Empty() {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.added", len(jobs.Added)),
			logx.Int("jobs.removed", len(jobs.Removed)),
			logx.Int("jobs.changed", len(jobs.Changed)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobs
}

// DiffJobs compares job lists by name. A job that was disabled counts as
// removed; one that was enabled counts as added.
func DiffJobs(oldJobs, newJobs []JobConfig) JobDiff {
	index := func(jobs []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(jobs))
		for _, j := range jobs {
			if j.IsEnabled() {
				m[strings.TrimSpace(j.Name)] = j
			}
		}
		return m
	}
	oldM, newM := index(oldJobs), index(newJobs)

	var d JobDiff
	for name, n := range newM {
		o, ok := oldM[name]
		switch {
		case !ok:
			d.Added = append(d.Added, name)
		case hashJSON(o) != hashJSON(n):
			d.Changed = append(d.Changed, name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
