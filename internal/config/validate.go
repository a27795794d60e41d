package config

import (
	"errors"
	"fmt"
	"strings"

	logx "cronwheel/pkg/logx"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks structure that does not need other packages: durations,
// enums and job identity. Schedule expressions are checked by the caller.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, err := ParseTick("timer.tick", c.Timer.Tick, 0); err != nil {
		errs = append(errs, err)
	}
	if c.Timer.WheelSize < 0 {
		add("timer.wheel_size must be >= 0")
	}

	if te := c.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
			add("task_engine sizes must be >= 0")
		}
		if _, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
			errs = append(errs, err)
		}
	}

	if st := c.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add("storage.path is required when storage.driver=sqlite")
			}
		default:
			add("unknown storage.driver %q", st.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(c.Logging.Level) {
		add("logging.level %q is not one of trace, debug, info, warn, error, off", c.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		add("logging.format must be console or json, got %q", c.Logging.Format)
	}

	if d := c.Debug; d != nil {
		for _, f := range []struct{ key, raw string }{
			{"debug.read_timeout", d.ReadTimeout},
			{"debug.write_timeout", d.WriteTimeout},
			{"debug.idle_timeout", d.IdleTimeout},
		} {
			if _, err := ParseDurationField(f.key, f.raw); err != nil {
				errs = append(errs, err)
			}
		}
	}

	seen := make(map[string]int, len(c.Jobs))
	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		switch {
		case name == "":
			add("%s.name is required", path)
		case seen[name] > 0:
			add("%s.name %q duplicates jobs[%d]", path, name, seen[name]-1)
		default:
			seen[name] = i + 1
		}
		if strings.TrimSpace(j.Schedule) == "" {
			add("%s.schedule is required", path)
		}
		if strings.TrimSpace(j.Command) == "" {
			add("%s.command is required", path)
		}
		if _, err := ParseDurationField(path+".timeout", j.Timeout); err != nil {
			errs = append(errs, err)
		}
		switch strings.ToLower(strings.TrimSpace(j.Overlap)) {
		case "", "skip", "skip_if_running", "allow", "parallel":
		default:
			add("%s.overlap must be skip or allow, got %q", path, j.Overlap)
		}
	}
	return errors.Join(errs...)
}
