package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"cronwheel/internal/config"
	"cronwheel/internal/task/engine"
	"cronwheel/internal/task/scheduler"
	logx "cronwheel/pkg/logx"
)

const (
	outputTail = 4 << 10
	waitDelay  = 2 * time.Second
)

// validateJobs checks what config.Validate cannot: schedule text and per-job
// durations.
func validateJobs(ctx context.Context, cfg *Config) error {
	var errs []error
	for _, jc := range cfg.Jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !jc.IsEnabled() {
			continue
		}
		if _, err := scheduler.ParseSchedule(jc.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("jobs[%s].schedule: %w", jc.Name, err))
		}
		if _, err := jobOptions(jc); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := mapTimerConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	return errors.Join(errs...)
}

func jobOptions(jc config.JobConfig) (scheduler.Options, error) {
	timeout, err := parseDurationField(fmt.Sprintf("jobs[%s].timeout", jc.Name), jc.Timeout)
	if err != nil {
		return scheduler.Options{}, err
	}
	return scheduler.Options{Timeout: timeout, Overlap: engine.ParseOverlap(jc.Overlap)}, nil
}

// commandJob runs the job's command once per firing. The engine's timeout
// cancels ctx, which kills the process.
func commandJob(jc config.JobConfig, log logx.Logger) scheduler.Job {
	env := envList(jc.Env)
	log = log.With(logx.Schedule(jc.Name))
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, jc.Command, jc.Args...)
		cmd.Dir = jc.Dir
		if len(env) > 0 {
			cmd.Env = append(os.Environ(), env...)
		}
		cmd.WaitDelay = waitDelay
		out := &tailBuffer{limit: outputTail}
		cmd.Stdout = out
		cmd.Stderr = out

		start := time.Now()
		err := cmd.Run()
		if err != nil {
			if tail := strings.TrimSpace(out.String()); tail != "" {
				return fmt.Errorf("%s: %w: %s", jc.Command, err, tail)
			}
			return fmt.Errorf("%s: %w", jc.Command, err)
		}
		if log.Enabled(logx.LevelDebug) {
			log.Debug("command finished",
				logx.Duration("took", time.Since(start)),
				logx.String("output", strings.TrimSpace(out.String())),
			)
		}
		return nil
	}
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// syncJobs brings the scheduler in line with cfg.Jobs. Names in diff.Removed
// are dropped; added and changed jobs are (re)registered wholesale.
func (a *App) syncJobs(cfg *Config, diff config.JobDiff) (failed int) {
	for _, name := range diff.Removed {
		if a.sched.Remove(name) {
			a.log.Info("job removed", logx.Schedule(name))
		}
	}
	byName := make(map[string]config.JobConfig, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		byName[strings.TrimSpace(jc.Name)] = jc
	}
	upsert := append(append([]string(nil), diff.Added...), diff.Changed...)
	for _, name := range upsert {
		jc, ok := byName[name]
		if !ok {
			continue
		}
		if err := a.scheduleJob(jc); err != nil {
			failed++
			a.log.Error("job not scheduled", logx.Schedule(name), logx.Err(err))
		}
	}
	return failed
}

func (a *App) scheduleJob(jc config.JobConfig) error {
	opt, err := jobOptions(jc)
	if err != nil {
		return err
	}
	name := strings.TrimSpace(jc.Name)
	_, err = a.sched.Schedule(name, jc.Schedule, commandJob(jc, a.log), opt)
	return err
}
