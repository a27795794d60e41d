package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"cronwheel/internal/cron/pattern"
	"cronwheel/internal/eventbus"
	"cronwheel/internal/task/engine"
	"cronwheel/internal/timing"
	logx "cronwheel/pkg/logx"
)

// Schedule parses expr and registers job under name. A schedule with the same
// name is replaced wholesale.
//
// Supported formats:
//   - Cron: "*/5 * * * *", "0 30 9 * * 1-5", "@hourly", "0 9 * * * | 0 17 * * 6"
//   - Interval: "@every 55m", "55m", "2h30m", "00:50"
//   - One-shot: "at:2025-01-02T15:04:05Z"
func (s *Service) Schedule(name, expr string, job Job, opt Options) (*timing.Handle, error) {
	ps, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	return s.register(name, strings.TrimSpace(expr), ps.Trigger(s.Location()), job, opt)
}

// ScheduleTable registers an already built matcher table evaluated in loc
// (service zone when nil).
func (s *Service) ScheduleTable(name string, table *pattern.MatcherTable, loc *time.Location, job Job, opt Options) (*timing.Handle, error) {
	if table == nil {
		return nil, fmt.Errorf("%w: nil table", ErrInvalidSchedule)
	}
	if loc == nil {
		loc = s.Location()
	}
	return s.register(name, "", CronTrigger("", table, loc), job, opt)
}

// ScheduleTrigger registers job with a custom trigger.
func (s *Service) ScheduleTrigger(name string, trig Trigger, job Job, opt Options) (*timing.Handle, error) {
	if trig == nil {
		return nil, fmt.Errorf("%w: nil trigger", ErrInvalidSchedule)
	}
	return s.register(name, "", trig, job, opt)
}

// Every registers an interval schedule.
func (s *Service) Every(name string, every time.Duration, job Job, opt Options) (*timing.Handle, error) {
	if every <= 0 {
		return nil, fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
	}
	return s.register(name, "", IntervalTrigger(every), job, opt)
}

// At registers a one-shot schedule. A time in the past fires on the next
// driver pass.
func (s *Service) At(name string, at time.Time, job Job, opt Options) (*timing.Handle, error) {
	if at.IsZero() {
		return nil, fmt.Errorf("%w: at required", ErrInvalidSchedule)
	}
	return s.register(name, "", OnceTrigger(at), job, opt)
}

// AddDaily runs job every day at HH:MM in the service zone.
func (s *Service) AddDaily(name, atHHMM string, job Job, opt Options) (*timing.Handle, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return nil, err
	}
	return s.Schedule(name, fmt.Sprintf("%d %d * * *", m, h), job, opt)
}

// AddWeekly runs job every week on weekday at HH:MM in the service zone.
func (s *Service) AddWeekly(name string, weekday time.Weekday, atHHMM string, job Job, opt Options) (*timing.Handle, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return nil, err
	}
	return s.Schedule(name, fmt.Sprintf("%d %d * * %d", m, h, int(weekday)), job, opt)
}

// Redefine replaces the trigger of an existing schedule, keeping its job and
// options.
func (s *Service) Redefine(name, expr string) (*timing.Handle, error) {
	s.mu.Lock()
	d, ok := s.defs[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchedule, name)
	}
	return s.Schedule(d.name, expr, d.job, d.opt)
}

// Cancel stops the schedule behind h. It reports whether it was still live.
func (s *Service) Cancel(h *timing.Handle) bool {
	if h == nil {
		return false
	}
	ok := s.timer.Cancel(h)
	d, _ := h.Payload().(*scheduleDef)
	if d != nil {
		s.forget(d)
		if ok {
			s.log.Debug("schedule cancelled", logx.Schedule(d.name))
			eventbus.Publish(s.bus, eventbus.ScheduleCancelled, s.event(d, time.Time{}, ""))
		}
	}
	return ok
}

// Remove cancels the schedule registered under name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	d, ok := s.defs[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.Cancel(d.handle)
	return true
}

// Handle returns the live handle registered under name.
func (s *Service) Handle(name string) (*timing.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[strings.TrimSpace(name)]
	if !ok {
		return nil, false
	}
	return d.handle, true
}

// Names lists registered schedules in sorted order.
func (s *Service) Names() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.defs))
	for n := range s.defs {
		out = append(out, n)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Service) register(name, raw string, trig Trigger, job Job, opt Options) (*timing.Handle, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}
	if job == nil {
		return nil, ErrJobRequired
	}

	now := time.UnixMilli(s.timer.NowMs())
	first, err := firstFire(trig, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoFireTime, trig, err)
	}

	d := &scheduleDef{name: name, raw: raw, trigger: trig, job: job, opt: opt}
	if s.engine != nil {
		d.state = s.engine.StateFor(name)
	} else {
		d.state = &engine.RunState{}
	}

	s.mu.Lock()
	if trig.Kind() == KindInterval && s.cfg.StartupSpread {
		if every, ok := trig.(intervalTrigger); ok {
			d.spread = startupSpread(every.every, name)
			first = first.Add(d.spread)
		}
	}
	// Upsert by name: the old schedule never fires after this point.
	if old, ok := s.defs[name]; ok {
		s.timer.Cancel(old.handle)
	}
	h, err := s.timer.Add(first.UnixMilli(), d)
	if err != nil {
		delete(s.defs, name)
		s.mu.Unlock()
		return nil, err
	}
	d.handle = h
	s.defs[name] = d
	s.mu.Unlock()

	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("schedule registered",
			logx.Schedule(name),
			logx.String("kind", trig.Kind().String()),
			logx.String("spec", trig.String()),
			logx.Duration("timeout", opt.Timeout),
			logx.String("next", formatPreview(first, trig, 4)),
		)
	}
	eventbus.Publish(s.bus, eventbus.ScheduleAdded, s.event(d, first, ""))
	return h, nil
}

// firstFire is the initial expiration of trig. A one-shot at or before now
// is due immediately.
func firstFire(trig Trigger, now time.Time) (time.Time, error) {
	if o, ok := trig.(onceTrigger); ok {
		if o.at.After(now) {
			return o.at, nil
		}
		return now, nil
	}
	return trig.Next(now)
}

// onExpiry runs on the timer driver. It must not block.
func (s *Service) onExpiry(task *timing.TimerTask, nowMs int64) timing.Outcome {
	d, ok := task.Payload().(*scheduleDef)
	if !ok {
		return timing.Completed()
	}
	firedAt := time.UnixMilli(task.Expiration()).In(s.Location())
	d.prevMs.Store(task.Expiration())
	d.fired.Add(1)

	if s.engine != nil {
		err := s.engine.Enqueue(engine.Task{
			Name:        d.name,
			Timeout:     d.opt.Timeout,
			Run:         d.job,
			Overlap:     d.opt.Overlap,
			State:       d.state,
			ScheduledAt: firedAt,
		})
		if err != nil {
			s.reportEnqueueError(d.name, err)
		}
	}

	next, err := d.trigger.Next(firedAt)
	if err == nil && next.UnixMilli() <= nowMs {
		// Missed firings collapse into the one just made.
		missed := next
		next, err = d.trigger.Next(time.UnixMilli(nowMs))
		s.log.Debug("missed firings coalesced", logx.Schedule(d.name), logx.Time("missed", missed))
	}
	if err != nil {
		s.forget(d)
		if d.trigger.Kind() == KindOnce {
			s.log.Debug("one-shot schedule done", logx.Schedule(d.name))
			return timing.Completed()
		}
		s.log.Warn("schedule has no further fire time; dropping",
			logx.Schedule(d.name),
			logx.String("spec", d.trigger.String()),
			logx.Err(err),
		)
		eventbus.Publish(s.bus, eventbus.ScheduleDropped, s.event(d, time.Time{}, err.Error()))
		return timing.Completed()
	}
	return timing.RescheduleAt(next.UnixMilli())
}

func (s *Service) forget(d *scheduleDef) {
	s.mu.Lock()
	if cur, ok := s.defs[d.name]; ok && cur == d {
		delete(s.defs, d.name)
	}
	s.mu.Unlock()
}

func (s *Service) event(d *scheduleDef, next time.Time, reason string) ScheduleEvent {
	return ScheduleEvent{
		Name:   d.name,
		Spec:   d.trigger.String(),
		Kind:   d.trigger.Kind().String(),
		Next:   next,
		Reason: reason,
	}
}

func formatPreview(first time.Time, trig Trigger, n int) string {
	runs := append([]time.Time{first}, Preview(trig, first, n-1)...)
	var b strings.Builder
	for i, t := range runs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: time %q, expected HH:MM", ErrInvalidSchedule, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("%w: hour in %q", ErrInvalidSchedule, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: minute in %q", ErrInvalidSchedule, s)
	}
	return h, m, nil
}
