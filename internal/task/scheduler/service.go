package scheduler

import (
	"context"
	"strings"
	"time"

	"cronwheel/internal/eventbus"
	"cronwheel/internal/runtime/supervisor"
	"cronwheel/internal/task/engine"
	"cronwheel/internal/timing"
	logx "cronwheel/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

type options struct {
	clock timing.Clock
	timer timing.Config
}

type Option func(*options)

// WithClock replaces the wall clock driving the timer.
func WithClock(c timing.Clock) Option { return func(o *options) { o.clock = c } }

// WithTimerConfig sets the wheel tick and size.
func WithTimerConfig(c timing.Config) Option { return func(o *options) { o.timer = c } }

func New(cfg Config, eng *engine.Service, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	s := &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "scheduler")),
		bus:     bus,
		engine:  eng,
		defs:    make(map[string]*scheduleDef),
		enqWarn: logx.NewThrottle(enqueueWarnThrottle, 1),
	}
	s.loc = s.loadLocation(cfg.Timezone)
	s.timer = timing.New(o.timer, o.clock, s.onExpiry, log)
	return s
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Timer exposes the underlying timing wheel.
func (s *Service) Timer() *timing.Timer { return s.timer }

// Location is the zone cron expressions without a TZ= prefix are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Apply swaps the config. A timezone change re-arms every schedule that was
// parsed from text and relies on the service zone.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	wasEnabled := s.cfg.Enabled
	s.cfg = cfg
	var rearm []*scheduleDef
	if oldTZ != newTZ {
		s.loc = s.loadLocation(newTZ)
		for _, d := range s.defs {
			if d.raw != "" && d.trigger.Kind() == KindCron {
				rearm = append(rearm, d)
			}
		}
	}
	s.mu.Unlock()

	for _, d := range rearm {
		if _, err := s.Schedule(d.name, d.raw, d.job, d.opt); err != nil {
			s.log.Error("schedule re-arm failed", logx.Schedule(d.name), logx.Err(err))
		}
	}
	if len(rearm) > 0 {
		s.log.Info("timezone changed", logx.String("tz", s.Location().String()), logx.Int("rearmed", len(rearm)))
	}

	switch {
	case cfg.Enabled && !wasEnabled:
		s.Start(ctx)
	case !cfg.Enabled && wasEnabled:
		s.Stop(ctx)
	}
}

// Start runs the timer driver. Schedules registered before Start fire once it
// runs; firings that fell due meanwhile are coalesced into one.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled || s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	sup := s.sup
	n := len(s.defs)
	loc := s.loc
	s.mu.Unlock()

	s.timer.Start(sup)
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("schedules", n))
}

// Stop halts the driver. Definitions stay registered and resume on next Start.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("scheduler stop timed out", logx.Err(err))
		return
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Close cancels every schedule and stops the driver. The service cannot be
// reused afterwards.
func (s *Service) Close(ctx context.Context) {
	s.mu.Lock()
	defs := make([]*scheduleDef, 0, len(s.defs))
	for _, d := range s.defs {
		defs = append(defs, d)
	}
	s.defs = make(map[string]*scheduleDef)
	s.mu.Unlock()
	for _, d := range defs {
		s.timer.Cancel(d.handle)
	}
	s.timer.Stop()
	s.Stop(ctx)
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
