package scheduler

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"cronwheel/internal/cron/pattern"
	"cronwheel/internal/eventbus"
	"cronwheel/internal/task/engine"
	"cronwheel/internal/timing"
	logx "cronwheel/pkg/logx"
)

var start = time.Date(2024, 3, 10, 12, 0, 5, 0, time.UTC)

func noop(context.Context) error { return nil }

// newTestService returns a scheduler with a manual clock. The driver is not
// started; tests move time with step.
func newTestService(t *testing.T, cfg Config, eng *engine.Service, bus eventbus.Bus) (*Service, *timing.ManualClock) {
	t.Helper()
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	clock := timing.NewManualClock(start.UnixMilli())
	s := New(cfg, eng, logx.Nop(), bus, WithClock(clock))
	return s, clock
}

func startEngine(t *testing.T) *engine.Service {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 1, QueueSize: 16}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return eng
}

func step(s *Service, clock *timing.ManualClock, until time.Time, by time.Duration, onFire func()) {
	for clock.NowMs() < until.UnixMilli() {
		clock.Advance(by)
		if s.timer.AdvanceClock(clock.NowMs()) > 0 && onFire != nil {
			onFire()
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func drain(ch <-chan eventbus.Event) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestEveryThirtySecondsFromMidMinute(t *testing.T) {
	t.Parallel()
	eng := startEngine(t)
	s, clock := newTestService(t, Config{}, eng, nil)

	if _, err := s.Schedule("thirty", "*/30 * * * * *", noop, Options{Overlap: OverlapAllow}); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	def := s.defs["thirty"]

	var fired []time.Time
	step(s, clock, start.Add(90*time.Second), time.Second, func() {
		fired = append(fired, time.UnixMilli(def.prevMs.Load()).UTC())
	})

	want := []time.Time{
		time.Date(2024, 3, 10, 12, 0, 30, 0, time.UTC),
		time.Date(2024, 3, 10, 12, 1, 0, 0, time.UTC),
		time.Date(2024, 3, 10, 12, 1, 30, 0, time.UTC),
	}
	if len(fired) != len(want) {
		t.Fatalf("fired = %v, want %v", fired, want)
	}
	for i := range want {
		if !fired[i].Equal(want[i]) {
			t.Fatalf("fired[%d] = %v, want %v", i, fired[i], want[i])
		}
	}

	waitFor(t, "engine runs", func() bool { return eng.Snapshot().Completed == 3 })
	var scheduled []time.Time
	for _, h := range eng.Snapshot().History {
		scheduled = append(scheduled, h.ScheduledAt)
	}
	sort.Slice(scheduled, func(i, j int) bool { return scheduled[i].Before(scheduled[j]) })
	for i := range want {
		if !scheduled[i].Equal(want[i]) {
			t.Fatalf("ScheduledAt[%d] = %v, want %v", i, scheduled[i], want[i])
		}
	}

	next, ok := def.handle.Next()
	if want := time.Date(2024, 3, 10, 12, 2, 0, 0, time.UTC); !ok || next != want.UnixMilli() {
		t.Fatalf("Next = %v, %v; want %v", time.UnixMilli(next).UTC(), ok, want)
	}
}

func TestCancelStopsFiring(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s, clock := newTestService(t, Config{}, nil, bus)

	h, err := s.Every("ten", 10*time.Second, noop, DefaultOptions())
	if err != nil {
		t.Fatalf("Every error: %v", err)
	}
	step(s, clock, start.Add(5*time.Second), time.Second, nil)
	if !s.Cancel(h) {
		t.Fatal("Cancel = false, want true")
	}
	if s.Cancel(h) {
		t.Fatal("second Cancel = true, want false")
	}

	fires := 0
	step(s, clock, start.Add(30*time.Second), time.Second, func() { fires++ })
	if fires != 0 {
		t.Fatalf("fires after cancel = %d, want 0", fires)
	}
	if names := s.Names(); len(names) != 0 {
		t.Fatalf("Names = %v, want none", names)
	}

	var types []string
	for _, e := range drain(events) {
		types = append(types, e.Type)
	}
	if len(types) != 2 || types[0] != eventbus.ScheduleAdded || types[1] != eventbus.ScheduleCancelled {
		t.Fatalf("events = %v", types)
	}
}

func TestScheduleUpsertsByName(t *testing.T) {
	t.Parallel()
	s, clock := newTestService(t, Config{}, nil, nil)

	first, err := s.Schedule("job", "0 * * * *", noop, DefaultOptions())
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	second, err := s.Schedule("job", "5s", noop, DefaultOptions())
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if !first.Done() || second.Done() {
		t.Fatalf("first.Done = %v, second.Done = %v", first.Done(), second.Done())
	}
	if live := s.timer.Stats().Live; live != 1 {
		t.Fatalf("Live = %d, want 1", live)
	}

	fires := 0
	step(s, clock, start.Add(11*time.Second), time.Second, func() { fires++ })
	if fires != 2 {
		t.Fatalf("fires = %d, want 2", fires)
	}
}

func TestRedefine(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{}, nil, nil)

	if _, err := s.Redefine("missing", "5s"); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("Redefine(missing) err = %v, want ErrUnknownSchedule", err)
	}
	if _, err := s.Schedule("job", "1h", noop, Options{Timeout: time.Minute}); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	h, err := s.Redefine("job", "0 0 13 * * *")
	if err != nil {
		t.Fatalf("Redefine error: %v", err)
	}
	next, _ := h.Next()
	if want := time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC); next != want.UnixMilli() {
		t.Fatalf("Next = %v, want %v", time.UnixMilli(next).UTC(), want)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Kind != "cron" || snap.Schedules[0].Timeout != time.Minute {
		t.Fatalf("Schedules = %+v", snap.Schedules)
	}
}

func TestOneShotFiresOnce(t *testing.T) {
	t.Parallel()
	s, clock := newTestService(t, Config{}, nil, nil)

	h, err := s.At("once", start.Add(-time.Hour), noop, DefaultOptions())
	if err != nil {
		t.Fatalf("At error: %v", err)
	}
	fires := 0
	step(s, clock, start.Add(5*time.Second), time.Second, func() { fires++ })
	if fires != 1 {
		t.Fatalf("fires = %d, want 1", fires)
	}
	if !h.Done() {
		t.Fatal("handle not done after one-shot")
	}
	if _, ok := s.Handle("once"); ok {
		t.Fatal("one-shot still registered")
	}
}

func TestOneShotAtOrBeforeNowIsDue(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		expr string
	}{
		{"now", "at:" + start.Format(time.RFC3339)},
		{"past", "at:" + start.Add(-time.Millisecond).Format(time.RFC3339Nano)},
		{"long ago", "at:2001-01-01T00:00:00Z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, clock := newTestService(t, Config{}, nil, nil)
			if _, err := s.Schedule("once", tc.expr, noop, DefaultOptions()); err != nil {
				t.Fatalf("Schedule(%q) error: %v", tc.expr, err)
			}
			snap := s.Snapshot()
			if len(snap.Schedules) != 1 {
				t.Fatalf("schedules = %d, want 1", len(snap.Schedules))
			}
			if got := snap.Schedules[0].Next; !got.Equal(start) {
				t.Fatalf("next = %v, want %v", got, start)
			}
			fires := 0
			step(s, clock, start.Add(3*time.Second), time.Second, func() { fires++ })
			if fires != 1 {
				t.Fatalf("fires = %d, want 1", fires)
			}
			if _, ok := s.Handle("once"); ok {
				t.Fatal("one-shot still registered")
			}
		})
	}
}

func TestFirstFire(t *testing.T) {
	t.Parallel()
	future := start.Add(time.Minute)
	cases := []struct {
		name string
		trig Trigger
		want time.Time
	}{
		{"once future", OnceTrigger(future), future},
		{"once past", OnceTrigger(start.Add(-time.Hour)), start},
		{"once now", OnceTrigger(start), start},
		{"interval", IntervalTrigger(time.Minute), future},
	}
	for _, tc := range cases {
		got, err := firstFire(tc.trig, start)
		if err != nil {
			t.Fatalf("%s: firstFire error: %v", tc.name, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("%s: firstFire = %v, want %v", tc.name, got, tc.want)
		}
	}
}

type untilTrigger struct{ last time.Time }

func (u untilTrigger) Next(after time.Time) (time.Time, error) {
	if after.Before(u.last) {
		return u.last, nil
	}
	return time.Time{}, pattern.ErrUnsatisfiable
}

func (untilTrigger) Kind() Kind     { return KindCron }
func (untilTrigger) String() string { return "until" }

func TestUnsatisfiableScheduleIsDropped(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s, clock := newTestService(t, Config{}, nil, bus)

	h, err := s.ScheduleTrigger("until", untilTrigger{last: start.Add(3 * time.Second)}, noop, DefaultOptions())
	if err != nil {
		t.Fatalf("ScheduleTrigger error: %v", err)
	}
	step(s, clock, start.Add(10*time.Second), time.Second, nil)
	if !h.Done() {
		t.Fatal("handle not done")
	}
	var dropped bool
	for _, e := range drain(events) {
		if e.Type == eventbus.ScheduleDropped {
			dropped = true
		}
	}
	if !dropped {
		t.Fatal("no schedule.dropped event")
	}

	if _, err := s.ScheduleTrigger("never", untilTrigger{last: start.Add(-time.Hour)}, noop, DefaultOptions()); !errors.Is(err, ErrNoFireTime) {
		t.Fatalf("never err = %v, want ErrNoFireTime", err)
	}
}

func TestMissedFiringsAreCoalesced(t *testing.T) {
	t.Parallel()
	s, clock := newTestService(t, Config{}, nil, nil)

	h, err := s.Every("fast", time.Second, noop, DefaultOptions())
	if err != nil {
		t.Fatalf("Every error: %v", err)
	}
	now := clock.Advance(10 * time.Second)
	if n := s.timer.AdvanceClock(now); n != 1 {
		t.Fatalf("AdvanceClock fired %d, want 1", n)
	}
	next, ok := h.Next()
	if !ok || next != now+1000 {
		t.Fatalf("Next = %d, %v; want %d", next, ok, now+1000)
	}
}

func TestStartupSpread(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{StartupSpread: true}, nil, nil)

	h, err := s.Every("spread", 10*time.Second, noop, DefaultOptions())
	if err != nil {
		t.Fatalf("Every error: %v", err)
	}
	next, _ := h.Next()
	lo, hi := start.Add(10*time.Second).UnixMilli(), start.Add(20*time.Second).UnixMilli()
	if next < lo || next >= hi {
		t.Fatalf("first firing %v outside [%v, %v)", time.UnixMilli(next).UTC(), time.UnixMilli(lo).UTC(), time.UnixMilli(hi).UTC())
	}
}

func TestStartupSpreadIsStablePerName(t *testing.T) {
	t.Parallel()
	cases := []struct {
		every time.Duration
		limit time.Duration
	}{
		{time.Second, time.Second},
		{10 * time.Second, 10 * time.Second},
		{time.Hour, maxStartupSpread},
	}
	for _, tc := range cases {
		for _, name := range []string{"backup", "rotate-logs", "x"} {
			a, b := startupSpread(tc.every, name), startupSpread(tc.every, name)
			if a != b {
				t.Fatalf("startupSpread(%v, %q) = %v then %v, want stable", tc.every, name, a, b)
			}
			if a < 0 || a >= tc.limit || a%time.Millisecond != 0 {
				t.Fatalf("startupSpread(%v, %q) = %v, want whole ms in [0, %v)", tc.every, name, a, tc.limit)
			}
		}
	}
	if got := startupSpread(500*time.Microsecond, "tiny"); got != 0 {
		t.Fatalf("startupSpread(500us) = %v, want 0", got)
	}
}

func TestScheduleTableAndTimezone(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{}, nil, nil)

	sec, _ := pattern.NewFieldMatcher(pattern.Second, 0)
	minute, _ := pattern.NewFieldMatcher(pattern.Minute, 0)
	hour, _ := pattern.NewFieldMatcher(pattern.Hour, 18)
	m, err := pattern.NewDateTimeMatcher(sec, minute, hour, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewDateTimeMatcher error: %v", err)
	}
	table, err := pattern.NewMatcherTable(m)
	if err != nil {
		t.Fatalf("NewMatcherTable error: %v", err)
	}
	h, err := s.ScheduleTable("evening", table, nil, noop, DefaultOptions())
	if err != nil {
		t.Fatalf("ScheduleTable error: %v", err)
	}
	next, _ := h.Next()
	if want := time.Date(2024, 3, 10, 18, 0, 0, 0, time.UTC); next != want.UnixMilli() {
		t.Fatalf("Next = %v, want %v", time.UnixMilli(next).UTC(), want)
	}
}

func TestScheduleRejects(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{}, nil, nil)
	tests := []struct {
		name string
		expr string
		job  Job
		want error
	}{
		{"", "5s", noop, ErrNameRequired},
		{"job", "5s", nil, ErrJobRequired},
		{"job", "not a schedule", noop, ErrInvalidSchedule},
		{"job", "", noop, ErrInvalidSchedule},
	}
	for _, tt := range tests {
		if _, err := s.Schedule(tt.name, tt.expr, tt.job, DefaultOptions()); !errors.Is(err, tt.want) {
			t.Fatalf("Schedule(%q, %q) err = %v, want %v", tt.name, tt.expr, err, tt.want)
		}
	}
}

func TestAddDailyWeekly(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{}, nil, nil)

	daily, err := s.AddDaily("daily", "09:15", noop, DefaultOptions())
	if err != nil {
		t.Fatalf("AddDaily error: %v", err)
	}
	next, _ := daily.Next()
	if want := time.Date(2024, 3, 11, 9, 15, 0, 0, time.UTC); next != want.UnixMilli() {
		t.Fatalf("daily Next = %v, want %v", time.UnixMilli(next).UTC(), want)
	}

	// 2024-03-10 is a Sunday.
	weekly, err := s.AddWeekly("weekly", time.Wednesday, "07:00", noop, DefaultOptions())
	if err != nil {
		t.Fatalf("AddWeekly error: %v", err)
	}
	next, _ = weekly.Next()
	if want := time.Date(2024, 3, 13, 7, 0, 0, 0, time.UTC); next != want.UnixMilli() {
		t.Fatalf("weekly Next = %v, want %v", time.UnixMilli(next).UTC(), want)
	}

	if _, err := s.AddDaily("bad", "25:00", noop, DefaultOptions()); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("AddDaily(25:00) err = %v, want ErrInvalidSchedule", err)
	}
}

func TestStartStopRunsDriver(t *testing.T) {
	t.Parallel()
	eng := startEngine(t)
	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop(), nil,
		WithTimerConfig(timing.Config{Tick: 10 * time.Millisecond, WheelSize: 20}))
	s.Start(context.Background())
	defer s.Close(context.Background())

	if _, err := s.Every("tick", 50*time.Millisecond, noop, Options{Overlap: OverlapAllow}); err != nil {
		t.Fatalf("Every error: %v", err)
	}
	waitFor(t, "two runs", func() bool { return eng.Snapshot().Completed >= 2 })

	s.Stop(context.Background())
	if snap := s.Snapshot(); len(snap.Schedules) != 1 || snap.Schedules[0].Fired < 2 {
		t.Fatalf("Schedules = %+v", snap.Schedules)
	}
}
