package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"cronwheel/internal/eventbus"
	logx "cronwheel/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
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

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := startEngine(t, Config{Workers: 2, QueueSize: 4}, bus)

	var ran atomic.Int32
	scheduled := time.Date(2024, 3, 10, 12, 0, 30, 0, time.UTC)
	err := s.Enqueue(Task{Name: "job", ScheduledAt: scheduled, Run: func(context.Context) error {
		ran.Add(1)
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	waitFor(t, "completion", func() bool { return s.Snapshot().Completed == 1 })
	if ran.Load() != 1 {
		t.Fatalf("ran = %d, want 1", ran.Load())
	}

	var finished *HistoryItem
	deadline := time.After(5 * time.Second)
	for finished == nil {
		select {
		case e := <-events:
			if e.Type == eventbus.TaskFinished {
				item := e.Data.(HistoryItem)
				finished = &item
			}
		case <-deadline:
			t.Fatal("no task.finished event")
		}
	}
	if finished.Result != ResultOK || !finished.ScheduledAt.Equal(scheduled) || finished.ID == "" {
		t.Fatalf("event = %+v", finished)
	}
}

func TestTaskFailureIsNotRetried(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1}, nil)
	var calls atomic.Int32
	if err := s.Enqueue(Task{Name: "bad", Run: func(context.Context) error {
		calls.Add(1)
		return errors.New("boom")
	}}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failure", func() bool { return s.Snapshot().Failed == 1 })
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	h := s.Snapshot().History
	if len(h) != 1 || h[0].Result != ResultFailed || h[0].Error != "boom" {
		t.Fatalf("history = %+v", h)
	}
}

func TestTaskPanicAndTimeout(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2}, nil)
	if err := s.Enqueue(Task{Name: "panics", Run: func(context.Context) error { panic("oops") }}); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(Task{Name: "slow", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "both results", func() bool { return s.Snapshot().Failed == 2 })

	results := map[string]string{}
	for _, it := range s.Snapshot().History {
		results[it.Name] = it.Result
	}
	if results["panics"] != ResultPanic || results["slow"] != ResultTimeout {
		t.Fatalf("results = %v", results)
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2}, nil)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	job := Task{Name: "long", Overlap: OverlapSkipIfRunning, Run: func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}}
	if err := s.Enqueue(job); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := s.Enqueue(job); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue err = %v, want ErrOverlapSkip", err)
	}
	close(release)
	waitFor(t, "completion", func() bool { return s.Snapshot().Completed == 1 })
	waitFor(t, "state release", func() bool { return !s.StateFor("long").Running() })
	if err := s.Enqueue(job); err != nil {
		t.Fatalf("Enqueue after completion err = %v", err)
	}
	<-started
	if s.Snapshot().Skipped != 1 {
		t.Fatalf("Skipped = %d, want 1", s.Snapshot().Skipped)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	if err := s.Enqueue(Task{Name: "a", Overlap: OverlapAllow, Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	<-started
	noop := func(context.Context) error { return nil }
	if err := s.Enqueue(Task{Name: "b", Overlap: OverlapAllow, Run: noop}); err != nil {
		t.Fatalf("filling queue err = %v", err)
	}
	if err := s.Enqueue(Task{Name: "c", Overlap: OverlapAllow, Run: noop}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if s.Snapshot().DroppedQueueFull != 1 {
		t.Fatalf("DroppedQueueFull = %d, want 1", s.Snapshot().DroppedQueueFull)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Submit(ctx, Task{Name: "d", Overlap: OverlapAllow, Run: noop}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit err = %v, want DeadlineExceeded", err)
	}
}

func TestEnqueueRejects(t *testing.T) {
	t.Parallel()
	off := New(Config{}, logx.Nop(), nil)
	noop := func(context.Context) error { return nil }
	if err := off.Enqueue(Task{Name: "x", Run: noop}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}
	notStarted := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := notStarted.Enqueue(Task{Name: "x", Run: noop}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started err = %v", err)
	}
	if err := notStarted.Enqueue(Task{Name: " ", Run: noop}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("blank name err = %v", err)
	}
	if err := notStarted.Enqueue(Task{Name: "x"}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("nil run err = %v", err)
	}
}

func TestStaleQueueDrop(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4, MaxQueueDelay: 10 * time.Millisecond}, nil)
	block := make(chan struct{})
	started := make(chan struct{})
	if err := s.Enqueue(Task{Name: "a", Overlap: OverlapAllow, Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	<-started
	var ran atomic.Bool
	if err := s.Enqueue(Task{Name: "late", Overlap: OverlapAllow, Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	close(block)
	waitFor(t, "stale drop", func() bool { return s.Snapshot().DroppedStale == 1 })
	if ran.Load() {
		t.Fatal("stale task ran")
	}
}

func TestParseOverlap(t *testing.T) {
	t.Parallel()
	tests := map[string]OverlapPolicy{
		"allow":    OverlapAllow,
		" Allow ":  OverlapAllow,
		"parallel": OverlapAllow,
		"skip":     OverlapSkipIfRunning,
		"":         OverlapSkipIfRunning,
	}
	for in, want := range tests {
		if got := ParseOverlap(in); got != want {
			t.Fatalf("ParseOverlap(%q) = %v, want %v", in, got, want)
		}
	}
}
