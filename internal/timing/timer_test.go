package timing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "cronwheel/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	fires []fire
}

type fire struct {
	payload any
	exp     int64
	now     int64
}

func (r *recorder) handler(next func(*TimerTask) Outcome) ExpiryHandler {
	return func(task *TimerTask, nowMs int64) Outcome {
		r.mu.Lock()
		r.fires = append(r.fires, fire{payload: task.Payload(), exp: task.Expiration(), now: nowMs})
		r.mu.Unlock()
		if next == nil {
			return Completed()
		}
		return next(task)
	}
}

func (r *recorder) snapshot() []fire {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fire(nil), r.fires...)
}

func newTestTimer(t *testing.T, tick time.Duration, size int, h ExpiryHandler) (*Timer, *ManualClock) {
	t.Helper()
	clock := NewManualClock(0)
	return New(Config{Tick: tick, WheelSize: size}, clock, h, logx.Nop()), clock
}

func TestTimerCascadesFromOverflow(t *testing.T) {
	t.Parallel()
	var rec recorder
	tm, _ := newTestTimer(t, time.Second, 20, rec.handler(nil))

	h, err := tm.Add(25000, "x")
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	overflow := tm.wheel.overflow.Load()
	if overflow == nil {
		t.Fatal("overflow wheel not created")
	}
	task := h.current.Load()
	if task.getBucket() != overflow.buckets[1] {
		t.Fatal("task should start in the overflow bucket covering [20000,40000)")
	}

	if n := tm.AdvanceClock(19999); n != 0 {
		t.Fatalf("fired %d at 19999, want 0", n)
	}
	if n := tm.AdvanceClock(20000); n != 0 {
		t.Fatalf("fired %d at 20000, want 0", n)
	}
	if task.getBucket() != tm.wheel.buckets[5] {
		t.Fatal("task should have cascaded into level 0 bucket 5")
	}
	if n := tm.AdvanceClock(24999); n != 0 {
		t.Fatalf("fired %d at 24999, want 0", n)
	}
	if n := tm.AdvanceClock(25000); n != 1 {
		t.Fatalf("fired %d at 25000, want 1", n)
	}

	fires := rec.snapshot()
	if len(fires) != 1 || fires[0].now != 25000 {
		t.Fatalf("fires = %+v, want one at 25000", fires)
	}
	st := tm.Stats()
	if st.Cascaded != 1 || st.Fired != 1 || st.Live != 0 || st.Levels != 2 {
		t.Fatalf("stats = %+v", st)
	}
	if !h.Done() {
		t.Fatal("handle should be done after completion")
	}
}

func TestTimerCancelBeforeExpiry(t *testing.T) {
	t.Parallel()
	var rec recorder
	tm, _ := newTestTimer(t, time.Second, 20, rec.handler(nil))

	h, err := tm.Add(10000, "x")
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	tm.AdvanceClock(5000)
	if !tm.Cancel(h) {
		t.Fatal("Cancel of a live schedule should return true")
	}
	if tm.Cancel(h) {
		t.Fatal("second Cancel should return false")
	}
	if h.current.Load().Owned() {
		t.Fatal("cancelled task still in a bucket")
	}
	if n := tm.AdvanceClock(20000); n != 0 {
		t.Fatalf("fired %d after cancel, want 0", n)
	}
	if len(rec.snapshot()) != 0 {
		t.Fatal("cancelled task fired")
	}
	if st := tm.Stats(); st.Live != 0 || st.Cancelled != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTimerFiresExactlyOnce(t *testing.T) {
	t.Parallel()
	var rec recorder
	tm, _ := newTestTimer(t, 10*time.Millisecond, 16, rec.handler(nil))

	const n = 500
	for i := 0; i < n; i++ {
		if _, err := tm.Add(int64(i*7919%100000+1), i); err != nil {
			t.Fatalf("Add error: %v", err)
		}
	}

	for now := int64(0); now <= 101000; now += 250 {
		tm.AdvanceClock(now)
	}

	fires := rec.snapshot()
	if len(fires) != n {
		t.Fatalf("fired %d, want %d", len(fires), n)
	}
	seen := make(map[any]bool, n)
	for _, f := range fires {
		if seen[f.payload] {
			t.Fatalf("payload %v fired twice", f.payload)
		}
		seen[f.payload] = true
		if f.now < f.exp-10 {
			t.Fatalf("payload %v fired at %d, more than one tick before %d", f.payload, f.now, f.exp)
		}
	}
	if st := tm.Stats(); st.Live != 0 || st.Defects != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTimerOrdersDueTasksByExpiration(t *testing.T) {
	t.Parallel()
	var rec recorder
	tm, _ := newTestTimer(t, time.Second, 20, rec.handler(nil))

	// Both land in the same coarse bucket; the later one is added first.
	if _, err := tm.Add(30500, "t2"); err != nil {
		t.Fatal(err)
	}
	if _, err := tm.Add(30200, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := tm.Add(36000, "t3"); err != nil {
		t.Fatal(err)
	}
	tm.AdvanceClock(20000)
	tm.AdvanceClock(40000)

	fires := rec.snapshot()
	want := []any{"t1", "t2", "t3"}
	if len(fires) != len(want) {
		t.Fatalf("fired %d, want %d", len(fires), len(want))
	}
	for i := range want {
		if fires[i].payload != want[i] {
			t.Fatalf("order = %v, want %v", fires, want)
		}
	}
}

func TestTimerReschedule(t *testing.T) {
	t.Parallel()
	var rec recorder
	count := 0
	tm, _ := newTestTimer(t, 100*time.Millisecond, 8, rec.handler(func(task *TimerTask) Outcome {
		count++
		if count < 4 {
			return RescheduleAt(task.Expiration() + 1000)
		}
		return Completed()
	}))

	h, err := tm.Add(1000, "r")
	if err != nil {
		t.Fatal(err)
	}
	for now := int64(0); now <= 10000; now += 500 {
		tm.AdvanceClock(now)
		if now == 2500 {
			if next, ok := h.Next(); !ok || next != 3000 {
				t.Fatalf("Next at 2500 = %d,%v, want 3000,true", next, ok)
			}
		}
	}
	fires := rec.snapshot()
	want := []int64{1000, 2000, 3000, 4000}
	if len(fires) != len(want) {
		t.Fatalf("fires = %+v", fires)
	}
	for i, w := range want {
		if fires[i].exp != w {
			t.Fatalf("fire %d exp = %d, want %d", i, fires[i].exp, w)
		}
	}
	if !h.Done() || tm.Stats().Live != 0 {
		t.Fatal("schedule should be finished")
	}
}

func TestTimerCatchUpAfterPause(t *testing.T) {
	t.Parallel()
	var rec recorder
	tm, _ := newTestTimer(t, 100*time.Millisecond, 8, rec.handler(func(task *TimerTask) Outcome {
		if task.Expiration() >= 5000 {
			return Completed()
		}
		return RescheduleAt(task.Expiration() + 1000)
	}))
	if _, err := tm.Add(1000, "c"); err != nil {
		t.Fatal(err)
	}
	total := 0
	for i := 0; i < 20; i++ {
		n := tm.AdvanceClock(10000)
		total += n
		if n == 0 && i > 0 {
			break
		}
	}
	if total != 5 {
		t.Fatalf("fired %d, want 5", total)
	}
}

func TestTimerCancelFromHandler(t *testing.T) {
	t.Parallel()
	var (
		rec recorder
		tm  *Timer
		h   *Handle
	)
	tm, _ = newTestTimer(t, 100*time.Millisecond, 8, rec.handler(func(task *TimerTask) Outcome {
		tm.Cancel(task.Handle())
		return RescheduleAt(task.Expiration() + 1000)
	}))
	h, err := tm.Add(1000, "self")
	if err != nil {
		t.Fatal(err)
	}
	for now := int64(0); now <= 5000; now += 500 {
		tm.AdvanceClock(now)
	}
	if n := len(rec.snapshot()); n != 1 {
		t.Fatalf("fired %d, want 1", n)
	}
	if !h.Done() || !h.Cancelled() {
		t.Fatal("handle should be cancelled")
	}
}

func TestTimerRejectsBackwardReschedule(t *testing.T) {
	t.Parallel()
	var rec recorder
	tm, _ := newTestTimer(t, 100*time.Millisecond, 8, rec.handler(func(task *TimerTask) Outcome {
		return RescheduleAt(task.Expiration())
	}))
	h, err := tm.Add(500, "b")
	if err != nil {
		t.Fatal(err)
	}
	tm.AdvanceClock(1000)
	tm.AdvanceClock(2000)
	if n := len(rec.snapshot()); n != 1 {
		t.Fatalf("fired %d, want 1", n)
	}
	if st := tm.Stats(); st.Defects != 1 || st.Live != 0 || !h.Done() {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTimerHandlerPanicCompletes(t *testing.T) {
	t.Parallel()
	tm, _ := newTestTimer(t, 100*time.Millisecond, 8, func(*TimerTask, int64) Outcome {
		panic("boom")
	})
	h, err := tm.Add(500, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n := tm.AdvanceClock(1000); n != 1 {
		t.Fatalf("fired %d, want 1", n)
	}
	if !h.Done() {
		t.Fatal("panicking schedule should complete")
	}
}

func TestTimerPastExpirationFiresOnNextPass(t *testing.T) {
	t.Parallel()
	var rec recorder
	tm, clock := newTestTimer(t, time.Second, 20, rec.handler(nil))
	clock.Set(50000)
	tm.AdvanceClock(50000)
	if _, err := tm.Add(1000, "past"); err != nil {
		t.Fatal(err)
	}
	if n := tm.AdvanceClock(clock.NowMs()); n != 1 {
		t.Fatalf("fired %d, want 1", n)
	}
}

func TestTimerStop(t *testing.T) {
	t.Parallel()
	tm, _ := newTestTimer(t, time.Second, 20, nil)
	tm.Stop()
	if _, err := tm.Add(1000, nil); !errors.Is(err, ErrTimerStopped) {
		t.Fatalf("Add after Stop err = %v, want ErrTimerStopped", err)
	}
	if tm.Cancel(nil) {
		t.Fatal("Cancel(nil) should return false")
	}
}

func TestTimerRunWithSystemClock(t *testing.T) {
	t.Parallel()
	fired := make(chan int64, 1)
	tm := New(Config{Tick: 10 * time.Millisecond, WheelSize: 32}, SystemClock{}, func(task *TimerTask, nowMs int64) Outcome {
		fired <- nowMs
		return Completed()
	}, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tm.Run(ctx) }()

	exp := time.Now().Add(50 * time.Millisecond).UnixMilli()
	if _, err := tm.Add(exp, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case now := <-fired:
		if now < exp-10 {
			t.Fatalf("fired at %d, more than one tick before %d", now, exp)
		}
	case <-ctx.Done():
		t.Fatal("task did not fire")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestTimerCancelDuringCascade(t *testing.T) {
	t.Parallel()
	const n = 2000
	var (
		mu    sync.Mutex
		fires = make([]int, n)
	)
	tm, _ := newTestTimer(t, time.Millisecond, 8, func(task *TimerTask, _ int64) Outcome {
		mu.Lock()
		fires[task.Payload().(int)]++
		mu.Unlock()
		return Completed()
	})

	handles := make([]*Handle, n)
	for i := range handles {
		// Spread across four wheel levels so most tasks cascade at least once.
		h, err := tm.Add(int64(1+(i*7)%4000), i)
		if err != nil {
			t.Fatalf("Add(%d) error: %v", i, err)
		}
		handles[i] = h
	}

	cancelled := make([]bool, n)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for now := int64(1); now <= 4000; now++ {
			tm.AdvanceClock(now)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i += 2 {
			cancelled[i] = tm.Cancel(handles[i])
		}
	}()
	wg.Wait()
	tm.AdvanceClock(5000)

	var nFired, nCancelled int
	for i, h := range handles {
		if fires[i] > 1 {
			t.Fatalf("handle %d fired %d times", i, fires[i])
		}
		if fires[i] == 0 && !cancelled[i] {
			t.Fatalf("handle %d neither fired nor cancelled", i)
		}
		if !h.Done() {
			t.Fatalf("handle %d not done", i)
		}
		nFired += fires[i]
		if cancelled[i] {
			nCancelled++
		}
	}
	if nFired+nCancelled < n {
		t.Fatalf("fired %d + cancelled %d < %d", nFired, nCancelled, n)
	}
	st := tm.Stats()
	if st.Live != 0 || st.Defects != 0 {
		t.Fatalf("stats = %+v, want no live tasks and no defects", st)
	}
	if st.Cancelled != uint64(nCancelled) {
		t.Fatalf("Cancelled = %d, want %d", st.Cancelled, nCancelled)
	}
}
