package timing

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"cronwheel/internal/runtime/supervisor"
	logx "cronwheel/pkg/logx"
)

const (
	DefaultTick      = 100 * time.Millisecond
	DefaultWheelSize = 60

	idleWait        = time.Minute
	lateThresholdMs = 1000
)

// Config sizes the first wheel level. Tasks fire in the tick containing their
// expiration, so a tick that divides one second keeps cron firings exact.
type Config struct {
	Tick      time.Duration
	WheelSize int
}

func (c Config) withDefaults() Config {
	if c.Tick < time.Millisecond {
		c.Tick = DefaultTick
	}
	if c.WheelSize <= 0 {
		c.WheelSize = DefaultWheelSize
	}
	return c
}

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeReschedule
)

// Outcome tells the driver what to do with a schedule after it fired.
type Outcome struct {
	kind outcomeKind
	at   int64
}

// Completed ends the schedule.
func Completed() Outcome { return Outcome{kind: outcomeCompleted} }

// RescheduleAt queues the next firing of the same handle at ms. It must be later
// than the expiration that just fired.
func RescheduleAt(ms int64) Outcome { return Outcome{kind: outcomeReschedule, at: ms} }

// Rescheduled reports the next firing, if any.
func (o Outcome) Rescheduled() (int64, bool) { return o.at, o.kind == outcomeReschedule }

// ExpiryHandler runs on the driver goroutine for every due task. It must not
// block; long work belongs in a worker pool.
type ExpiryHandler func(task *TimerTask, nowMs int64) Outcome

// Stats is a snapshot of timer counters.
type Stats struct {
	Live      int64  `json:"live"`
	Added     uint64 `json:"added"`
	Fired     uint64 `json:"fired"`
	Cancelled uint64 `json:"cancelled"`
	Cascaded  uint64 `json:"cascaded"`
	Stale     uint64 `json:"stale"`
	Defects   uint64 `json:"defects"`
	Levels    int    `json:"levels"`
	Queued    int    `json:"queued"`
}

// Timer owns a wheel hierarchy, its delay queue and the driver loop.
type Timer struct {
	log     logx.Logger
	clock   Clock
	handler ExpiryHandler
	queue   *DelayQueue
	wheel   *timingWheel
	warn    *logx.Throttle

	// mu: Add and re-adds hold it shared; AdvanceClock holds it exclusive
	// while it polls and flushes, so an Add waits out an advance.
	mu        sync.RWMutex
	advanceMu sync.Mutex

	pendingMu sync.Mutex
	pending   []*TimerTask

	nextID  atomic.Uint64
	stopped atomic.Bool

	live      atomic.Int64
	added     atomic.Uint64
	fired     atomic.Uint64
	cancelled atomic.Uint64
	cascaded  atomic.Uint64
	stale     atomic.Uint64
	defects   atomic.Uint64
}

// New builds a timer starting at the clock's current time.
func New(cfg Config, clock Clock, handler ExpiryHandler, log logx.Logger) *Timer {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = SystemClock{}
	}
	if handler == nil {
		handler = func(*TimerTask, int64) Outcome { return Completed() }
	}
	q := NewDelayQueue()
	return &Timer{
		log:     log.With(logx.String("comp", "timing")),
		clock:   clock,
		handler: handler,
		queue:   q,
		wheel:   newTimingWheel(cfg.Tick.Milliseconds(), int64(cfg.WheelSize), clock.NowMs(), q),
		warn:    logx.NewThrottle(10*time.Second, 3),
	}
}

// Add registers a schedule whose first firing is at expirationMs. A time that is
// already due fires on the next driver pass.
func (t *Timer) Add(expirationMs int64, payload any) (*Handle, error) {
	if t.stopped.Load() {
		return nil, ErrTimerStopped
	}
	h := &Handle{id: t.nextID.Add(1), payload: payload}
	task := &TimerTask{expiration: expirationMs, payload: payload, handle: h}
	h.current.Store(task)
	t.live.Add(1)
	t.added.Add(1)
	t.schedule(task)
	return h, nil
}

// Cancel stops a schedule. It reports whether the schedule was still live. A
// firing already handed to the handler is not recalled, but nothing fires
// after Cancel returns.
func (t *Timer) Cancel(h *Handle) bool {
	if h == nil {
		return false
	}
	h.cancelled.Store(true)
	if task := h.current.Load(); task != nil {
		task.remove()
	}
	if h.finish() {
		t.live.Add(-1)
		t.cancelled.Add(1)
		return true
	}
	return false
}

func (t *Timer) schedule(task *TimerTask) {
	t.mu.RLock()
	ok, err := t.wheel.add(task)
	t.mu.RUnlock()
	if err != nil {
		t.defect(task, err)
		return
	}
	if ok || task.cancelled() {
		return
	}
	t.pendingMu.Lock()
	t.pending = append(t.pending, task)
	t.pendingMu.Unlock()
	select {
	case t.queue.wakeup <- struct{}{}:
	default:
	}
}

func (t *Timer) takePending() []*TimerTask {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	p := t.pending
	t.pending = nil
	return p
}

// AdvanceClock flushes every bucket whose window opened at or before nowMs and
// fires the due tasks in expiration order. It returns the number of firings.
func (t *Timer) AdvanceClock(nowMs int64) int {
	t.advanceMu.Lock()
	defer t.advanceMu.Unlock()

	due := t.takePending()

	t.mu.Lock()
	for {
		b, exp, ok := t.queue.Poll(nowMs)
		if !ok {
			break
		}
		if b.Expiration() != exp {
			t.stale.Add(1)
			continue
		}
		t.wheel.advanceClock(exp)
		b.Flush(func(task *TimerTask) { due = t.reinsert(task, due) })
	}
	t.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].expiration < due[j].expiration })
	return t.dispatch(due, nowMs)
}

// reinsert runs under the write lock while a bucket is flushed.
func (t *Timer) reinsert(task *TimerTask, due []*TimerTask) []*TimerTask {
	if task.cancelled() {
		return due
	}
	ok, err := t.wheel.add(task)
	switch {
	case err != nil:
		t.defect(task, err)
	case ok:
		t.cascaded.Add(1)
	default:
		due = append(due, task)
	}
	return due
}

func (t *Timer) dispatch(due []*TimerTask, nowMs int64) int {
	fired := 0
	for i := 0; i < len(due); i++ {
		task := due[i]
		h := task.handle
		if h == nil || h.Cancelled() || h.current.Load() != task {
			continue
		}

		if late := nowMs - task.expiration; late > lateThresholdMs {
			t.warn.Warn(t.log, "late", "timer firing late",
				logx.Uint64("handle", h.id),
				logx.Duration("late", time.Duration(late)*time.Millisecond),
			)
		}

		out := t.invoke(task, nowMs)
		fired++
		t.fired.Add(1)

		at, again := out.Rescheduled()
		if !again {
			if h.finish() {
				t.live.Add(-1)
			}
			continue
		}
		if at <= task.expiration {
			t.log.Error("reschedule does not move forward; dropping schedule",
				logx.Uint64("handle", h.id),
				logx.Millis("fired", task.expiration),
				logx.Millis("next", at),
				logx.Stack(logx.StackTrace()),
			)
			t.defects.Add(1)
			if h.finish() {
				t.live.Add(-1)
			}
			continue
		}

		next := &TimerTask{expiration: at, payload: task.payload, handle: h}
		h.current.Store(next)
		if h.Cancelled() {
			continue
		}
		t.mu.RLock()
		ok, err := t.wheel.add(next)
		t.mu.RUnlock()
		switch {
		case err != nil:
			t.defect(next, err)
		case !ok && !next.cancelled():
			// Already due: keep expiration order among the rest.
			rest := due[i+1:]
			k := sort.Search(len(rest), func(j int) bool { return rest[j].expiration > at })
			due = append(due, nil)
			copy(due[i+1+k+1:], due[i+1+k:])
			due[i+1+k] = next
		}
	}
	return fired
}

func (t *Timer) invoke(task *TimerTask, nowMs int64) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("expiry handler panicked",
				logx.Uint64("handle", task.handle.id),
				logx.Any("panic", r),
				logx.Stack(logx.StackTrace()),
			)
			out = Completed()
		}
	}()
	return t.handler(task, nowMs)
}

// defect records a task that could not be placed. It is logged, never dropped
// silently.
func (t *Timer) defect(task *TimerTask, err error) {
	t.defects.Add(1)
	var id uint64
	if task.handle != nil {
		id = task.handle.id
	}
	t.log.Error("timer task could not be placed",
		logx.Uint64("handle", id),
		logx.Millis("expiration", task.expiration),
		logx.Err(err),
		logx.Stack(logx.StackTrace()),
	)
}

// Run drives the timer until ctx is done.
func (t *Timer) Run(ctx context.Context) error {
	wait := time.NewTimer(idleWait)
	defer wait.Stop()

	for {
		now := t.clock.NowMs()
		t.AdvanceClock(now)

		d := idleWait
		if dl, ok := t.queue.NextDeadline(); ok {
			d = time.Duration(dl-now) * time.Millisecond
			if d < 0 {
				d = 0
			}
		}
		if !wait.Stop() {
			select {
			case <-wait.C:
			default:
			}
		}
		wait.Reset(d)

		select {
		case <-ctx.Done():
			return nil
		case <-wait.C:
		case <-t.queue.Wakeup():
		}
	}
}

// Start runs the driver under sup, restarting it if it panics.
func (t *Timer) Start(sup *supervisor.Supervisor) {
	sup.GoRestart("timing.driver", t.Run,
		supervisor.WithRestartBackoff(100*time.Millisecond, 5*time.Second),
		supervisor.WithPublishFirstError(true),
	)
}

// Stop rejects further Adds. The driver exits with its context.
func (t *Timer) Stop() { t.stopped.Store(true) }

// NowMs returns the timer clock.
func (t *Timer) NowMs() int64 { return t.clock.NowMs() }

func (t *Timer) Stats() Stats {
	return Stats{
		Live:      t.live.Load(),
		Added:     t.added.Load(),
		Fired:     t.fired.Load(),
		Cancelled: t.cancelled.Load(),
		Cascaded:  t.cascaded.Load(),
		Stale:     t.stale.Load(),
		Defects:   t.defects.Load(),
		Levels:    t.wheel.levels(),
		Queued:    t.queue.Len(),
	}
}
