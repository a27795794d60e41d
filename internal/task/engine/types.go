package engine

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Config controls the worker pool that runs fired jobs.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited in the queue longer than this.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

// ParseOverlap maps "allow" and "skip" (the default) to a policy.
func ParseOverlap(s string) OverlapPolicy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow", "parallel":
		return OverlapAllow
	default:
		return OverlapSkipIfRunning
	}
}

func (p OverlapPolicy) String() string {
	if p == OverlapAllow {
		return "allow"
	}
	return "skip"
}

// RunState tracks whether a job is queued or running. SkipIfRunning treats
// "already queued" as running, so a schedule that fires faster than its job
// finishes cannot pile up the queue.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Running reports whether the job is queued or running.
func (s *RunState) Running() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

// Task is one execution of a job. ScheduledAt is the fire time that produced it.
type Task struct {
	ID          string
	Name        string
	Timeout     time.Duration
	Run         func(ctx context.Context) error
	Overlap     OverlapPolicy
	State       *RunState
	ScheduledAt time.Time
}

// Result values recorded in history and events.
const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultTimeout = "timeout"
	ResultPanic   = "panic"
	ResultStale   = "stale_queue_delay"
	ResultFull    = "queue_full"
	ResultOverlap = "overlap_skip"
)

type HistoryItem struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	Started     time.Time     `json:"started"`
	QueueDelay  time.Duration `json:"queue_delay"`
	Duration    time.Duration `json:"duration"`
	Result      string        `json:"result"`
	Error       string        `json:"error,omitempty"`
}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent = HistoryItem

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Completed        uint64
	Failed           uint64
	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	Skipped          uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration

	History []HistoryItem
}
