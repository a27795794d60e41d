package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cronwheel/internal/eventbus"
	"cronwheel/internal/runtime/supervisor"
	"cronwheel/internal/task/engine"
	"cronwheel/internal/timing"
	logx "cronwheel/pkg/logx"
)

// Config controls the scheduler service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local

	// StartupSpread delays the first firing of interval schedules by a random
	// amount up to min(interval, 30s).
	StartupSpread bool
}

type OverlapPolicy = engine.OverlapPolicy

type HistoryItem = engine.HistoryItem

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Options apply to every run produced by a schedule.
type Options struct {
	Timeout time.Duration
	Overlap OverlapPolicy
}

// DefaultOptions skips a firing while the previous run is still in flight.
func DefaultOptions() Options { return Options{Overlap: OverlapSkipIfRunning} }

// Job is the body enqueued into the task engine on every firing.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	raw     string // schedule text; empty when registered from a Trigger
	trigger Trigger
	job     Job
	opt     Options
	state   *engine.RunState
	spread  time.Duration
	handle  *timing.Handle

	prevMs atomic.Int64
	fired  atomic.Uint64
}

// ScheduleEvent is the payload of schedule.* bus events.
type ScheduleEvent struct {
	Name   string    `json:"name"`
	Spec   string    `json:"spec"`
	Kind   string    `json:"kind"`
	Next   time.Time `json:"next,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service
	timer  *timing.Timer
	sup    *supervisor.Supervisor

	defs map[string]*scheduleDef

	enqWarn *logx.Throttle
}

type ScheduleInfo struct {
	Name    string
	Kind    string
	Spec    string
	Timeout time.Duration
	Overlap string
	Next    time.Time
	Prev    time.Time
	Fired   uint64
	Spread  time.Duration
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Schedules []ScheduleInfo
	Timer     timing.Stats
	Engine    engine.Snapshot
}
