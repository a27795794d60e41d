package timing

import (
	"sync/atomic"
	"time"
)

// Clock supplies the current time in epoch milliseconds.
type Clock interface {
	NowMs() int64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) NowMs() int64 { return time.Now().UnixMilli() }

// ManualClock only moves when told to.
type ManualClock struct {
	ms atomic.Int64
}

func NewManualClock(startMs int64) *ManualClock {
	c := &ManualClock{}
	c.ms.Store(startMs)
	return c
}

func (c *ManualClock) NowMs() int64 { return c.ms.Load() }

func (c *ManualClock) Set(ms int64) { c.ms.Store(ms) }

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) int64 {
	return c.ms.Add(d.Milliseconds())
}
