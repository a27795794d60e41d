package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle rate-limits repetitive log lines per key. Each key gets its own token
// bucket; suppressed lines are counted and reported on the next allowed one.
type Throttle struct {
	every time.Duration
	burst int

	mu      sync.Mutex
	buckets map[string]*throttleBucket
}

type throttleBucket struct {
	lim        *rate.Limiter
	suppressed uint64
}

// NewThrottle allows burst lines per key, then one line every interval.
func NewThrottle(every time.Duration, burst int) *Throttle {
	if every <= 0 {
		every = 10 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{every: every, burst: burst, buckets: make(map[string]*throttleBucket)}
}

// Allow reports whether a line for key may be written now, and how many lines
// for that key were suppressed since the last allowed one.
func (t *Throttle) Allow(key string) (bool, uint64) {
	if t == nil {
		return true, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.buckets[key]
	if b == nil {
		b = &throttleBucket{lim: rate.NewLimiter(rate.Every(t.every), t.burst)}
		t.buckets[key] = b
	}
	if !b.lim.Allow() {
		b.suppressed++
		return false, 0
	}
	n := b.suppressed
	b.suppressed = 0
	return true, n
}

// Forget drops the state of key.
func (t *Throttle) Forget(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.buckets, key)
	t.mu.Unlock()
}

// Warn writes a warning through l unless key is throttled.
func (t *Throttle) Warn(l Logger, key, msg string, fields ...Field) {
	ok, suppressed := t.Allow(key)
	if !ok {
		return
	}
	if suppressed > 0 {
		fields = append(fields, Uint64("suppressed", suppressed))
	}
	l.Warn(msg, fields...)
}
