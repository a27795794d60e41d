package timing

import (
	"sync"
	"sync/atomic"
)

// timingWheel is one level of the hierarchy. Levels share one DelayQueue.
type timingWheel struct {
	tickMs    int64
	wheelSize int64
	interval  int64

	buckets []*TimerTaskList
	queue   *DelayQueue

	currentTime atomic.Int64 // multiple of tickMs

	overflowMu sync.Mutex
	overflow   atomic.Pointer[timingWheel]
}

func newTimingWheel(tickMs, wheelSize, startMs int64, queue *DelayQueue) *timingWheel {
	w := &timingWheel{
		tickMs:    tickMs,
		wheelSize: wheelSize,
		interval:  tickMs * wheelSize,
		buckets:   make([]*TimerTaskList, wheelSize),
		queue:     queue,
	}
	for i := range w.buckets {
		w.buckets[i] = newTimerTaskList()
	}
	w.currentTime.Store(truncate(startMs, tickMs))
	return w
}

// add places t into this level or an overflow level. It returns false when t
// is cancelled or already due; the caller then drops or fires it.
func (w *timingWheel) add(t *TimerTask) (bool, error) {
	if t.cancelled() {
		return false, nil
	}
	cur := w.currentTime.Load()
	exp := t.Expiration()
	switch {
	case exp < cur+w.tickMs:
		return false, nil
	case exp < cur+w.interval:
		virtualID := exp / w.tickMs
		b := w.buckets[virtualID%w.wheelSize]
		if err := b.Add(t); err != nil {
			return false, err
		}
		if b.SetExpiration(virtualID * w.tickMs) {
			w.queue.Offer(b, b.Expiration())
		}
		return true, nil
	default:
		return w.overflowWheel().add(t)
	}
}

func (w *timingWheel) overflowWheel() *timingWheel {
	if o := w.overflow.Load(); o != nil {
		return o
	}
	w.overflowMu.Lock()
	defer w.overflowMu.Unlock()
	if o := w.overflow.Load(); o != nil {
		return o
	}
	o := newTimingWheel(w.interval, w.wheelSize, w.currentTime.Load(), w.queue)
	w.overflow.Store(o)
	return o
}

// advanceClock moves the level forward to the tick containing ms. Backward moves
// are ignored.
func (w *timingWheel) advanceClock(ms int64) {
	cur := w.currentTime.Load()
	if ms < cur+w.tickMs {
		return
	}
	cur = truncate(ms, w.tickMs)
	w.currentTime.Store(cur)
	if o := w.overflow.Load(); o != nil {
		o.advanceClock(cur)
	}
}

// levels returns the number of wheel levels created so far.
func (w *timingWheel) levels() int {
	n := 0
	for l := w; l != nil; l = l.overflow.Load() {
		n++
	}
	return n
}

func truncate(x, m int64) int64 {
	if m <= 0 {
		return x
	}
	return x - x%m
}
