package timing

import (
	"sync"
	"sync/atomic"
	"time"
)

// TimerTaskList is one wheel bucket: a circular doubly linked list of tasks
// sharing an expiration window. An expiration of -1 means the bucket is unarmed.
type TimerTaskList struct {
	mu    sync.Mutex
	root  TimerTask // sentinel
	count int

	expiration atomic.Int64
}

func newTimerTaskList() *TimerTaskList {
	l := &TimerTaskList{}
	l.root.next = &l.root
	l.root.prev = &l.root
	l.expiration.Store(-1)
	return l
}

// Expiration returns the bucket expiry in epoch milliseconds, or -1.
func (l *TimerTaskList) Expiration() int64 { return l.expiration.Load() }

// SetExpiration stores ms and reports whether the value changed. A change means
// the bucket must be offered to the delay queue again.
func (l *TimerTaskList) SetExpiration(ms int64) bool {
	return l.expiration.Swap(ms) != ms
}

// Delay returns the time left until the bucket expires, never negative.
func (l *TimerTaskList) Delay(nowMs int64) time.Duration {
	d := l.Expiration() - nowMs
	if d < 0 {
		d = 0
	}
	return time.Duration(d) * time.Millisecond
}

// Len returns the number of tasks in the bucket.
func (l *TimerTaskList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Add links t at the tail.
func (l *TimerTaskList) Add(t *TimerTask) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !t.bucket.CompareAndSwap(nil, l) {
		return ErrTaskOwned
	}
	tail := l.root.prev
	t.prev = tail
	t.next = &l.root
	tail.next = t
	l.root.prev = t
	l.count++
	return nil
}

// Remove unlinks t if this bucket owns it. It is idempotent.
func (l *TimerTaskList) Remove(t *TimerTask) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t.getBucket() != l {
		return false
	}
	l.unlink(t)
	return true
}

func (l *TimerTaskList) unlink(t *TimerTask) {
	t.prev.next = t.next
	t.next.prev = t.prev
	t.prev = nil
	t.next = nil
	t.bucket.Store(nil)
	l.count--
}

// Flush unlinks every task in insertion order and disarms the bucket, then hands
// each task to fn outside the lock. Flushing an empty bucket only disarms it.
func (l *TimerTaskList) Flush(fn func(*TimerTask)) {
	l.mu.Lock()
	var tasks []*TimerTask
	for t := l.root.next; t != &l.root; {
		next := t.next
		l.unlink(t)
		tasks = append(tasks, t)
		t = next
	}
	l.SetExpiration(-1)
	l.mu.Unlock()

	for _, t := range tasks {
		fn(t)
	}
}
