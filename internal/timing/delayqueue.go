package timing

import (
	"container/heap"
	"sync"
)

type delayEntry struct {
	bucket     *TimerTaskList
	expiration int64
}

// delayHeap is a min-heap of bucket expirations.
type delayHeap []delayEntry

func (h delayHeap) Len() int           { return len(h) }
func (h delayHeap) Less(i, j int) bool { return h[i].expiration < h[j].expiration }
func (h delayHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) { *h = append(*h, x.(delayEntry)) }

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = delayEntry{}
	*h = old[:n-1]
	return x
}

// DelayQueue orders armed buckets by expiration. A bucket may be offered more
// than once; entries whose expiration no longer matches the bucket are stale
// and skipped by the consumer.
type DelayQueue struct {
	mu     sync.Mutex
	h      delayHeap
	wakeup chan struct{}
}

func NewDelayQueue() *DelayQueue {
	return &DelayQueue{wakeup: make(chan struct{}, 1)}
}

// Offer queues bucket at expirationMs. If it becomes the earliest entry the
// waiting driver is woken.
func (q *DelayQueue) Offer(b *TimerTaskList, expirationMs int64) {
	q.mu.Lock()
	heap.Push(&q.h, delayEntry{bucket: b, expiration: expirationMs})
	earliest := q.h[0].bucket == b && q.h[0].expiration == expirationMs
	q.mu.Unlock()

	if earliest {
		select {
		case q.wakeup <- struct{}{}:
		default:
		}
	}
}

// Poll pops the earliest entry whose expiration is <= nowMs.
func (q *DelayQueue) Poll(nowMs int64) (*TimerTaskList, int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 || q.h[0].expiration > nowMs {
		return nil, 0, false
	}
	e := heap.Pop(&q.h).(delayEntry)
	return e.bucket, e.expiration, true
}

// NextDeadline returns the earliest queued expiration.
func (q *DelayQueue) NextDeadline() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return 0, false
	}
	return q.h[0].expiration, true
}

// Len returns the number of queued entries, stale ones included.
func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Wakeup fires when an offer becomes the new earliest entry.
func (q *DelayQueue) Wakeup() <-chan struct{} { return q.wakeup }
