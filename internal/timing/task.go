package timing

import "sync/atomic"

// TimerTask is one scheduled firing. It lives in at most one bucket at a time;
// prev/next are guarded by the owning bucket's lock and are nil while unowned.
type TimerTask struct {
	expiration int64
	payload    any
	handle     *Handle

	bucket atomic.Pointer[TimerTaskList]
	prev   *TimerTask
	next   *TimerTask
}

// NewTimerTask creates an unowned task expiring at expirationMs.
func NewTimerTask(expirationMs int64, payload any) *TimerTask {
	return &TimerTask{expiration: expirationMs, payload: payload}
}

// Expiration returns the absolute expiry in epoch milliseconds.
func (t *TimerTask) Expiration() int64 { return t.expiration }

func (t *TimerTask) Payload() any { return t.payload }

// Handle returns the schedule this task belongs to, or nil for a bare task.
func (t *TimerTask) Handle() *Handle { return t.handle }

func (t *TimerTask) getBucket() *TimerTaskList { return t.bucket.Load() }

// Owned reports whether the task currently sits in a bucket.
func (t *TimerTask) Owned() bool { return t.getBucket() != nil }

func (t *TimerTask) cancelled() bool {
	return t.handle != nil && t.handle.Cancelled()
}

// remove unlinks the task from whatever bucket owns it. The owner may change
// while a flush moves the task, so the owner is re-read until the removal
// succeeds or the task is unowned.
func (t *TimerTask) remove() bool {
	for b := t.getBucket(); b != nil; b = t.getBucket() {
		if b.Remove(t) {
			return true
		}
	}
	return false
}
