package timing

import "sync/atomic"

// Handle identifies one registered schedule across its successive tasks. A
// recurring schedule replaces its current task on every firing; the handle stays.
type Handle struct {
	id      uint64
	payload any

	current   atomic.Pointer[TimerTask]
	cancelled atomic.Bool
	done      atomic.Bool
}

func (h *Handle) ID() uint64 { return h.id }

func (h *Handle) Payload() any { return h.payload }

// Cancelled reports whether Cancel was called.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

// Done reports whether the schedule has finished, by cancellation, completion
// or being dropped.
func (h *Handle) Done() bool { return h.done.Load() }

// Next returns the expiration of the pending task.
func (h *Handle) Next() (int64, bool) {
	if h.Done() {
		return 0, false
	}
	t := h.current.Load()
	if t == nil {
		return 0, false
	}
	return t.Expiration(), true
}

// finish marks the handle done; only the first call returns true.
func (h *Handle) finish() bool {
	return h.done.CompareAndSwap(false, true)
}
