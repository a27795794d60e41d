package timing

import "errors"

var (
	// ErrTaskOwned reports an attempt to add a task that already belongs to a bucket.
	ErrTaskOwned = errors.New("timing: task already owned by a bucket")
	// ErrTimerStopped reports an Add after Stop.
	ErrTimerStopped = errors.New("timing: timer stopped")
	// ErrNilHandle reports a nil handle passed to the timer.
	ErrNilHandle = errors.New("timing: nil handle")
)
