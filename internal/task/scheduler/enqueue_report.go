package scheduler

import (
	"errors"

	"cronwheel/internal/task/engine"
	logx "cronwheel/pkg/logx"
)

// enqueueReason classifies an engine.Enqueue error for logs and throttling.
func enqueueReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrOverlapSkip):
		return "overlap"
	case errors.Is(err, engine.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, engine.ErrStopping), errors.Is(err, engine.ErrStopped):
		return "stopping"
	case errors.Is(err, engine.ErrDisabled):
		return "disabled"
	default:
		return "error"
	}
}

// reportEnqueueError logs a firing the engine did not accept. Overlap skips
// and shutdown are routine; the rest is throttled per schedule and reason.
func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	reason := enqueueReason(err)
	fields := []logx.Field{logx.Schedule(name), logx.String("reason", reason), logx.Err(err)}
	switch reason {
	case "overlap", "stopping":
		s.log.Debug("schedule firing not enqueued", fields...)
	default:
		s.enqWarn.Warn(s.log, name+"/"+reason, "schedule firing not enqueued", fields...)
	}
}
