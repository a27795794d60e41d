package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"cronwheel/internal/eventbus"
	logx "cronwheel/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt, ok := <-queue:
			if !ok {
				return
			}
			s.inFlight.Add(1)
			s.execOne(ctx, qt)
			s.inFlight.Add(-1)
		}
	}
}

// execOne runs a task once. Failures are recorded, never retried.
func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	if qt.track {
		defer qt.state.release()
	}

	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	t := qt.task
	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(cfg, start, t, queueDelay)
		return
	}

	s.log.Debug("task.started", logx.Schedule(t.Name), logx.RunID(t.ID), logx.Duration("queue_delay", queueDelay))
	eventbus.Publish(s.bus, eventbus.TaskStarted, s.item(t, start, queueDelay, 0, "", ""))

	runCtx := ctx
	var cancel context.CancelFunc
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	result := ResultOK
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				result = ResultPanic
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task.panic", logx.Schedule(t.Name), logx.RunID(t.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		return t.Run(runCtx)
	}()
	if err != nil && result == ResultOK {
		result = ResultFailed
		if errors.Is(err, context.DeadlineExceeded) || (runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)) {
			result = ResultTimeout
		}
	}
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("task.failed", logx.Schedule(t.Name), logx.RunID(t.ID), logx.String("result", result), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.record(cfg, s.item(t, start, queueDelay, dur, result, err.Error()), eventbus.TaskFailed)
		return
	}

	s.completed.Add(1)
	if dur >= 750*time.Millisecond {
		s.log.Info("task.completed", logx.Schedule(t.Name), logx.RunID(t.ID), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	} else {
		s.log.Debug("task.completed", logx.Schedule(t.Name), logx.RunID(t.ID), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	}
	s.record(cfg, s.item(t, start, queueDelay, dur, result, ""), eventbus.TaskFinished)
}
