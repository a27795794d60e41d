package app

import (
	"context"
	"time"

	"cronwheel/internal/eventbus"
	"cronwheel/internal/storage"
	"cronwheel/internal/task/engine"
	logx "cronwheel/pkg/logx"
)

const (
	recorderBuffer  = 256
	recorderTimeout = 2 * time.Second
)

// recorder persists terminal task events as run records.
type recorder struct {
	store storage.Store
	log   logx.Logger
	warn  *logx.Throttle
}

func newRecorder(store storage.Store, log logx.Logger) *recorder {
	return &recorder{
		store: store,
		log:   log.With(logx.String("comp", "recorder")),
		warn:  logx.NewThrottle(30*time.Second, 1),
	}
}

// run consumes events until ctx is done, then drains what is already buffered.
func (r *recorder) run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			r.drain(events)
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			r.handle(e)
		}
	}
}

func (r *recorder) drain(events <-chan eventbus.Event) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			r.handle(e)
		default:
			return
		}
	}
}

func (r *recorder) handle(e eventbus.Event) {
	switch e.Type {
	case eventbus.TaskFinished, eventbus.TaskFailed, eventbus.TaskDropped, eventbus.TaskSkipped:
	default:
		return
	}
	item, ok := e.Data.(engine.HistoryItem)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
	defer cancel()
	if err := r.store.AppendRun(ctx, runRecord(item)); err != nil {
		r.warn.Warn(r.log, "append", "run record not persisted",
			logx.Schedule(item.Name),
			logx.RunID(item.ID),
			logx.Err(err),
		)
	}
}

func runRecord(h engine.HistoryItem) storage.RunRecord {
	return storage.RunRecord{
		ID:          h.ID,
		Name:        h.Name,
		ScheduledAt: h.ScheduledAt,
		Started:     h.Started,
		QueueDelay:  h.QueueDelay,
		Duration:    h.Duration,
		Result:      h.Result,
		Error:       h.Error,
	}
}
