package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Fields are applied in order; later keys win.
type Field func(e *zerolog.Event)

func String(k, v string) Field        { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field       { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field   { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field     { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Any(k string, v any) Field       { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }

// Millis logs an epoch-millisecond timestamp as a time.
func Millis(k string, ms int64) Field {
	return func(e *zerolog.Event) { e.Time(k, time.UnixMilli(ms)) }
}

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Keys shared by the scheduler, the engine and the job runner.
const (
	ScheduleKey = "schedule"
	RunIDKey    = "run_id"
)

// Schedule tags an event with a schedule (job) name.
func Schedule(name string) Field { return String(ScheduleKey, name) }

// RunID tags an event with one firing's run ID.
func RunID(id string) Field {
	return func(e *zerolog.Event) {
		if id != "" {
			e.Str(RunIDKey, id)
		}
	}
}
