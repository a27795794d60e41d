package scheduler

import (
	"fmt"
	"time"

	"cronwheel/internal/cron/pattern"
)

type Kind int

const (
	KindCron Kind = iota
	KindInterval
	KindOnce
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindInterval:
		return "interval"
	case KindOnce:
		return "once"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Trigger yields the fire times of a schedule. Next returns the first fire time
// strictly after the given instant, or pattern.ErrUnsatisfiable when there is none.
type Trigger interface {
	Next(after time.Time) (time.Time, error)
	Kind() Kind
	String() string
}

type cronTrigger struct {
	source string
	table  *pattern.MatcherTable
	loc    *time.Location
}

// CronTrigger fires on every match of table, evaluated in loc.
func CronTrigger(source string, table *pattern.MatcherTable, loc *time.Location) Trigger {
	if loc == nil {
		loc = time.Local
	}
	if source == "" {
		source = table.String()
	}
	return cronTrigger{source: source, table: table, loc: loc}
}

func (c cronTrigger) Next(after time.Time) (time.Time, error) {
	return c.table.NextAfter(after.In(c.loc))
}

func (c cronTrigger) Kind() Kind     { return KindCron }
func (c cronTrigger) String() string { return c.source }

type intervalTrigger struct {
	every time.Duration
}

// IntervalTrigger fires every d.
func IntervalTrigger(d time.Duration) Trigger { return intervalTrigger{every: d} }

func (i intervalTrigger) Next(after time.Time) (time.Time, error) {
	return after.Add(i.every), nil
}

func (i intervalTrigger) Kind() Kind     { return KindInterval }
func (i intervalTrigger) String() string { return "@every " + i.every.String() }

type onceTrigger struct {
	at time.Time
}

// OnceTrigger fires a single time at at.
func OnceTrigger(at time.Time) Trigger { return onceTrigger{at: at} }

func (o onceTrigger) Next(after time.Time) (time.Time, error) {
	if after.Before(o.at) {
		return o.at, nil
	}
	return time.Time{}, pattern.ErrUnsatisfiable
}

func (o onceTrigger) Kind() Kind     { return KindOnce }
func (o onceTrigger) String() string { return "at " + o.at.Format(time.RFC3339) }

// Preview returns up to n fire times of trig after from.
func Preview(trig Trigger, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		next, err := trig.Next(t)
		if err != nil {
			break
		}
		out = append(out, next)
		t = next
	}
	return out
}
