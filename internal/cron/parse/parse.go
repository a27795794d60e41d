// Package parse turns cron text into pattern matchers.
//
// Each sub-expression is parsed by robfig/cron and its bitfields are copied into
// pattern.FieldMatchers. Several expressions can be OR-ed with "|":
//
//	"0 9 * * 1-5 | 0 12 * * 6,0"
package parse

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"cronwheel/internal/cron/pattern"
)

// Options accepted by the parser: an optional seconds field, five standard
// fields and descriptors such as @daily.
const Options = cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

var (
	// ErrEmpty reports an empty expression or an empty "|" segment.
	ErrEmpty = errors.New("parse: empty expression")
	// ErrInterval reports an @every descriptor, which is not a calendar schedule.
	ErrInterval = errors.New("parse: @every is an interval, not a calendar expression")
	// ErrMixedZones reports "|" segments carrying different TZ= prefixes.
	ErrMixedZones = errors.New("parse: sub-expressions use different time zones")
)

var parser = cron.NewParser(Options)

// Expression is a parsed cron expression list.
type Expression struct {
	Source   string
	Table    *pattern.MatcherTable
	Location *time.Location // nil unless a TZ= or CRON_TZ= prefix was given
}

// Parse parses expr into a MatcherTable. A TZ= prefix is accepted but ignored;
// use ParseExpression to read it.
func Parse(expr string) (*pattern.MatcherTable, error) {
	e, err := ParseExpression(expr)
	if err != nil {
		return nil, err
	}
	return e.Table, nil
}

// ParseExpression parses expr and reports the time zone prefix, if any.
func ParseExpression(expr string) (Expression, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return Expression{}, ErrEmpty
	}

	var (
		matchers []*pattern.DateTimeMatcher
		loc      *time.Location
	)
	for i, part := range strings.Split(src, "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			return Expression{}, fmt.Errorf("%w: segment %d of %q", ErrEmpty, i+1, src)
		}
		m, zone, err := parseOne(part)
		if err != nil {
			return Expression{}, fmt.Errorf("parse %q: %w", part, err)
		}
		if zone != nil {
			if loc != nil && loc.String() != zone.String() {
				return Expression{}, fmt.Errorf("%w: %s and %s", ErrMixedZones, loc, zone)
			}
			loc = zone
		}
		matchers = append(matchers, m)
	}

	table, err := pattern.NewMatcherTable(matchers...)
	if err != nil {
		return Expression{}, err
	}
	return Expression{Source: src, Table: table, Location: loc}, nil
}

func parseOne(expr string) (*pattern.DateTimeMatcher, *time.Location, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, nil, err
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		if _, isDelay := sched.(cron.ConstantDelaySchedule); isDelay {
			return nil, nil, ErrInterval
		}
		return nil, nil, fmt.Errorf("unsupported schedule type %T", sched)
	}

	m, err := FromSpec(spec)
	if err != nil {
		return nil, nil, err
	}
	var loc *time.Location
	if hasZonePrefix(expr) {
		loc = spec.Location
	}
	return m, loc, nil
}

// FromSpec converts a robfig SpecSchedule into a DateTimeMatcher. The year field
// is a wildcard.
func FromSpec(spec *cron.SpecSchedule) (*pattern.DateTimeMatcher, error) {
	bits := []struct {
		field pattern.Field
		set   uint64
	}{
		{pattern.Second, spec.Second},
		{pattern.Minute, spec.Minute},
		{pattern.Hour, spec.Hour},
		{pattern.DayOfMonth, spec.Dom},
		{pattern.Month, spec.Month},
		{pattern.DayOfWeek, spec.Dow},
	}
	fields := make([]*pattern.FieldMatcher, len(bits))
	for i, b := range bits {
		fm, err := pattern.FieldFromBits(b.field, b.set)
		if err != nil {
			return nil, err
		}
		fields[i] = fm
	}
	return pattern.NewDateTimeMatcher(fields[0], fields[1], fields[2], fields[3], fields[4], fields[5], nil)
}

func hasZonePrefix(expr string) bool {
	return strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=")
}
