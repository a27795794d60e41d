package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"cronwheel/internal/cron/parse"
)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
	SpecOnce
)

// ParsedSpec represents a parsed schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 9 * * 1-5", "@hourly", "0 9 * * * | 0 17 * * *"
//   - Interval: "@every 55m", "55m", "2h30m", "00:50" (50 minutes)
//   - One-shot: "at:2025-01-02T15:04:05Z"
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type ParsedSpec struct {
	Kind   SpecKind
	Cron   parse.Expression
	Every  time.Duration
	At     time.Time
	Source string // "cron" | "duration" | "hhmm" | "at"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var ErrInvalidSchedule = errors.New("invalid schedule")

// ParseSchedule parses a schedule string.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("%w: schedule required", ErrInvalidSchedule)
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseIntervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseIntervalSpec(s[len("every:"):])
	case strings.HasPrefix(low, "@every"):
		return parseIntervalSpec(s[len("@every"):])
	case strings.HasPrefix(low, "at:"):
		v := strings.TrimSpace(s[len("at:"):])
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("%w: one-shot time %q: %v", ErrInvalidSchedule, v, err)
		}
		return ParsedSpec{Kind: SpecOnce, At: at, Source: "at"}, nil
	}

	// any whitespace, '|' or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r|") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}

	if reHHMM.MatchString(s) {
		d, _, err := parseHHMMDuration(s)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}

	return ParsedSpec{}, fmt.Errorf(
		"%w %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		ErrInvalidSchedule, raw,
	)
}

// Trigger builds the trigger for p. Cron expressions without a TZ= prefix are
// evaluated in loc.
func (p ParsedSpec) Trigger(loc *time.Location) Trigger {
	switch p.Kind {
	case SpecInterval:
		return IntervalTrigger(p.Every)
	case SpecOnce:
		return OnceTrigger(p.At)
	default:
		if p.Cron.Location != nil {
			loc = p.Cron.Location
		}
		return CronTrigger(p.Cron.Source, p.Cron.Table, loc)
	}
}

func parseCron(expr string) (ParsedSpec, error) {
	if expr == "" {
		return ParsedSpec{}, fmt.Errorf("%w: cron expression required", ErrInvalidSchedule)
	}
	e, err := parse.ParseExpression(expr)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	return ParsedSpec{Kind: SpecCron, Cron: e, Source: "cron"}, nil
}

func parseIntervalSpec(v string) (ParsedSpec, error) {
	d, src, err := parseInterval(v)
	if err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("%w: interval required", ErrInvalidSchedule)
	}
	if reHHMM.MatchString(v) {
		d, _, err := parseHHMMDuration(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("%w: interval %q (use HH:MM or Go duration like '55m')", ErrInvalidSchedule, v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, string, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, "", fmt.Errorf("%w: HH:MM %q", ErrInvalidSchedule, v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, "", fmt.Errorf("%w: minutes in %q", ErrInvalidSchedule, v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, "", fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
	}
	return d, "hhmm", nil
}
