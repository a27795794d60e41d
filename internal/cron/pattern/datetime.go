package pattern

import (
	"fmt"
	"strings"
	"time"
)

// SearchHorizonYears bounds NextMatchAfter: at most this many accepted years are
// examined before the matcher reports ErrUnsatisfiable. It is large enough for
// leap-day schedules pinned to a weekday, which can be decades apart.
const SearchHorizonYears = 40

// maxDSTRetries bounds NextAfter when wall-clock results do not move forward in
// absolute time (repeated hour on DST fall-back).
const maxDSTRetries = 4096

// Tuple is a wall-clock instant split into the seven calendar fields.
// DayOfWeek uses 0 for Sunday.
type Tuple struct {
	Second     int
	Minute     int
	Hour       int
	DayOfMonth int
	Month      int
	DayOfWeek  int
	Year       int
}

// TupleOf splits t (in its own location) into calendar fields.
func TupleOf(t time.Time) Tuple {
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	return Tuple{
		Second:     s,
		Minute:     mi,
		Hour:       h,
		DayOfMonth: d,
		Month:      int(mo),
		DayOfWeek:  int(t.Weekday()),
		Year:       y,
	}
}

// Time converts the tuple back to an instant in loc. DayOfWeek is ignored.
func (t Tuple) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(t.Year, time.Month(t.Month), t.DayOfMonth, t.Hour, t.Minute, t.Second, 0, loc)
}

func (t Tuple) value(f Field) int {
	switch f {
	case Second:
		return t.Second
	case Minute:
		return t.Minute
	case Hour:
		return t.Hour
	case DayOfMonth:
		return t.DayOfMonth
	case Month:
		return t.Month
	case DayOfWeek:
		return t.DayOfWeek
	default:
		return t.Year
	}
}

func (t Tuple) validate() error {
	for f := Field(0); f < fieldCount; f++ {
		min, max := f.Bounds()
		if v := t.value(f); v < min || v > max {
			return fmt.Errorf("%w: %s=%d not in [%d,%d]", ErrOutOfRange, f, v, min, max)
		}
	}
	return nil
}

// DateTimeMatcher is one cron expression: seven field matchers combined with AND.
type DateTimeMatcher struct {
	fields [fieldCount]*FieldMatcher
}

// NewDateTimeMatcher combines seven field matchers. Each matcher must belong to
// the field of its position. A nil matcher stands for a wildcard.
func NewDateTimeMatcher(second, minute, hour, dayOfMonth, month, dayOfWeek, year *FieldMatcher) (*DateTimeMatcher, error) {
	m := &DateTimeMatcher{}
	in := [fieldCount]*FieldMatcher{second, minute, hour, dayOfMonth, month, dayOfWeek, year}
	for f := Field(0); f < fieldCount; f++ {
		fm := in[f]
		if fm == nil {
			fm = Wildcard(f)
		}
		if fm.field != f {
			return nil, fmt.Errorf("%w: %s matcher given as %s", ErrFieldMismatch, fm.field, f)
		}
		m.fields[f] = fm
	}
	if !m.possible() {
		return nil, fmt.Errorf("%w: day_of_month=%s month=%s year=%s",
			ErrImpossible, m.fields[DayOfMonth], m.fields[Month], m.fields[Year])
	}
	return m, nil
}

// possible rejects day/month/year combinations that can never occur.
func (m *DateTimeMatcher) possible() bool {
	leap := false
	for _, y := range m.fields[Year].values {
		if isLeap(y) {
			leap = true
			break
		}
	}
	for _, mo := range m.fields[Month].values {
		for _, d := range m.fields[DayOfMonth].values {
			switch {
			case d <= 28:
				return true
			case mo == 2:
				if d == 29 && leap {
					return true
				}
			case d <= daysIn(2001, mo):
				return true
			}
		}
	}
	return false
}

// Field returns the matcher of one field.
func (m *DateTimeMatcher) Field(f Field) *FieldMatcher {
	if !f.valid() {
		return nil
	}
	return m.fields[f]
}

// Match reports whether every field accepts its component of t.
func (m *DateTimeMatcher) Match(t Tuple) (bool, error) {
	ok := true
	for f := Field(0); f < fieldCount; f++ {
		hit, err := m.fields[f].Match(t.value(f))
		if err != nil {
			return false, err
		}
		ok = ok && hit
	}
	return ok, nil
}

// NextMatchAfter returns the earliest wall-clock instant strictly after t that
// satisfies every field, as a time in loc. t.DayOfWeek is validated but not used:
// the weekday of a candidate is derived from its date.
//
// Fields carry from coarse to fine: when a field advances, every finer field
// restarts from its matcher minimum.
func (m *DateTimeMatcher) NextMatchAfter(t Tuple, loc *time.Location) (time.Time, error) {
	if err := t.validate(); err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}

	year, month, day := t.Year, t.Month, t.DayOfMonth
	hour, minute, second := t.Hour, t.Minute, t.Second+1

	years := 0
YEAR:
	for {
		ny, ok := m.fields[Year].Ceil(year)
		if !ok {
			return time.Time{}, ErrUnsatisfiable
		}
		if ny != year {
			year, month, day = ny, 1, 1
			hour, minute, second = 0, 0, 0
		}
		years++
		if years > SearchHorizonYears {
			return time.Time{}, ErrUnsatisfiable
		}

	MONTH:
		for {
			nm, ok := m.fields[Month].Ceil(month)
			if !ok {
				year, month, day = year+1, 1, 1
				hour, minute, second = 0, 0, 0
				continue YEAR
			}
			if nm != month {
				month, day = nm, 1
				hour, minute, second = 0, 0, 0
			}

			for {
				nd, ok := m.nextDay(year, month, day)
				if !ok {
					month, day = month+1, 1
					hour, minute, second = 0, 0, 0
					continue MONTH
				}
				if nd != day {
					day = nd
					hour, minute, second = 0, 0, 0
				}

				nh, ok := m.fields[Hour].Ceil(hour)
				if !ok {
					day++
					hour, minute, second = 0, 0, 0
					continue
				}
				if nh != hour {
					hour = nh
					minute, second = 0, 0
				}

				nmin, ok := m.fields[Minute].Ceil(minute)
				if !ok {
					hour++
					minute, second = 0, 0
					continue
				}
				if nmin != minute {
					minute = nmin
					second = 0
				}

				ns, ok := m.fields[Second].Ceil(second)
				if !ok {
					minute++
					second = 0
					continue
				}
				return time.Date(year, time.Month(month), day, hour, minute, ns, 0, loc), nil
			}
		}
	}
}

// nextDay returns the first day >= day in the month accepted by both the
// day-of-month and the day-of-week matchers.
func (m *DateTimeMatcher) nextDay(year, month, day int) (int, bool) {
	dim := daysIn(year, month)
	for day <= dim {
		d, ok := m.fields[DayOfMonth].Ceil(day)
		if !ok || d > dim {
			return 0, false
		}
		wd := int(time.Date(year, time.Month(month), d, 0, 0, 0, 0, time.UTC).Weekday())
		if m.fields[DayOfWeek].accept[wd-m.fields[DayOfWeek].min] {
			return d, true
		}
		day = d + 1
	}
	return 0, false
}

// NextAfter returns the earliest match strictly after the instant t, evaluated in
// t's location. Unlike NextMatchAfter it also guarantees the result is later in
// absolute time when a wall-clock hour repeats.
func (m *DateTimeMatcher) NextAfter(t time.Time) (time.Time, error) {
	return nextAfter(m.NextMatchAfter, t)
}

func (m *DateTimeMatcher) String() string {
	parts := make([]string, fieldCount)
	for f := Field(0); f < fieldCount; f++ {
		parts[f] = m.fields[f].String()
	}
	return strings.Join(parts, " ")
}

func nextAfter(next func(Tuple, *time.Location) (time.Time, error), t time.Time) (time.Time, error) {
	loc := t.Location()
	res, err := next(TupleOf(t), loc)
	for i := 0; err == nil && !res.After(t); i++ {
		if i >= maxDSTRetries {
			return time.Time{}, ErrUnsatisfiable
		}
		res, err = next(TupleOf(res), loc)
	}
	return res, err
}

func isLeap(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

func daysIn(year, month int) int {
	switch month {
	case 2:
		if isLeap(year) {
			return 29
		}
		return 28
	case 4, 6, 9, 11:
		return 30
	default:
		return 31
	}
}
