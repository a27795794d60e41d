package pattern

import (
	"errors"
	"strings"
	"time"
)

// MatcherTable is an OR list of DateTimeMatchers. It is immutable; redefining a
// schedule builds a new table.
type MatcherTable struct {
	matchers []*DateTimeMatcher
}

// NewMatcherTable builds a table from at least one matcher.
func NewMatcherTable(matchers ...*DateTimeMatcher) (*MatcherTable, error) {
	if len(matchers) == 0 {
		return nil, ErrEmptyTable
	}
	t := &MatcherTable{matchers: make([]*DateTimeMatcher, 0, len(matchers))}
	for _, m := range matchers {
		if m == nil {
			return nil, ErrEmptyTable
		}
		t.matchers = append(t.matchers, m)
	}
	return t, nil
}

// Len returns the number of sub-expressions.
func (t *MatcherTable) Len() int { return len(t.matchers) }

// Matchers returns the sub-expressions in insertion order.
func (t *MatcherTable) Matchers() []*DateTimeMatcher {
	return append([]*DateTimeMatcher(nil), t.matchers...)
}

// Match reports whether any sub-expression matches.
func (t *MatcherTable) Match(tuple Tuple) (bool, error) {
	for _, m := range t.matchers {
		ok, err := m.Match(tuple)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// NextMatchAfter returns the earliest next match across all sub-expressions.
// Sub-expressions without a match inside the horizon are skipped; if none has
// one, ErrUnsatisfiable is returned.
func (t *MatcherTable) NextMatchAfter(tuple Tuple, loc *time.Location) (time.Time, error) {
	var (
		best  time.Time
		found bool
	)
	for _, m := range t.matchers {
		next, err := m.NextMatchAfter(tuple, loc)
		if errors.Is(err, ErrUnsatisfiable) {
			continue
		}
		if err != nil {
			return time.Time{}, err
		}
		if !found || next.Before(best) {
			best, found = next, true
		}
	}
	if !found {
		return time.Time{}, ErrUnsatisfiable
	}
	return best, nil
}

// NextAfter returns the earliest match strictly after the instant t, evaluated in
// t's location.
func (t *MatcherTable) NextAfter(at time.Time) (time.Time, error) {
	return nextAfter(t.NextMatchAfter, at)
}

func (t *MatcherTable) String() string {
	parts := make([]string, len(t.matchers))
	for i, m := range t.matchers {
		parts[i] = m.String()
	}
	return strings.Join(parts, " | ")
}
