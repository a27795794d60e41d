package pattern

import (
	"errors"
	"testing"
	"time"
)

func TestMatcherTableMatchIsOr(t *testing.T) {
	t.Parallel()
	onTheHour := mustMatcher(t, mustField(t, Second, 0), mustField(t, Minute, 0), nil, nil, nil, nil, nil)
	halfPast := mustMatcher(t, mustField(t, Second, 0), mustField(t, Minute, 30), nil, nil, nil, nil, nil)
	table, err := NewMatcherTable(onTheHour, halfPast)
	if err != nil {
		t.Fatalf("NewMatcherTable error: %v", err)
	}

	tests := []struct {
		at   time.Time
		want bool
	}{
		{utc(2024, time.May, 1, 10, 0, 0), true},
		{utc(2024, time.May, 1, 10, 30, 0), true},
		{utc(2024, time.May, 1, 10, 15, 0), false},
		{utc(2024, time.May, 1, 10, 30, 1), false},
	}
	for _, tt := range tests {
		got, err := table.Match(TupleOf(tt.at))
		if err != nil {
			t.Fatalf("Match(%v) error: %v", tt.at, err)
		}
		if got != tt.want {
			t.Fatalf("Match(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestMatcherTableNextMatchAfterIsMinimum(t *testing.T) {
	t.Parallel()
	onTheHour := mustMatcher(t, mustField(t, Second, 0), mustField(t, Minute, 0), nil, nil, nil, nil, nil)
	halfPast := mustMatcher(t, mustField(t, Second, 0), mustField(t, Minute, 30), nil, nil, nil, nil, nil)
	table, err := NewMatcherTable(onTheHour, halfPast)
	if err != nil {
		t.Fatalf("NewMatcherTable error: %v", err)
	}

	tests := []struct {
		from time.Time
		want time.Time
	}{
		{utc(2024, time.May, 1, 10, 10, 0), utc(2024, time.May, 1, 10, 30, 0)},
		{utc(2024, time.May, 1, 10, 40, 0), utc(2024, time.May, 1, 11, 0, 0)},
		{utc(2024, time.May, 1, 10, 30, 0), utc(2024, time.May, 1, 11, 0, 0)},
		{utc(2024, time.December, 31, 23, 59, 59), utc(2025, time.January, 1, 0, 0, 0)},
	}
	for _, tt := range tests {
		got, err := table.NextMatchAfter(TupleOf(tt.from), time.UTC)
		if err != nil {
			t.Fatalf("NextMatchAfter(%v) error: %v", tt.from, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("NextMatchAfter(%v) = %v, want %v", tt.from, got, tt.want)
		}
	}
}

func TestMatcherTableSkipsUnsatisfiable(t *testing.T) {
	t.Parallel()
	past := mustMatcher(t, nil, nil, nil, nil, nil, nil, mustField(t, Year, 2020))
	daily := mustMatcher(t, mustField(t, Second, 0), mustField(t, Minute, 0), mustField(t, Hour, 12), nil, nil, nil, nil)
	table, err := NewMatcherTable(past, daily)
	if err != nil {
		t.Fatalf("NewMatcherTable error: %v", err)
	}
	got, err := table.NextMatchAfter(TupleOf(utc(2024, time.May, 1, 13, 0, 0)), time.UTC)
	if err != nil {
		t.Fatalf("NextMatchAfter error: %v", err)
	}
	if want := utc(2024, time.May, 2, 12, 0, 0); !got.Equal(want) {
		t.Fatalf("NextMatchAfter = %v, want %v", got, want)
	}

	only, err := NewMatcherTable(past)
	if err != nil {
		t.Fatalf("NewMatcherTable error: %v", err)
	}
	if _, err := only.NextMatchAfter(TupleOf(utc(2024, time.May, 1, 13, 0, 0)), time.UTC); !errors.Is(err, ErrUnsatisfiable) {
		t.Fatalf("err = %v, want ErrUnsatisfiable", err)
	}
}

func TestNewMatcherTableRejectsEmpty(t *testing.T) {
	t.Parallel()
	if _, err := NewMatcherTable(); !errors.Is(err, ErrEmptyTable) {
		t.Fatalf("empty err = %v, want ErrEmptyTable", err)
	}
	if _, err := NewMatcherTable(nil); !errors.Is(err, ErrEmptyTable) {
		t.Fatalf("nil entry err = %v, want ErrEmptyTable", err)
	}
}

func TestMatcherTableString(t *testing.T) {
	t.Parallel()
	a := mustMatcher(t, mustField(t, Second, 0), mustField(t, Minute, 0), nil, nil, nil, nil, nil)
	b := mustMatcher(t, mustField(t, Second, 0), mustField(t, Minute, 30), nil, nil, nil, nil, nil)
	table, err := NewMatcherTable(a, b)
	if err != nil {
		t.Fatalf("NewMatcherTable error: %v", err)
	}
	want := "0 0 * * * * * | 0 30 * * * * *"
	if got := table.String(); got != want {
		t.Fatalf("String = %q, want %q", got, want)
	}
	if table.Len() != 2 {
		t.Fatalf("Len = %d, want 2", table.Len())
	}
}

func TestMatcherTableMatchRejectsNegativeSecond(t *testing.T) {
	t.Parallel()
	everyMinute := mustMatcher(t, mustField(t, Second, 0), nil, nil, nil, nil, nil, nil)
	table, err := NewMatcherTable(everyMinute)
	if err != nil {
		t.Fatalf("NewMatcherTable error: %v", err)
	}
	tuple := TupleOf(utc(2024, time.May, 1, 10, 15, 0))
	tuple.Second = -1
	if _, err := table.Match(tuple); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Match(second -1) err = %v, want ErrOutOfRange", err)
	}
}
