package pattern

import (
	"fmt"
	"sort"
	"strings"
)

// Field identifies one calendar field of a schedule.
type Field int

const (
	Second Field = iota
	Minute
	Hour
	DayOfMonth
	Month
	DayOfWeek
	Year

	fieldCount = 7
)

const (
	MinYear = 1970
	MaxYear = 2099
)

var fieldBounds = [fieldCount]struct {
	name     string
	min, max int
}{
	Second:     {"second", 0, 59},
	Minute:     {"minute", 0, 59},
	Hour:       {"hour", 0, 23},
	DayOfMonth: {"day_of_month", 1, 31},
	Month:      {"month", 1, 12},
	DayOfWeek:  {"day_of_week", 0, 6},
	Year:       {"year", MinYear, MaxYear},
}

func (f Field) valid() bool { return f >= 0 && f < fieldCount }

// Bounds returns the inclusive value range of the field.
func (f Field) Bounds() (min, max int) {
	if !f.valid() {
		return 0, -1
	}
	b := fieldBounds[f]
	return b.min, b.max
}

func (f Field) String() string {
	if !f.valid() {
		return fmt.Sprintf("field(%d)", int(f))
	}
	return fieldBounds[f].name
}

// FieldMatcher is the immutable set of accepted values for one field.
type FieldMatcher struct {
	field  Field
	min    int
	max    int
	accept []bool // indexed by value-min
	values []int  // sorted, non-empty
}

// NewFieldMatcher builds a matcher accepting exactly the given values.
// Duplicates are ignored; order does not matter.
func NewFieldMatcher(field Field, values ...int) (*FieldMatcher, error) {
	if !field.valid() {
		return nil, fmt.Errorf("%w: unknown field %d", ErrFieldMismatch, int(field))
	}
	min, max := field.Bounds()
	m := &FieldMatcher{
		field:  field,
		min:    min,
		max:    max,
		accept: make([]bool, max-min+1),
	}
	for _, v := range values {
		if v < min || v > max {
			return nil, fmt.Errorf("%w: %s=%d not in [%d,%d]", ErrOutOfRange, field, v, min, max)
		}
		if m.accept[v-min] {
			continue
		}
		m.accept[v-min] = true
		m.values = append(m.values, v)
	}
	if len(m.values) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyField, field)
	}
	sort.Ints(m.values)
	return m, nil
}

// Wildcard returns a matcher accepting every value of the field.
func Wildcard(field Field) *FieldMatcher {
	min, max := field.Bounds()
	values := make([]int, 0, max-min+1)
	for v := min; v <= max; v++ {
		values = append(values, v)
	}
	m, err := NewFieldMatcher(field, values...)
	if err != nil {
		panic(err)
	}
	return m
}

// FieldFromBits builds a matcher from a bitset where bit v set means value v is
// accepted. Bits outside the field bounds are ignored. Only fields whose range fits
// in 64 bits can be expressed this way; Year cannot.
func FieldFromBits(field Field, bits uint64) (*FieldMatcher, error) {
	min, max := field.Bounds()
	if max > 63 {
		return nil, fmt.Errorf("%w: %s does not fit a 64-bit set", ErrFieldMismatch, field)
	}
	var values []int
	for v := min; v <= max; v++ {
		if bits&(1<<uint(v)) != 0 {
			values = append(values, v)
		}
	}
	return NewFieldMatcher(field, values...)
}

// Field returns the calendar field this matcher applies to.
func (m *FieldMatcher) Field() Field { return m.field }

// Match reports whether value is accepted.
func (m *FieldMatcher) Match(value int) (bool, error) {
	if value < m.min || value > m.max {
		return false, fmt.Errorf("%w: %s=%d not in [%d,%d]", ErrOutOfRange, m.field, value, m.min, m.max)
	}
	return m.accept[value-m.min], nil
}

// NextAfter returns the smallest accepted value strictly greater than value.
// When there is none, it wraps to MinValue and the caller carries into the next
// coarser field.
func (m *FieldMatcher) NextAfter(value int) int {
	if v, ok := m.Ceil(value + 1); ok {
		return v
	}
	return m.values[0]
}

// Ceil returns the smallest accepted value >= value. ok is false when value is past
// every accepted value.
func (m *FieldMatcher) Ceil(value int) (int, bool) {
	if value <= m.values[0] {
		return m.values[0], true
	}
	if value > m.max {
		return 0, false
	}
	for v := value; v <= m.max; v++ {
		if m.accept[v-m.min] {
			return v, true
		}
	}
	return 0, false
}

// MinValue returns the smallest accepted value.
func (m *FieldMatcher) MinValue() int { return m.values[0] }

// MaxValue returns the largest accepted value.
func (m *FieldMatcher) MaxValue() int { return m.values[len(m.values)-1] }

// Values returns a copy of the accepted values in ascending order.
func (m *FieldMatcher) Values() []int {
	return append([]int(nil), m.values...)
}

// IsWildcard reports whether every value in range is accepted.
func (m *FieldMatcher) IsWildcard() bool { return len(m.values) == m.max-m.min+1 }

func (m *FieldMatcher) String() string {
	if m.IsWildcard() {
		return "*"
	}
	parts := make([]string, len(m.values))
	for i, v := range m.values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}
