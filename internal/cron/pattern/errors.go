package pattern

import "errors"

var (
	// ErrOutOfRange reports a field value outside the field's [min,max] bounds.
	ErrOutOfRange = errors.New("pattern: value out of range")
	// ErrEmptyField reports a field matcher that accepts nothing.
	ErrEmptyField = errors.New("pattern: field accepts no value")
	// ErrFieldMismatch reports a matcher passed in the wrong position.
	ErrFieldMismatch = errors.New("pattern: field mismatch")
	// ErrImpossible reports a calendar combination that can never match.
	ErrImpossible = errors.New("pattern: impossible date combination")
	// ErrEmptyTable reports a MatcherTable without matchers.
	ErrEmptyTable = errors.New("pattern: matcher table is empty")
	// ErrUnsatisfiable reports that no match exists within the search horizon.
	ErrUnsatisfiable = errors.New("pattern: no match within search horizon")
)
