// Package pattern holds the calendar matchers behind a cron schedule.
//
// A schedule is described by three immutable layers:
//   - FieldMatcher: the accepted values of one calendar field (second, minute, ...).
//   - DateTimeMatcher: seven FieldMatchers combined with AND.
//   - MatcherTable: several DateTimeMatchers combined with OR (an expression list).
//
// Day-of-month and day-of-week are both plain AND constraints. Some cron dialects
// switch to OR when one of the two is restricted and the other is a wildcard; this
// package does not. Upstream parsers that want that behavior must encode it before
// building the matchers.
//
// Every tuple field is range checked, seconds included. There is no
// "ignore seconds" sentinel: a Second of -1 is ErrOutOfRange. A minute-resolution
// schedule is a second matcher accepting only 0.
//
// Text parsing does not happen here; see internal/cron/parse.
package pattern
