package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration. Empty means zero. path
// names the field in errors, e.g. "jobs[backup].timeout".
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: invalid duration %q", ErrInvalid, path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s: duration %s must be >= 0", ErrInvalid, path, d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// ParseTick parses the wheel tick. Tasks fire in the tick holding their
// expiration, so the tick must be whole milliseconds and divide one second for
// cron firings to land on the second. Empty or zero returns def unchecked.
func ParseTick(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	switch {
	case d == 0:
		return def, nil
	case d < time.Millisecond:
		return 0, fmt.Errorf("%w: %s: tick %s is below 1ms", ErrInvalid, path, d)
	case d%time.Millisecond != 0:
		return 0, fmt.Errorf("%w: %s: tick %s is not whole milliseconds", ErrInvalid, path, d)
	case time.Second%d != 0:
		return 0, fmt.Errorf("%w: %s: tick %s does not divide 1s", ErrInvalid, path, d)
	}
	return d, nil
}
