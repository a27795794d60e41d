package scheduler

import (
	"hash/fnv"
	"time"
)

const maxStartupSpread = 30 * time.Second

// startupSpread offsets the first firing of an interval schedule by a phase
// derived from its name, below min(every, maxStartupSpread) and in whole
// milliseconds. A name keeps its phase across reloads and restarts.
func startupSpread(every time.Duration, name string) time.Duration {
	window := min(every, maxStartupSpread).Milliseconds()
	if window <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return time.Duration(h.Sum64()%uint64(window)) * time.Millisecond
}
