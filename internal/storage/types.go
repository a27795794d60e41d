package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// DefaultKeep bounds how many runs a store retains.
const DefaultKeep = 10000

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file with periodic compaction
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Keep        int           // retained runs; 0 means DefaultKeep
}

func (c Config) keep() int {
	if c.Keep <= 0 {
		return DefaultKeep
	}
	return c.Keep
}

// RunRecord is one finished, failed or dropped task run.
type RunRecord struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	Started     time.Time     `json:"started"`
	QueueDelay  time.Duration `json:"queue_delay"`
	Duration    time.Duration `json:"duration"`
	Result      string        `json:"result"`
	Error       string        `json:"error,omitempty"`
}
