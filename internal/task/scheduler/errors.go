package scheduler

import "errors"

var (
	ErrNameRequired    = errors.New("scheduler: name required")
	ErrJobRequired     = errors.New("scheduler: job required")
	ErrUnknownSchedule = errors.New("scheduler: unknown schedule")
	ErrNoFireTime      = errors.New("scheduler: schedule never fires")
)
