package main

import "time"

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Cancel stops a scheduled callback. Stop reports whether the callback was
// prevented from running; *time.Timer satisfies it.
type Cancel interface {
	Stop() bool
}

// Scheduler runs fn once after d on some other goroutine.
type Scheduler interface {
	ScheduleAfter(d time.Duration, fn func()) Cancel
}

type realScheduler struct{}

func (realScheduler) ScheduleAfter(d time.Duration, fn func()) Cancel {
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(d, fn)
}
