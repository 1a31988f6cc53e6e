// Package clock abstracts the notion of "now" and deferred callbacks so the
// control plane never reads the wall clock directly. Components receive a
// Clock at construction; production wiring uses System, tests drive a Manual
// clock deterministically.
package clock

import "time"

// Timer is a handle to a scheduled callback. Cancel reports whether the
// callback was stopped before it fired.
type Timer interface {
	Cancel() bool
}

// Clock supplies current time and single-shot scheduling.
type Clock interface {
	Now() time.Time
	ScheduleAfter(d time.Duration, fn func()) Timer
}

// System is the wall-clock implementation backed by the time package.
type System struct{}

func NewSystem() System { return System{} }

func (System) Now() time.Time { return time.Now() }

func (System) ScheduleAfter(d time.Duration, fn func()) Timer {
	return systemTimer{t: time.AfterFunc(d, fn)}
}

type systemTimer struct {
	t *time.Timer
}

func (s systemTimer) Cancel() bool { return s.t.Stop() }
