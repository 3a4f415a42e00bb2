package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule reports a malformed notification schedule.
var ErrInvalidSchedule = errors.New("invalid schedule")

// ScheduleKind tells which variant a Schedule holds.
type ScheduleKind string

// Supported schedule kinds.
const (
	ScheduleCron      ScheduleKind = "cron"
	ScheduleCountdown ScheduleKind = "countdown"
)

// Schedule describes when a notification fires: either a recurring cron
// expression or a one-shot countdown. The zero value is invalid; use
// NewCronSchedule or NewCountdownSchedule.
type Schedule struct {
	kind      ScheduleKind
	cron      string
	countdown time.Duration
}

// NewCronSchedule validates expr as a standard five-field cron expression.
func NewCronSchedule(expr string) (Schedule, error) {
	if _, err := cron.ParseStandard(expr); err != nil {
		return Schedule{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, expr, err)
	}
	return Schedule{kind: ScheduleCron, cron: expr}, nil
}

// NewCountdownSchedule builds a one-shot schedule firing d after creation.
// d must be a positive whole number of seconds.
func NewCountdownSchedule(d time.Duration) (Schedule, error) {
	if d < time.Second {
		return Schedule{}, fmt.Errorf("%w: countdown must be at least 1s, got %s", ErrInvalidSchedule, d)
	}
	if d%time.Second != 0 {
		return Schedule{}, fmt.Errorf("%w: countdown must be whole seconds, got %s", ErrInvalidSchedule, d)
	}
	return Schedule{kind: ScheduleCountdown, countdown: d}, nil
}

// Kind returns the schedule variant.
func (s Schedule) Kind() ScheduleKind { return s.kind }

// Cron returns the cron expression; empty for countdown schedules.
func (s Schedule) Cron() string { return s.cron }

// Countdown returns the countdown duration; zero for cron schedules.
func (s Schedule) Countdown() time.Duration { return s.countdown }

// Valid reports whether s was built through a constructor.
func (s Schedule) Valid() bool {
	return s.kind == ScheduleCron || s.kind == ScheduleCountdown
}

// Next returns the end of the reminder window that starts at now.
func (s Schedule) Next(now time.Time) (time.Time, error) {
	switch s.kind {
	case ScheduleCountdown:
		return now.Add(s.countdown), nil
	case ScheduleCron:
		sched, err := cron.ParseStandard(s.cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, s.cron, err)
		}
		return sched.Next(now), nil
	}
	return time.Time{}, fmt.Errorf("%w: empty schedule", ErrInvalidSchedule)
}

func (s Schedule) String() string {
	switch s.kind {
	case ScheduleCron:
		return "cron(" + s.cron + ")"
	case ScheduleCountdown:
		return "in(" + s.countdown.String() + ")"
	}
	return "invalid"
}
