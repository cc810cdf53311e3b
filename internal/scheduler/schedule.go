package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type scheduleKind int

const (
	kindNone scheduleKind = iota
	kindCron
	kindInterval
	kindOnce
)

// Schedule describes when a job fires. Build one with Cron, CronIn, Every or
// Once; the zero value is invalid and rejected at registration.
type Schedule struct {
	kind  scheduleKind
	expr  string
	spec  cron.Schedule
	every time.Duration
	at    time.Time
}

// Cron builds a schedule from a standard 5-field cron expression.
func Cron(expr string) (Schedule, error) {
	spec, err := cron.ParseStandard(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	return Schedule{kind: kindCron, expr: expr, spec: spec}, nil
}

// CronIn builds a cron schedule evaluated in the given IANA timezone.
func CronIn(expr, tz string) (Schedule, error) {
	if tz == "" {
		return Cron(expr)
	}
	spec, err := cron.ParseStandard("CRON_TZ=" + tz + " " + expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: %q in %q: %v", ErrInvalidSchedule, expr, tz, err)
	}
	return Schedule{kind: kindCron, expr: expr, spec: spec}, nil
}

// Every builds a fixed-interval schedule.
func Every(d time.Duration) Schedule {
	return Schedule{kind: kindInterval, every: d}
}

// Once builds a one-shot schedule that fires at the given instant and never
// again.
func Once(at time.Time) Schedule {
	return Schedule{kind: kindOnce, at: at}
}

// Next returns the first fire time strictly after t, or the zero time when
// the schedule is exhausted.
func (s Schedule) Next(t time.Time) time.Time {
	switch s.kind {
	case kindCron:
		return s.spec.Next(t)
	case kindInterval:
		if s.every <= 0 {
			return time.Time{}
		}
		return t.Add(s.every)
	case kindOnce:
		if s.at.After(t) {
			return s.at
		}
		return time.Time{}
	}
	return time.Time{}
}

func (s Schedule) valid() bool { return s.kind != kindNone }

func (s Schedule) String() string {
	switch s.kind {
	case kindCron:
		return s.expr
	case kindInterval:
		return "@every " + s.every.String()
	case kindOnce:
		return "@at " + s.at.Format(time.RFC3339)
	}
	return ""
}
