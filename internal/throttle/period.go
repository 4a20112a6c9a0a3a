package throttle

import (
	"fmt"
	"time"
)

// PeriodBoundaryPolicy reports whether the counting window that started at
// resetAt has ended by now. A nil resetAt means the window was never opened.
type PeriodBoundaryPolicy interface {
	IsNewPeriod(resetAt *time.Time, now time.Time) bool
}

type PeriodFunc func(resetAt *time.Time, now time.Time) bool

func (f PeriodFunc) IsNewPeriod(resetAt *time.Time, now time.Time) bool {
	return f(resetAt, now)
}

// CalendarDay starts a new period at local midnight in its location.
type CalendarDay struct {
	loc *time.Location
}

func NewCalendarDay(timezone string) (*CalendarDay, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return &CalendarDay{loc: loc}, nil
}

func CalendarDayIn(loc *time.Location) *CalendarDay {
	if loc == nil {
		loc = time.UTC
	}
	return &CalendarDay{loc: loc}
}

func (c *CalendarDay) IsNewPeriod(resetAt *time.Time, now time.Time) bool {
	if resetAt == nil {
		return true
	}
	ry, rm, rd := resetAt.In(c.loc).Date()
	ny, nm, nd := now.In(c.loc).Date()
	return ry != ny || rm != nm || rd != nd
}
