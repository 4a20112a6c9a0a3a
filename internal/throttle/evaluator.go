// Package throttle decides whether a cooldown- and daily-capped action may
// run now. Evaluation is pure: callers persist the outcome themselves,
// normally inside the same document transaction that read the state.
package throttle

import (
	"log/slog"
	"math"
	"time"

	"spendsync/internal/model"
)

type Reason string

const (
	ReasonCooldown   Reason = "cooldown"
	ReasonDailyLimit Reason = "daily_limit"
)

type Limits struct {
	Cooldown   time.Duration
	DailyLimit int
}

type Result struct {
	Allowed     bool   `json:"allowed"`
	Reason      Reason `json:"reason,omitempty"`
	WaitMinutes int    `json:"waitMinutes,omitempty"`
}

var allowed = Result{Allowed: true}

// Evaluate checks cooldown first, then the daily cap. A caller blocked by
// both is told about the cooldown.
func Evaluate(state model.RateLimitState, limits Limits, policy PeriodBoundaryPolicy, now time.Time) Result {
	return evaluate(state, limits, policy, now, nil)
}

// Evaluator is Evaluate with corruption reporting.
type Evaluator struct {
	Logger *slog.Logger
}

func (e Evaluator) Evaluate(state model.RateLimitState, limits Limits, policy PeriodBoundaryPolicy, now time.Time) Result {
	var report func(field string, err error)
	if e.Logger != nil {
		report = func(field string, err error) {
			e.Logger.Warn("ignoring unreadable rate limit timestamp", "field", field, "err", err)
		}
	}
	return evaluate(state, limits, policy, now, report)
}

func evaluate(state model.RateLimitState, limits Limits, policy PeriodBoundaryPolicy, now time.Time, report func(string, error)) Result {
	if limits.Cooldown > 0 {
		last, err := state.LastActionAt.Ptr()
		if err != nil && report != nil {
			report("lastActionAt", err)
		}
		// unreadable fails open: no cooldown in effect
		if err == nil && last != nil {
			elapsed := now.Sub(*last)
			if elapsed < limits.Cooldown {
				return Result{
					Reason:      ReasonCooldown,
					WaitMinutes: waitMinutes(limits.Cooldown - elapsed),
				}
			}
		}
	}

	if limits.DailyLimit <= 0 {
		return allowed
	}
	count := state.ActionCountToday
	if isNewPeriod(state, policy, now, report) {
		count = 0
	}
	if count >= limits.DailyLimit {
		return Result{Reason: ReasonDailyLimit}
	}
	return allowed
}

// Advance returns the state to persist once an action has been allowed.
func Advance(state model.RateLimitState, policy PeriodBoundaryPolicy, now time.Time) model.RateLimitState {
	next := state
	next.LastActionAt = model.At(now)
	if isNewPeriod(state, policy, now, nil) {
		next.ActionCountToday = 1
		next.CountResetAt = model.At(now)
		return next
	}
	next.ActionCountToday = state.ActionCountToday + 1
	return next
}

func isNewPeriod(state model.RateLimitState, policy PeriodBoundaryPolicy, now time.Time, report func(string, error)) bool {
	resetAt, err := state.CountResetAt.Ptr()
	if err != nil {
		if report != nil {
			report("countResetAt", err)
		}
		resetAt = nil
	}
	if policy == nil {
		return resetAt == nil
	}
	return policy.IsNewPeriod(resetAt, now)
}

func waitMinutes(remaining time.Duration) int {
	ms := remaining.Milliseconds()
	minutes := int(math.Ceil(float64(ms) / 60000))
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}
