// Package sharing owns the two throttled sharing switches: a member's
// opt-in for their own transactions and the owner's group-wide toggle.
package sharing

import (
	"log/slog"
	"sync/atomic"
	"time"

	"spendsync/internal/audit"
	"spendsync/internal/config"
	"spendsync/internal/metrics"
	"spendsync/internal/model"
	"spendsync/internal/throttle"
)

// Settings is one consistent snapshot of the toggle limits.
type Settings struct {
	Preference throttle.Limits
	Group      throttle.Limits
	Period     throttle.PeriodBoundaryPolicy
}

func SettingsFromConfig(cfg config.SharingConfig) (Settings, error) {
	period, err := throttle.NewCalendarDay(cfg.Timezone)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		Preference: throttle.Limits{Cooldown: cfg.Preference.Cooldown, DailyLimit: cfg.Preference.DailyLimit},
		Group:      throttle.Limits{Cooldown: cfg.Group.Cooldown, DailyLimit: cfg.Group.DailyLimit},
		Period:     period,
	}, nil
}

// Limits holds the live Settings; Apply swaps them without blocking
// toggles in flight.
type Limits struct {
	current atomic.Pointer[Settings]
}

func NewLimits(s Settings) *Limits {
	l := &Limits{}
	l.Store(s)
	return l
}

func (l *Limits) Store(s Settings) {
	if s.Period == nil {
		s.Period = throttle.CalendarDayIn(time.UTC)
	}
	l.current.Store(&s)
}

func (l *Limits) Apply(cfg config.SharingConfig) error {
	s, err := SettingsFromConfig(cfg)
	if err != nil {
		return err
	}
	l.Store(s)
	return nil
}

func (l *Limits) Load() Settings {
	if s := l.current.Load(); s != nil {
		return *s
	}
	return Settings{Period: throttle.CalendarDayIn(time.UTC)}
}

// gate evaluates toggles and reports rejections. Reporting happens after
// the transaction settles, never from inside a possibly rerun function.
type gate struct {
	limits    *Limits
	evaluator throttle.Evaluator
	audit     *audit.Recorder
	logger    *slog.Logger
}

func newGate(limits *Limits, recorder *audit.Recorder, logger *slog.Logger) gate {
	return gate{
		limits:    limits,
		evaluator: throttle.Evaluator{Logger: logger},
		audit:     recorder,
		logger:    logger,
	}
}

func (g gate) report(scope model.ThrottleScope, app, user, group string, res throttle.Result, now time.Time) {
	if res.Allowed {
		metrics.ThrottleDecisions.WithLabelValues(string(scope), "allowed").Inc()
		return
	}
	metrics.ThrottleDecisions.WithLabelValues(string(scope), string(res.Reason)).Inc()
	g.audit.Add(model.ThrottleEvent{
		Timestamp:   model.At(now),
		Scope:       scope,
		AppID:       app,
		UserID:      user,
		GroupID:     group,
		Reason:      string(res.Reason),
		WaitMinutes: res.WaitMinutes,
	})
	if g.logger != nil {
		g.logger.Info("sharing toggle throttled",
			"scope", scope, "app", app, "user", user, "group", group,
			"reason", res.Reason, "wait_minutes", res.WaitMinutes)
	}
}
