package sharing

import (
	"context"
	"log/slog"
	"time"

	"spendsync/internal/audit"
	"spendsync/internal/model"
	"spendsync/internal/storage"
	"spendsync/internal/throttle"
)

type Preferences struct {
	store storage.Store
	gate  gate
}

func NewPreferences(store storage.Store, limits *Limits, recorder *audit.Recorder, logger *slog.Logger) *Preferences {
	return &Preferences{store: store, gate: newGate(limits, recorder, logger)}
}

func preferencePath(op, user, app, group string) (string, error) {
	if user == "" || app == "" || group == "" {
		return "", model.Invalid(op, "user, app and group are required")
	}
	path, err := storage.Path("apps", app, "users", user, "group_preferences", group)
	if err != nil {
		return "", &model.Error{Code: model.EINVALID, Op: op, Message: "invalid user, app or group id", Err: err}
	}
	return path, nil
}

func defaultPreference(user, group string, now time.Time) model.GroupPreference {
	return model.GroupPreference{
		UserID:    user,
		GroupID:   group,
		CreatedAt: model.At(now),
		UpdatedAt: model.At(now),
	}
}

// Get returns the stored preference or the default, without writing.
func (p *Preferences) Get(ctx context.Context, user, app, group string) (model.GroupPreference, error) {
	const op = "sharing.get_preference"
	path, err := preferencePath(op, user, app, group)
	if err != nil {
		return model.GroupPreference{}, err
	}
	var pref model.GroupPreference
	found, err := p.store.Get(ctx, path, &pref)
	if err != nil {
		return model.GroupPreference{}, err
	}
	if !found {
		return defaultPreference(user, group, time.Time{}), nil
	}
	return pref, nil
}

// SetShareMyTransactions flips the member's opt-in. Only current members of
// an existing group may set it. A throttled attempt
// writes nothing and comes back as a disallowed Result with a nil error.
// Asking for the value already stored is allowed and uses no quota.
func (p *Preferences) SetShareMyTransactions(ctx context.Context, user, app, group string, share bool) (model.GroupPreference, throttle.Result, error) {
	const op = "sharing.set_share_my_transactions"
	path, err := preferencePath(op, user, app, group)
	if err != nil {
		return model.GroupPreference{}, throttle.Result{}, err
	}
	gpath, err := groupPath(op, app, group)
	if err != nil {
		return model.GroupPreference{}, throttle.Result{}, err
	}
	var (
		out model.GroupPreference
		res throttle.Result
		now time.Time
	)
	err = p.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		now = p.store.Now()
		// membership is part of the read set, so a concurrent Leave reruns us
		var sg model.SharedGroup
		found, err := tx.Get(gpath, &sg)
		if err != nil {
			return err
		}
		if !found {
			return model.NotFound(op, "group", group)
		}
		if !sg.HasMember(user) {
			return model.Forbidden(op, "only group members can share transactions")
		}
		var pref model.GroupPreference
		found, err = tx.Get(path, &pref)
		if err != nil {
			return err
		}
		if !found {
			pref = defaultPreference(user, group, now)
		}
		out = pref
		if pref.ShareMyTransactions == share {
			res = throttle.Result{Allowed: true}
			return nil
		}
		settings := p.gate.limits.Load()
		res = p.gate.evaluator.Evaluate(pref.RateLimitState, settings.Preference, settings.Period, now)
		if !res.Allowed {
			return nil
		}
		pref.ShareMyTransactions = share
		pref.RateLimitState = throttle.Advance(pref.RateLimitState, settings.Period, now)
		pref.UpdatedAt = model.At(now)
		out = pref
		return tx.Set(path, pref)
	})
	if err != nil {
		return model.GroupPreference{}, throttle.Result{}, err
	}
	p.gate.report(model.ThrottleScopePreference, app, user, group, res, now)
	return out, res, nil
}

// Delete removes the preference; used when membership ends.
func (p *Preferences) Delete(ctx context.Context, user, app, group string) error {
	const op = "sharing.delete_preference"
	path, err := preferencePath(op, user, app, group)
	if err != nil {
		return err
	}
	return p.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.Delete(path)
	})
}
