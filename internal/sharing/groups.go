package sharing

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"spendsync/internal/audit"
	"spendsync/internal/model"
	"spendsync/internal/storage"
	"spendsync/internal/throttle"
)

type Groups struct {
	store       storage.Store
	preferences *Preferences
	gate        gate
}

func NewGroups(store storage.Store, preferences *Preferences, limits *Limits, recorder *audit.Recorder, logger *slog.Logger) *Groups {
	return &Groups{store: store, preferences: preferences, gate: newGate(limits, recorder, logger)}
}

func groupPath(op, app, group string) (string, error) {
	if app == "" || group == "" {
		return "", model.Invalid(op, "app and group are required")
	}
	path, err := storage.Path("apps", app, "shared_groups", group)
	if err != nil {
		return "", &model.Error{Code: model.EINVALID, Op: op, Message: "invalid app or group id", Err: err}
	}
	return path, nil
}

// Create starts a group owned by owner with sharing enabled; members still
// opt in individually.
func (g *Groups) Create(ctx context.Context, app, owner, name string) (model.SharedGroup, error) {
	const op = "sharing.create_group"
	name = strings.TrimSpace(name)
	if owner == "" || name == "" {
		return model.SharedGroup{}, model.Invalid(op, "owner and name are required")
	}
	id := uuid.NewString()
	path, err := groupPath(op, app, id)
	if err != nil {
		return model.SharedGroup{}, err
	}
	var out model.SharedGroup
	err = g.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := model.At(g.store.Now())
		out = model.SharedGroup{
			ID:                        id,
			Name:                      name,
			OwnerID:                   owner,
			Members:                   []string{owner},
			TransactionSharingEnabled: true,
			CreatedAt:                 now,
			UpdatedAt:                 now,
		}
		return tx.Set(path, out)
	})
	return out, err
}

func (g *Groups) Get(ctx context.Context, app, group string) (model.SharedGroup, error) {
	const op = "sharing.get_group"
	path, err := groupPath(op, app, group)
	if err != nil {
		return model.SharedGroup{}, err
	}
	var sg model.SharedGroup
	found, err := g.store.Get(ctx, path, &sg)
	if err != nil {
		return model.SharedGroup{}, err
	}
	if !found {
		return model.SharedGroup{}, model.NotFound(op, "group", group)
	}
	return sg, nil
}

// ToggleTransactionSharing lets the owner switch sharing for the whole
// group, subject to the group-level cooldown and daily cap.
func (g *Groups) ToggleTransactionSharing(ctx context.Context, app, group, actor string, enabled bool) (model.SharedGroup, throttle.Result, error) {
	const op = "sharing.toggle_transaction_sharing"
	path, err := groupPath(op, app, group)
	if err != nil {
		return model.SharedGroup{}, throttle.Result{}, err
	}
	var (
		out model.SharedGroup
		res throttle.Result
		now time.Time
	)
	err = g.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		now = g.store.Now()
		var sg model.SharedGroup
		found, err := tx.Get(path, &sg)
		if err != nil {
			return err
		}
		if !found {
			return model.NotFound(op, "group", group)
		}
		if sg.OwnerID != actor {
			return model.Forbidden(op, "only the group owner can change transaction sharing")
		}
		out = sg
		if sg.TransactionSharingEnabled == enabled {
			res = throttle.Result{Allowed: true}
			return nil
		}
		settings := g.gate.limits.Load()
		res = g.gate.evaluator.Evaluate(sg.RateLimitState, settings.Group, settings.Period, now)
		if !res.Allowed {
			return nil
		}
		sg.TransactionSharingEnabled = enabled
		sg.RateLimitState = throttle.Advance(sg.RateLimitState, settings.Period, now)
		sg.UpdatedAt = model.At(now)
		out = sg
		return tx.Set(path, sg)
	})
	if err != nil {
		return model.SharedGroup{}, throttle.Result{}, err
	}
	g.gate.report(model.ThrottleScopeGroup, app, actor, group, res, now)
	return out, res, nil
}

// Join adds user to the group. Joining twice is not an error.
func (g *Groups) Join(ctx context.Context, app, group, user string) (model.SharedGroup, error) {
	const op = "sharing.join_group"
	if user == "" {
		return model.SharedGroup{}, model.Invalid(op, "user is required")
	}
	path, err := groupPath(op, app, group)
	if err != nil {
		return model.SharedGroup{}, err
	}
	var out model.SharedGroup
	err = g.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		var sg model.SharedGroup
		found, err := tx.Get(path, &sg)
		if err != nil {
			return err
		}
		if !found {
			return model.NotFound(op, "group", group)
		}
		out = sg
		if sg.HasMember(user) {
			return nil
		}
		members := append(append([]string(nil), sg.Members...), user)
		out.Members = members
		out.UpdatedAt = model.At(g.store.Now())
		return tx.Update(path, map[string]any{
			"members":   members,
			"updatedAt": out.UpdatedAt,
		})
	})
	return out, err
}

// Leave removes user from the group and then drops their sharing
// preference. The owner cannot leave their own group.
func (g *Groups) Leave(ctx context.Context, app, group, user string) error {
	const op = "sharing.leave_group"
	if user == "" {
		return model.Invalid(op, "user is required")
	}
	path, err := groupPath(op, app, group)
	if err != nil {
		return err
	}
	err = g.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		var sg model.SharedGroup
		found, err := tx.Get(path, &sg)
		if err != nil {
			return err
		}
		if !found {
			return model.NotFound(op, "group", group)
		}
		if sg.OwnerID == user {
			return model.Forbidden(op, "the owner cannot leave the group")
		}
		if !sg.HasMember(user) {
			return model.NotFound(op, "member", user)
		}
		members := make([]string, 0, len(sg.Members)-1)
		for _, m := range sg.Members {
			if m != user {
				members = append(members, m)
			}
		}
		return tx.Update(path, map[string]any{
			"members":   members,
			"updatedAt": model.At(g.store.Now()),
		})
	})
	if err != nil {
		return err
	}
	if g.preferences == nil {
		return nil
	}
	return g.preferences.Delete(ctx, user, app, group)
}
