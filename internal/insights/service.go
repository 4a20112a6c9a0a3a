// Package insights keeps the per-user insight profile: transaction
// bookkeeping plus a bounded history of insights shown.
package insights

import (
	"context"
	"log/slog"
	"time"

	"spendsync/internal/model"
	"spendsync/internal/storage"
)

// MaxRecentInsights bounds the shown-insight history; the newest are kept.
const MaxRecentInsights = 50

type InsightShown struct {
	InsightID     string                `json:"insightId"`
	TransactionID string                `json:"transactionId,omitempty"`
	Content       *model.InsightContent `json:"content,omitempty"`
}

type Service struct {
	store  storage.Store
	logger *slog.Logger
}

func NewService(store storage.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

func profilePath(op, user, app string) (string, error) {
	if user == "" || app == "" {
		return "", model.Invalid(op, "user and app are required")
	}
	path, err := storage.Path("apps", app, "users", user, "insight_profile", "current")
	if err != nil {
		return "", &model.Error{Code: model.EINVALID, Op: op, Message: "invalid user or app id", Err: err}
	}
	return path, nil
}

func defaultProfile(now time.Time) model.InsightProfile {
	return model.InsightProfile{
		SchemaVersion:  model.InsightProfileSchemaVersion,
		RecentInsights: []model.InsightRecord{},
		CreatedAt:      model.At(now),
		UpdatedAt:      model.At(now),
	}
}

// fill upgrades documents written before a field existed.
func fill(p *model.InsightProfile, now time.Time) {
	if p.SchemaVersion < model.InsightProfileSchemaVersion {
		p.SchemaVersion = model.InsightProfileSchemaVersion
	}
	if p.RecentInsights == nil {
		p.RecentInsights = []model.InsightRecord{}
	}
	if p.CreatedAt.IsNull() {
		p.CreatedAt = model.At(now)
	}
}

// mutate is the read-or-default, compute, write-back cycle every profile
// operation shares. apply runs on each attempt against fresh state.
func (s *Service) mutate(ctx context.Context, op, user, app string, apply func(p *model.InsightProfile, now time.Time) error) (model.InsightProfile, error) {
	path, err := profilePath(op, user, app)
	if err != nil {
		return model.InsightProfile{}, err
	}
	var out model.InsightProfile
	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := s.store.Now()
		var p model.InsightProfile
		found, err := tx.Get(path, &p)
		if err != nil {
			return err
		}
		if !found {
			p = defaultProfile(now)
		}
		fill(&p, now)
		if err := apply(&p, now); err != nil {
			return err
		}
		p.UpdatedAt = model.At(now)
		if err := tx.Set(path, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// GetOrCreateProfile returns the profile, writing the default document the
// first time it is asked for.
func (s *Service) GetOrCreateProfile(ctx context.Context, user, app string) (model.InsightProfile, error) {
	const op = "insights.get_or_create_profile"
	path, err := profilePath(op, user, app)
	if err != nil {
		return model.InsightProfile{}, err
	}
	var out model.InsightProfile
	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := s.store.Now()
		var p model.InsightProfile
		found, err := tx.Get(path, &p)
		if err != nil {
			return err
		}
		if found {
			fill(&p, now)
			out = p
			return nil
		}
		p = defaultProfile(now)
		if err := tx.Set(path, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (s *Service) RecordInsightShown(ctx context.Context, user, app string, shown InsightShown) (model.InsightProfile, error) {
	const op = "insights.record_shown"
	if shown.InsightID == "" {
		return model.InsightProfile{}, model.Invalid(op, "insight id is required")
	}
	return s.mutate(ctx, op, user, app, func(p *model.InsightProfile, now time.Time) error {
		p.RecentInsights = append(p.RecentInsights, model.InsightRecord{
			InsightID:     shown.InsightID,
			ShownAt:       model.At(now),
			TransactionID: shown.TransactionID,
			Content:       shown.Content,
		})
		if n := len(p.RecentInsights); n > MaxRecentInsights {
			p.RecentInsights = append([]model.InsightRecord(nil), p.RecentInsights[n-MaxRecentInsights:]...)
		}
		return nil
	})
}

// RecordInsightResponse stores the user's reaction on the newest record of
// insightID.
func (s *Service) RecordInsightResponse(ctx context.Context, user, app, insightID string, response model.InsightResponse) (model.InsightProfile, error) {
	const op = "insights.record_response"
	if insightID == "" {
		return model.InsightProfile{}, model.Invalid(op, "insight id is required")
	}
	if !response.Valid() {
		return model.InsightProfile{}, model.Invalid(op, "unknown response %q", response)
	}
	return s.mutate(ctx, op, user, app, func(p *model.InsightProfile, _ time.Time) error {
		for i := len(p.RecentInsights) - 1; i >= 0; i-- {
			if p.RecentInsights[i].InsightID == insightID {
				p.RecentInsights[i].Response = response
				return nil
			}
		}
		return model.NotFound(op, "insight", insightID)
	})
}

func (s *Service) DeleteInsight(ctx context.Context, user, app, insightID string) (model.InsightProfile, error) {
	return s.DeleteInsights(ctx, user, app, []string{insightID})
}

// DeleteInsights drops every history record whose id is listed.
func (s *Service) DeleteInsights(ctx context.Context, user, app string, insightIDs []string) (model.InsightProfile, error) {
	const op = "insights.delete"
	drop := make(map[string]struct{}, len(insightIDs))
	for _, id := range insightIDs {
		if id != "" {
			drop[id] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return model.InsightProfile{}, model.Invalid(op, "at least one insight id is required")
	}
	return s.mutate(ctx, op, user, app, func(p *model.InsightProfile, _ time.Time) error {
		kept := make([]model.InsightRecord, 0, len(p.RecentInsights))
		for _, rec := range p.RecentInsights {
			if _, ok := drop[rec.InsightID]; !ok {
				kept = append(kept, rec)
			}
		}
		p.RecentInsights = kept
		return nil
	})
}

// TrackTransaction counts one more transaction and keeps the earliest
// transaction date seen.
func (s *Service) TrackTransaction(ctx context.Context, user, app string, date time.Time) (model.InsightProfile, error) {
	const op = "insights.track_transaction"
	if date.IsZero() {
		return model.InsightProfile{}, model.Invalid(op, "transaction date is required")
	}
	return s.mutate(ctx, op, user, app, func(p *model.InsightProfile, _ time.Time) error {
		p.TotalTransactions++
		first, err := p.FirstTransactionDate.Ptr()
		if err != nil && s.logger != nil {
			s.logger.Warn("replacing unreadable first transaction date", "user", user, "app", app, "err", err)
		}
		if first == nil || date.Before(*first) {
			p.FirstTransactionDate = model.At(date)
		}
		return nil
	})
}

// ResetProfile puts the profile back to its defaults, keeping its creation
// time.
func (s *Service) ResetProfile(ctx context.Context, user, app string) (model.InsightProfile, error) {
	const op = "insights.reset"
	return s.mutate(ctx, op, user, app, func(p *model.InsightProfile, now time.Time) error {
		created := p.CreatedAt
		*p = defaultProfile(now)
		p.CreatedAt = created
		return nil
	})
}
