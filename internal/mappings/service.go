// Package mappings stores learned item-name to category assignments. One
// document per normalized item name, so saving the same item again updates
// it in place.
package mappings

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"spendsync/internal/model"
	"spendsync/internal/normalize"
	"spendsync/internal/storage"
)

type Kind string

const (
	KindCategory    Kind = "category_mappings"
	KindSubcategory Kind = "subcategory_mappings"
)

func (k Kind) Valid() bool {
	return k == KindCategory || k == KindSubcategory
}

// idSpace namespaces the name-based mapping ids.
var idSpace = uuid.MustParse("6f1c2f6e-8f0b-4d55-9a43-1d3c5b1f7a20")

type MappingInput struct {
	Item              string              `json:"item"`
	TargetCategory    string              `json:"targetCategory"`
	TargetSubcategory string              `json:"targetSubcategory,omitempty"`
	Confidence        float64             `json:"confidence"`
	Source            model.MappingSource `json:"source"`
}

type Service struct {
	kind   Kind
	store  storage.Store
	logger *slog.Logger
}

func NewService(kind Kind, store storage.Store, logger *slog.Logger) *Service {
	if !kind.Valid() {
		kind = KindCategory
	}
	return &Service{kind: kind, store: store, logger: logger}
}

func (s *Service) Kind() Kind {
	return s.kind
}

// ID is the stable document id for an already-normalized item name.
func (s *Service) ID(normalized string) string {
	return uuid.NewSHA1(idSpace, []byte(string(s.kind)+"\x00"+normalized)).String()
}

func (s *Service) path(op, user, app, id string) (string, error) {
	if user == "" || app == "" || id == "" {
		return "", model.Invalid(op, "user, app and mapping id are required")
	}
	path, err := storage.Path("apps", app, "users", user, string(s.kind), id)
	if err != nil {
		return "", &model.Error{Code: model.EINVALID, Op: op, Message: "invalid user, app or mapping id", Err: err}
	}
	return path, nil
}

func (s *Service) validate(op string, in MappingInput) (string, error) {
	normalized := normalize.ItemName(in.Item)
	if normalized == "" {
		return "", model.Invalid(op, "item name %q has no letters or digits", in.Item)
	}
	if strings.TrimSpace(in.TargetCategory) == "" {
		return "", model.Invalid(op, "target category is required")
	}
	if s.kind == KindSubcategory && strings.TrimSpace(in.TargetSubcategory) == "" {
		return "", model.Invalid(op, "target subcategory is required")
	}
	if math.IsNaN(in.Confidence) || in.Confidence < 0 || in.Confidence > 1 {
		return "", model.Invalid(op, "confidence must be between 0 and 1")
	}
	if !in.Source.Valid() {
		return "", model.Invalid(op, "source must be %q or %q", model.MappingSourceUser, model.MappingSourceAI)
	}
	return normalized, nil
}

// Save upserts the mapping for the item's normalized name. An existing
// mapping keeps its usage count and creation time.
func (s *Service) Save(ctx context.Context, user, app string, in MappingInput) (string, error) {
	const op = "mappings.save"
	normalized, err := s.validate(op, in)
	if err != nil {
		return "", err
	}
	id := s.ID(normalized)
	path, err := s.path(op, user, app, id)
	if err != nil {
		return "", err
	}
	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := model.At(s.store.Now())
		found, err := tx.Get(path, nil)
		if err != nil {
			return err
		}
		if found {
			return tx.Update(path, map[string]any{
				"originalItem":      in.Item,
				"targetCategory":    in.TargetCategory,
				"targetSubcategory": in.TargetSubcategory,
				"confidence":        in.Confidence,
				"source":            in.Source,
				"updatedAt":         now,
			})
		}
		return tx.Set(path, model.Mapping{
			ID:                id,
			NormalizedItem:    normalized,
			OriginalItem:      in.Item,
			TargetCategory:    in.TargetCategory,
			TargetSubcategory: in.TargetSubcategory,
			Confidence:        in.Confidence,
			Source:            in.Source,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// IncrementUsage bumps the usage counter without reading the mapping.
func (s *Service) IncrementUsage(ctx context.Context, user, app, id string) error {
	const op = "mappings.increment_usage"
	path, err := s.path(op, user, app, id)
	if err != nil {
		return err
	}
	err = s.store.Increment(ctx, path, "usageCount", 1)
	if errors.Is(err, storage.ErrNotFound) {
		return &model.Error{Code: model.ENOTFOUND, Op: op, Message: "mapping not found", Err: err}
	}
	return err
}

func (s *Service) Get(ctx context.Context, user, app, id string) (model.Mapping, error) {
	const op = "mappings.get"
	path, err := s.path(op, user, app, id)
	if err != nil {
		return model.Mapping{}, err
	}
	var m model.Mapping
	found, err := s.store.Get(ctx, path, &m)
	if err != nil {
		return model.Mapping{}, err
	}
	if !found {
		return model.Mapping{}, model.NotFound(op, "mapping", id)
	}
	return m, nil
}

// Lookup finds the mapping for a raw item name.
func (s *Service) Lookup(ctx context.Context, user, app, item string) (model.Mapping, bool, error) {
	normalized := normalize.ItemName(item)
	if normalized == "" {
		return model.Mapping{}, false, nil
	}
	m, err := s.Get(ctx, user, app, s.ID(normalized))
	if err != nil {
		var e *model.Error
		if errors.As(err, &e) && e.Code == model.ENOTFOUND {
			return model.Mapping{}, false, nil
		}
		return model.Mapping{}, false, err
	}
	return m, true, nil
}

func (s *Service) List(ctx context.Context, user, app string) ([]model.Mapping, error) {
	const op = "mappings.list"
	if user == "" || app == "" {
		return nil, model.Invalid(op, "user and app are required")
	}
	prefix, err := storage.Path("apps", app, "users", user, string(s.kind))
	if err != nil {
		return nil, &model.Error{Code: model.EINVALID, Op: op, Message: "invalid user or app id", Err: err}
	}
	docs, err := s.store.List(ctx, prefix+"/")
	if err != nil {
		return nil, err
	}
	out := make([]model.Mapping, 0, len(docs))
	for _, doc := range docs {
		var m model.Mapping
		if err := doc.Decode(&m); err != nil {
			if s.logger != nil {
				s.logger.Warn("skipping undecodable mapping", "path", doc.Path, "err", err)
			}
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// UpdateTarget reassigns a mapping; an edit by the user makes it a
// user-sourced mapping at full confidence.
func (s *Service) UpdateTarget(ctx context.Context, user, app, id, category, subcategory string) (model.Mapping, error) {
	const op = "mappings.update_target"
	if strings.TrimSpace(category) == "" {
		return model.Mapping{}, model.Invalid(op, "target category is required")
	}
	if s.kind == KindSubcategory && strings.TrimSpace(subcategory) == "" {
		return model.Mapping{}, model.Invalid(op, "target subcategory is required")
	}
	path, err := s.path(op, user, app, id)
	if err != nil {
		return model.Mapping{}, err
	}
	var out model.Mapping
	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		var m model.Mapping
		found, err := tx.Get(path, &m)
		if err != nil {
			return err
		}
		if !found {
			return model.NotFound(op, "mapping", id)
		}
		m.TargetCategory = category
		m.TargetSubcategory = subcategory
		m.Source = model.MappingSourceUser
		m.Confidence = 1
		m.UpdatedAt = model.At(s.store.Now())
		out = m
		return tx.Set(path, m)
	})
	return out, err
}

func (s *Service) Delete(ctx context.Context, user, app, id string) error {
	const op = "mappings.delete"
	path, err := s.path(op, user, app, id)
	if err != nil {
		return err
	}
	return s.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		found, err := tx.Get(path, nil)
		if err != nil {
			return err
		}
		if !found {
			return model.NotFound(op, "mapping", id)
		}
		return tx.Delete(path)
	})
}
