// Package events applies scan-completed events to the per-user documents:
// the insight profile counts the transaction and every item with a learned
// mapping gets its usage bumped.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"spendsync/internal/clock"
	"spendsync/internal/metrics"
	"spendsync/internal/model"
	"spendsync/internal/storage"
)

var (
	ErrInvalidEvent = errors.New("invalid scan event")
	// ErrEventInFlight is returned for a copy of an event another goroutine
	// is still applying; the copy should be redelivered later.
	ErrEventInFlight = errors.New("scan event is already being applied")
)

type ScanItem struct {
	Name string `json:"name"`
}

type ScanEvent struct {
	EventID         string          `json:"eventId"`
	UserID          string          `json:"userId"`
	AppID           string          `json:"appId"`
	TransactionID   string          `json:"transactionId"`
	TransactionDate model.Timestamp `json:"transactionDate"`
	Items           []ScanItem      `json:"items"`
}

func DecodeScanEvent(data []byte) (ScanEvent, error) {
	var ev ScanEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ScanEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.EventID == "" || ev.UserID == "" || ev.AppID == "" {
		return ScanEvent{}, fmt.Errorf("%w: eventId, userId and appId are required", ErrInvalidEvent)
	}
	if _, err := storage.Path("apps", ev.AppID, "users", ev.UserID); err != nil {
		return ScanEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	date, err := ev.TransactionDate.Ptr()
	if err != nil || date == nil {
		return ScanEvent{}, fmt.Errorf("%w: transactionDate is missing or unreadable", ErrInvalidEvent)
	}
	return ev, nil
}

type TransactionTracker interface {
	TrackTransaction(ctx context.Context, user, app string, date time.Time) (model.InsightProfile, error)
}

type UsageCounter interface {
	Lookup(ctx context.Context, user, app, item string) (model.Mapping, bool, error)
	IncrementUsage(ctx context.Context, user, app, id string) error
}

type Handler struct {
	insights TransactionTracker
	mappings []UsageCounter
	dedupe   *DedupeCache
	window   func() time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewHandler wires the event side effects. window is read per event so a
// config reload takes effect immediately.
func NewHandler(insights TransactionTracker, mappings []UsageCounter, window func() time.Duration, logger *slog.Logger) *Handler {
	if window == nil {
		window = func() time.Duration { return 0 }
	}
	return &Handler{
		insights: insights,
		mappings: mappings,
		dedupe:   NewDedupeCache(),
		window:   window,
		clock:    clock.System(),
		logger:   logger,
	}
}

// HandleMessage decodes and applies one raw message. Malformed messages,
// and events the store rejects as invalid, are dropped with a log line;
// only failures worth redelivering are returned.
func (h *Handler) HandleMessage(ctx context.Context, value []byte) error {
	ev, err := DecodeScanEvent(value)
	if err != nil {
		metrics.ScanEventsTotal.WithLabelValues("invalid").Inc()
		if h.logger != nil {
			h.logger.Warn("dropping malformed scan event", "err", err)
		}
		return nil
	}
	err = h.Handle(ctx, ev)
	if errors.Is(err, ErrInvalidEvent) {
		if h.logger != nil {
			h.logger.Warn("dropping rejected scan event", "event_id", ev.EventID, "err", err)
		}
		return nil
	}
	return err
}

func (h *Handler) Handle(ctx context.Context, ev ScanEvent) error {
	ttl := h.window()
	if ttl > 0 {
		switch h.dedupe.Claim(ev.EventID, h.clock.Now(), ttl) {
		case claimDone:
			metrics.ScanEventsTotal.WithLabelValues("duplicate").Inc()
			return nil
		case claimInFlight:
			metrics.ScanEventsTotal.WithLabelValues("in_flight").Inc()
			return fmt.Errorf("%w: %s", ErrEventInFlight, ev.EventID)
		}
	}
	if err := h.apply(ctx, ev); err != nil {
		h.dedupe.Forget(ev.EventID)
		if model.ErrorCode(err) == model.EINVALID {
			metrics.ScanEventsTotal.WithLabelValues("invalid").Inc()
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		metrics.ScanEventsTotal.WithLabelValues("failed").Inc()
		return err
	}
	if ttl > 0 {
		h.dedupe.Done(ev.EventID, h.clock.Now())
	}
	metrics.ScanEventsTotal.WithLabelValues("applied").Inc()
	return nil
}

func (h *Handler) apply(ctx context.Context, ev ScanEvent) error {
	if h.insights != nil {
		if _, err := h.insights.TrackTransaction(ctx, ev.UserID, ev.AppID, ev.TransactionDate.Get()); err != nil {
			return fmt.Errorf("track transaction %s: %w", ev.TransactionID, err)
		}
	}
	for _, item := range ev.Items {
		for _, counter := range h.mappings {
			m, ok, err := counter.Lookup(ctx, ev.UserID, ev.AppID, item.Name)
			if err != nil {
				return fmt.Errorf("lookup mapping %q: %w", item.Name, err)
			}
			if !ok {
				continue
			}
			if err := counter.IncrementUsage(ctx, ev.UserID, ev.AppID, m.ID); err != nil {
				// deleted between lookup and increment
				if model.ErrorCode(err) == model.ENOTFOUND {
					continue
				}
				return fmt.Errorf("increment mapping %s: %w", m.ID, err)
			}
		}
	}
	return nil
}
