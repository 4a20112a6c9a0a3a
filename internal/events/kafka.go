package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"spendsync/internal/config"
)

// StartKafka consumes scan-completed events until ctx ends. Offsets are
// committed only after the handler succeeds, so a failed event is read
// again after a restart.
func StartKafka(ctx context.Context, cfg *config.Manager, handler *Handler, logger *slog.Logger) {
	current := cfg.Get().Events.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka consumer disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka consumer enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !backoffSleep(ctx, 200*time.Millisecond) {
					return
				}
				continue
			}
			if !handleWithRetry(ctx, handler, m, logger) {
				return
			}
			if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil && logger != nil {
				logger.Warn("kafka commit error", "err", err, "offset", m.Offset)
			}
		}
	}()
}

// handleWithRetry retries a failing message with growing pauses. It returns
// false only when ctx ends first.
func handleWithRetry(ctx context.Context, handler *Handler, m kafka.Message, logger *slog.Logger) bool {
	delay := 200 * time.Millisecond
	for {
		err := handler.HandleMessage(ctx, m.Value)
		if err == nil {
			return true
		}
		if logger != nil {
			logger.Error("scan event failed", "err", err, "partition", m.Partition, "offset", m.Offset)
		}
		if !backoffSleep(ctx, delay) {
			return false
		}
		if delay < 10*time.Second {
			delay *= 2
		}
	}
}

func backoffSleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
