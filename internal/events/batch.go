package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

type BatchResult struct {
	Accepted int `json:"accepted"`
	Failed   int `json:"failed"`
}

// HandleBatch applies a body holding one scan event or a JSON array of
// them, as posted by clients that cannot reach the broker. Invalid events
// and copies still being applied count as failed; a store failure stops
// the batch and is returned.
func (h *Handler) HandleBatch(ctx context.Context, body []byte) (BatchResult, error) {
	var res BatchResult
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		return res, fmt.Errorf("%w: empty body", ErrInvalidEvent)
	}
	var raws []json.RawMessage
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &raws); err != nil {
			return res, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	} else {
		raws = []json.RawMessage{trim}
	}
	for _, raw := range raws {
		ev, err := DecodeScanEvent(raw)
		if err != nil {
			res.Failed++
			if h.logger != nil {
				h.logger.Warn("rejecting posted scan event", "err", err)
			}
			continue
		}
		err = h.Handle(ctx, ev)
		switch {
		case err == nil:
			res.Accepted++
		case errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrEventInFlight):
			res.Failed++
			if h.logger != nil {
				h.logger.Warn("rejecting posted scan event", "event_id", ev.EventID, "err", err)
			}
		default:
			return res, err
		}
	}
	return res, nil
}
