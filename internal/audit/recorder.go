// Package audit keeps the most recent rejected toggle attempts in memory so
// operators can see who is hitting sharing limits.
package audit

import (
	"sync"
	"time"

	"spendsync/internal/model"
)

// Recorder is a bounded ring of recent events. A nil *Recorder records
// nothing and reports an empty history.
type Recorder struct {
	mu    sync.RWMutex
	buf   []model.ThrottleEvent
	limit int
}

func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 1000
	}
	return &Recorder{limit: limit}
}

func (r *Recorder) Add(ev model.ThrottleEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < r.limit {
		r.buf = append(r.buf, ev)
		return
	}
	copy(r.buf, r.buf[1:])
	r.buf[len(r.buf)-1] = ev
}

// List returns up to limit of the newest events, oldest first.
func (r *Recorder) List(limit int) []model.ThrottleEvent {
	if r == nil {
		return []model.ThrottleEvent{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.buf) {
		limit = len(r.buf)
	}
	out := make([]model.ThrottleEvent, limit)
	copy(out, r.buf[len(r.buf)-limit:])
	return out
}

func (r *Recorder) Since(ts time.Time) []model.ThrottleEvent {
	if r == nil {
		return []model.ThrottleEvent{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ThrottleEvent, 0)
	for _, ev := range r.buf {
		if !ev.Timestamp.Get().Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}

func (r *Recorder) Clear() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = nil
}
