package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"spendsync/internal/model"
)

func event(user string, at time.Time) model.ThrottleEvent {
	return model.ThrottleEvent{
		Timestamp: model.At(at),
		Scope:     model.ThrottleScopePreference,
		AppID:     "app",
		UserID:    user,
		GroupID:   "g1",
		Reason:    "cooldown",
	}
}

func TestRecorderDropsOldest(t *testing.T) {
	base := time.Date(2026, 2, 23, 12, 0, 0, 0, time.UTC)
	r := NewRecorder(3)
	for i, u := range []string{"a", "b", "c", "d"} {
		r.Add(event(u, base.Add(time.Duration(i)*time.Minute)))
	}
	got := r.List(0)
	assert.Len(t, got, 3)
	assert.Equal(t, "b", got[0].UserID)
	assert.Equal(t, "d", got[2].UserID)

	newest := r.List(1)
	assert.Equal(t, "d", newest[0].UserID)
}

func TestRecorderSinceAndClear(t *testing.T) {
	base := time.Date(2026, 2, 23, 12, 0, 0, 0, time.UTC)
	r := NewRecorder(10)
	r.Add(event("a", base))
	r.Add(event("b", base.Add(time.Hour)))

	since := r.Since(base.Add(time.Minute))
	assert.Len(t, since, 1)
	assert.Equal(t, "b", since[0].UserID)

	r.Clear()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.List(5))
}

func TestNilRecorderIsEmpty(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.Add(event("a", time.Now()))
		r.Clear()
	})
	assert.Zero(t, r.Len())
	assert.Empty(t, r.List(5))
	assert.NotNil(t, r.List(0))
	assert.Empty(t, r.Since(time.Time{}))
}
