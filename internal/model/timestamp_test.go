package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampNullAndMissingCollapse(t *testing.T) {
	var explicit, missing RateLimitState
	require.NoError(t, json.Unmarshal([]byte(`{"lastActionAt":null,"actionCountToday":2}`), &explicit))
	require.NoError(t, json.Unmarshal([]byte(`{"actionCountToday":2}`), &missing))

	assert.Equal(t, explicit, missing)
	assert.True(t, explicit.LastActionAt.IsNull())
	p, err := explicit.CountResetAt.Ptr()
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestTimestampDecodesStoredShapes(t *testing.T) {
	want := time.Date(2026, 2, 23, 12, 34, 56, 0, time.UTC)
	for _, raw := range []string{
		`"2026-02-23T12:34:56Z"`,
		`1771850096000`,
		`{"seconds":1771850096,"nanoseconds":0}`,
		`{"_seconds":1771850096,"_nanoseconds":0}`,
	} {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(raw), &ts), raw)
		p, err := ts.Ptr()
		require.NoError(t, err, raw)
		require.NotNil(t, p, raw)
		assert.True(t, p.Equal(want), raw)
	}
}

func TestTimestampCorruptValueIsPreserved(t *testing.T) {
	var state RateLimitState
	require.NoError(t, json.Unmarshal([]byte(`{"lastActionAt":"yesterday-ish","actionCountToday":1}`), &state))

	assert.True(t, state.LastActionAt.IsCorrupt())
	_, err := state.LastActionAt.Ptr()
	assert.ErrorIs(t, err, ErrCorruptTimestamp)
	assert.True(t, state.LastActionAt.Get().IsZero())

	out, err := json.Marshal(state)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"lastActionAt":"yesterday-ish"`)
}

func TestTimestampRoundTripsUTC(t *testing.T) {
	loc := time.FixedZone("UTC-3", -3*3600)
	ts := At(time.Date(2026, 5, 1, 21, 0, 0, 0, loc))
	out, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.JSONEq(t, `"2026-05-02T00:00:00Z"`, string(out))
}
