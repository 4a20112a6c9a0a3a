package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Uber Eats", "uber eats"},
		{"  UBER   eats!! ", "uber eats"},
		{"Café con Leche", "cafe con leche"},
		{"coca-cola 1.5L", "coca cola 15l"},
		{"PAN/INTEGRAL", "pan integral"},
		{"...", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ItemName(tt.in), "input %q", tt.in)
	}
}

func TestParseTimestampFormats(t *testing.T) {
	want := time.Date(2026, 2, 23, 12, 34, 56, 0, time.UTC)

	ts, err := ParseTimestamp("2026-02-23T12:34:56Z", time.UTC)
	require.NoError(t, err)
	assert.True(t, ts.Equal(want))

	ts, err = ParseTimestamp("2026-02-23 12:34:56", time.UTC)
	require.NoError(t, err)
	assert.True(t, ts.Equal(want))

	ts, err = ParseTimestamp("1771850096000", nil)
	require.NoError(t, err)
	assert.True(t, ts.Equal(want))

	ts, err = ParseTimestamp("1771850096", nil)
	require.NoError(t, err)
	assert.True(t, ts.Equal(want))
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	_, err := ParseTimestamp("not a date", time.UTC)
	assert.Error(t, err)
	_, err = ParseTimestamp("   ", time.UTC)
	assert.Error(t, err)
}
