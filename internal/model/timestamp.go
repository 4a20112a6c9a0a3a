package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"spendsync/internal/normalize"
)

// Timestamp is a nullable instant as stored in a document. A stored value
// that cannot be decoded is kept verbatim and reported by Ptr instead of
// failing the whole document decode; it is written back unchanged until a
// mutation overwrites it.
type Timestamp struct {
	t       time.Time
	valid   bool
	corrupt json.RawMessage
}

// ErrCorruptTimestamp is returned by Ptr for a stored value of unknown shape.
var ErrCorruptTimestamp = errors.New("corrupt timestamp")

func At(t time.Time) Timestamp {
	if t.IsZero() {
		return Timestamp{}
	}
	return Timestamp{t: t.UTC(), valid: true}
}

func (ts Timestamp) IsNull() bool {
	return !ts.valid && ts.corrupt == nil
}

func (ts Timestamp) IsCorrupt() bool {
	return ts.corrupt != nil
}

// Ptr returns nil for a null timestamp.
func (ts Timestamp) Ptr() (*time.Time, error) {
	if ts.corrupt != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptTimestamp, string(ts.corrupt))
	}
	if !ts.valid {
		return nil, nil
	}
	t := ts.t
	return &t, nil
}

// Get returns the zero time for null and corrupt values.
func (ts Timestamp) Get() time.Time {
	if !ts.valid {
		return time.Time{}
	}
	return ts.t
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.corrupt != nil {
		return ts.corrupt, nil
	}
	if !ts.valid {
		return []byte("null"), nil
	}
	return json.Marshal(ts.t.Format(time.RFC3339Nano))
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	*ts = Timestamp{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if t, ok := decodeTimestamp(trimmed); ok {
		*ts = At(t)
		return nil
	}
	ts.corrupt = append(json.RawMessage(nil), trimmed...)
	return nil
}

func decodeTimestamp(data []byte) (time.Time, bool) {
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return time.Time{}, false
		}
		t, err := normalize.ParseTimestamp(s, time.UTC)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case '{':
		// exported document-store timestamps: {"seconds":..,"nanoseconds":..}
		var obj map[string]json.Number
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&obj); err != nil {
			return time.Time{}, false
		}
		secRaw, ok := obj["seconds"]
		if !ok {
			secRaw, ok = obj["_seconds"]
		}
		if !ok {
			return time.Time{}, false
		}
		sec, err := secRaw.Int64()
		if err != nil {
			return time.Time{}, false
		}
		nsRaw, ok := obj["nanoseconds"]
		if !ok {
			nsRaw = obj["_nanoseconds"]
		}
		var ns int64
		if nsRaw != "" {
			if ns, err = nsRaw.Int64(); err != nil {
				return time.Time{}, false
			}
		}
		return time.Unix(sec, ns).UTC(), true
	default:
		var ms float64
		if err := json.Unmarshal(data, &ms); err != nil {
			return time.Time{}, false
		}
		if math.IsNaN(ms) || math.IsInf(ms, 0) || ms <= 0 {
			return time.Time{}, false
		}
		return normalize.FromUnixMillis(int64(ms)), true
	}
}
