package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"spendsync/internal/clock"
	"spendsync/internal/metrics"
)

type docStore struct {
	backend     backend
	clock       clock.Clock
	maxAttempts int
	logger      *slog.Logger
}

func newDocStore(b backend, opts ...Option) *docStore {
	s := &docStore{
		backend:     b,
		clock:       clock.System(),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *docStore) Init(ctx context.Context) error {
	return s.backend.init(ctx)
}

func (s *docStore) Close() error {
	return s.backend.close()
}

func (s *docStore) Now() time.Time {
	return s.clock.Now().UTC()
}

func (s *docStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	if ctx == nil {
		ctx = context.Background()
	}
	name := s.backend.name()
	start := time.Now()
	defer func() {
		metrics.TransactionDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &txn{ctx: ctx, backend: s.backend, reads: make(map[string]record), pending: make(map[string]int)}
		if err := fn(ctx, tx); err != nil {
			metrics.TransactionsTotal.WithLabelValues(name, "aborted").Inc()
			return err
		}
		if len(tx.writes) == 0 {
			metrics.TransactionsTotal.WithLabelValues(name, "read_only").Inc()
			return nil
		}
		err := s.backend.commit(ctx, tx.readVersions(), tx.writes, s.Now())
		if err == nil {
			metrics.TransactionsTotal.WithLabelValues(name, "committed").Inc()
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			metrics.TransactionsTotal.WithLabelValues(name, "error").Inc()
			return err
		}
		metrics.TransactionConflicts.WithLabelValues(name).Inc()
		if attempt >= s.maxAttempts {
			metrics.TransactionsTotal.WithLabelValues(name, "exhausted").Inc()
			if s.logger != nil {
				s.logger.Warn("transaction retries exhausted", "backend", name, "attempts", attempt)
			}
			return fmt.Errorf("transaction aborted after %d attempts: %w", attempt, err)
		}
		if !backoffSleep(ctx, time.Duration(attempt)*2*time.Millisecond) {
			return ctx.Err()
		}
	}
}

func (s *docStore) Get(ctx context.Context, path string, dst any) (bool, error) {
	if err := checkPath(path); err != nil {
		return false, err
	}
	rec, err := s.backend.read(ctx, path)
	if err != nil {
		return false, err
	}
	if rec.version == 0 {
		return false, nil
	}
	if dst != nil {
		if err := json.Unmarshal(rec.data, dst); err != nil {
			return true, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return true, nil
}

func (s *docStore) List(ctx context.Context, prefix string) ([]Document, error) {
	return s.backend.list(ctx, prefix)
}

func (s *docStore) Increment(ctx context.Context, path, field string, delta int64) error {
	if err := checkPath(path); err != nil {
		return err
	}
	if err := checkField(field); err != nil {
		return err
	}
	return s.backend.increment(ctx, path, field, delta, s.Now())
}

type txn struct {
	ctx     context.Context
	backend backend
	reads   map[string]record
	writes  []write
	pending map[string]int // path -> index in writes
}

func (t *txn) Get(path string, dst any) (bool, error) {
	if len(t.writes) > 0 {
		return false, ErrReadAfterWrite
	}
	rec, err := t.load(path)
	if err != nil {
		return false, err
	}
	if rec.version == 0 {
		return false, nil
	}
	if dst != nil {
		if err := json.Unmarshal(rec.data, dst); err != nil {
			return true, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return true, nil
}

func (t *txn) Set(path string, v any) error {
	if err := checkPath(path); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	t.put(write{path: path, data: data})
	return nil
}

// Update merges top-level fields into the document as this transaction sees
// it, including writes it has already buffered.
func (t *txn) Update(path string, fields map[string]any) error {
	if err := checkPath(path); err != nil {
		return err
	}
	var current []byte
	if idx, ok := t.pending[path]; ok {
		if t.writes[idx].delete {
			return ErrNotFound
		}
		current = t.writes[idx].data
	} else {
		rec, ok := t.reads[path]
		if !ok {
			if len(t.writes) > 0 {
				return ErrReadAfterWrite
			}
			loaded, err := t.load(path)
			if err != nil {
				return err
			}
			rec = loaded
		}
		if rec.version == 0 {
			return ErrNotFound
		}
		current = rec.data
	}

	doc := make(map[string]json.RawMessage)
	if err := json.Unmarshal(current, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s.%s: %w", path, k, err)
		}
		doc[k] = raw
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	t.put(write{path: path, data: data})
	return nil
}

func (t *txn) Delete(path string) error {
	if err := checkPath(path); err != nil {
		return err
	}
	t.put(write{path: path, delete: true})
	return nil
}

func (t *txn) load(path string) (record, error) {
	if err := checkPath(path); err != nil {
		return record{}, err
	}
	if rec, ok := t.reads[path]; ok {
		return rec, nil
	}
	rec, err := t.backend.read(t.ctx, path)
	if err != nil {
		return record{}, err
	}
	t.reads[path] = rec
	return rec, nil
}

func (t *txn) put(w write) {
	if idx, ok := t.pending[w.path]; ok {
		t.writes[idx] = w
		return
	}
	t.pending[w.path] = len(t.writes)
	t.writes = append(t.writes, w)
}

func (t *txn) readVersions() map[string]int64 {
	out := make(map[string]int64, len(t.reads))
	for path, rec := range t.reads {
		out[path] = rec.version
	}
	return out
}

func backoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
