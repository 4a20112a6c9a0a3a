// Package storage is a small JSON document store with optimistic
// transactions. Every document carries a version; a transaction records the
// version of each document it reads and commit fails with ErrConflict if any
// of them moved, in which case the whole transaction function is run again.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"spendsync/internal/clock"
	"spendsync/internal/config"
)

var (
	ErrNotFound       = errors.New("storage: document not found")
	ErrConflict       = errors.New("storage: transaction conflict")
	ErrReadAfterWrite = errors.New("storage: reads must come before writes in a transaction")
	ErrInvalidPath    = errors.New("storage: invalid document path")
)

const DefaultMaxAttempts = 5

type Store interface {
	Init(ctx context.Context) error
	Close() error
	// RunTransaction runs fn and commits its writes atomically, rerunning fn
	// on conflict. fn must not have side effects outside tx.
	RunTransaction(ctx context.Context, fn TxFunc) error
	// Get is a snapshot read outside any transaction.
	Get(ctx context.Context, path string, dst any) (bool, error)
	List(ctx context.Context, prefix string) ([]Document, error)
	// Increment adds delta to a numeric top-level field without a read.
	Increment(ctx context.Context, path, field string, delta int64) error
	// Now is the store-assigned timestamp for writes.
	Now() time.Time
}

type TxFunc func(ctx context.Context, tx Tx) error

type Tx interface {
	Get(path string, dst any) (bool, error)
	Set(path string, v any) error
	Update(path string, fields map[string]any) error
	Delete(path string) error
}

type Document struct {
	Path    string
	Data    json.RawMessage
	Version int64
}

func (d Document) Decode(dst any) error {
	return json.Unmarshal(d.Data, dst)
}

type Option func(*docStore)

func WithClock(c clock.Clock) Option {
	return func(s *docStore) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(s *docStore) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *docStore) { s.logger = l }
}

func NewStore(cfg config.StorageConfig, opts ...Option) (Store, error) {
	opts = append([]Option{WithMaxAttempts(cfg.MaxAttempts)}, opts...)
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return NewMemory(opts...), nil
	case "sqlite":
		return NewSQLite(cfg.DSN, opts...)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN, opts...)
	case "redis":
		return NewRedis(cfg.Redis, opts...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// Path joins segments into a document path.
func Path(segments ...string) (string, error) {
	if len(segments) == 0 {
		return "", ErrInvalidPath
	}
	for _, seg := range segments {
		if seg == "" || strings.Contains(seg, "/") {
			return "", fmt.Errorf("%w: segment %q", ErrInvalidPath, seg)
		}
	}
	return strings.Join(segments, "/"), nil
}

func checkPath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") || strings.Contains(path, "//") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return nil
}

func checkField(field string) error {
	if field == "" {
		return fmt.Errorf("storage: empty field name")
	}
	for _, ch := range field {
		if !(ch == '_' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9') {
			return fmt.Errorf("storage: unsupported field name %q", field)
		}
	}
	return nil
}

type record struct {
	data    []byte
	version int64 // 0 when the document does not exist
}

type write struct {
	path   string
	data   []byte
	delete bool
}

// backend is what each driver implements. commit receives the versions
// observed by the transaction's reads; expected is -1 for a blind write.
type backend interface {
	name() string
	init(ctx context.Context) error
	close() error
	read(ctx context.Context, path string) (record, error)
	commit(ctx context.Context, reads map[string]int64, writes []write, now time.Time) error
	increment(ctx context.Context, path, field string, delta int64, now time.Time) error
	list(ctx context.Context, prefix string) ([]Document, error)
}

func expectedVersion(reads map[string]int64, path string) int64 {
	if v, ok := reads[path]; ok {
		return v
	}
	return -1
}
