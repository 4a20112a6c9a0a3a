package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryBackend struct {
	mu   sync.Mutex
	docs map[string]record
	// last version of each deleted path; a recreated document continues
	// from it so a stale read can never match again.
	tombstones map[string]int64
}

// NewMemory returns a process-local store. Each call is independent, so
// tests get a fresh store per case.
func NewMemory(opts ...Option) Store {
	return newDocStore(&memoryBackend{
		docs:       make(map[string]record),
		tombstones: make(map[string]int64),
	}, opts...)
}

func (m *memoryBackend) name() string { return "memory" }

func (m *memoryBackend) init(context.Context) error { return nil }

func (m *memoryBackend) close() error { return nil }

func (m *memoryBackend) read(_ context.Context, path string) (record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.docs[path]
	if !ok {
		return record{}, nil
	}
	return record{data: append([]byte(nil), rec.data...), version: rec.version}, nil
}

func (m *memoryBackend) commit(_ context.Context, reads map[string]int64, writes []write, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, version := range reads {
		if m.docs[path].version != version {
			return ErrConflict
		}
	}
	for _, w := range writes {
		cur, exists := m.docs[w.path]
		if w.delete {
			if exists {
				m.tombstones[w.path] = cur.version
				delete(m.docs, w.path)
			}
			continue
		}
		base := cur.version
		if !exists {
			base = m.tombstones[w.path]
		}
		m.docs[w.path] = record{data: append([]byte(nil), w.data...), version: base + 1}
	}
	return nil
}

func (m *memoryBackend) increment(_ context.Context, path, field string, delta int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.docs[path]
	if !ok {
		return ErrNotFound
	}
	doc := make(map[string]json.RawMessage)
	if err := json.Unmarshal(rec.data, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	var current int64
	if raw, ok := doc[field]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("field %s of %s is not an integer: %w", field, path, err)
		}
	}
	next, err := json.Marshal(current + delta)
	if err != nil {
		return err
	}
	doc[field] = next
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.docs[path] = record{data: data, version: rec.version + 1}
	return nil
}

func (m *memoryBackend) list(_ context.Context, prefix string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Document, 0)
	for path, rec := range m.docs {
		if strings.HasPrefix(path, prefix) {
			out = append(out, Document{
				Path:    path,
				Data:    append(json.RawMessage(nil), rec.data...),
				Version: rec.version,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
