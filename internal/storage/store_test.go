package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendsync/internal/clock"
)

type counterDoc struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

func TestSetThenGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	found, err := s.Get(ctx, "apps/a/counters/c1", nil)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Set("apps/a/counters/c1", counterDoc{Name: "first", Count: 1})
	}))

	var got counterDoc
	found, err = s.Get(ctx, "apps/a/counters/c1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, counterDoc{Name: "first", Count: 1}, got)
}

func TestUpdateMergesTopLevelFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	path := "apps/a/counters/c1"
	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Set(path, counterDoc{Name: "keep", Count: 1})
	}))

	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Update(path, map[string]any{"count": 9})
	}))

	var got counterDoc
	_, err := s.Get(ctx, path, &got)
	require.NoError(t, err)
	assert.Equal(t, "keep", got.Name)
	assert.EqualValues(t, 9, got.Count)
}

func TestUpdateMissingDocument(t *testing.T) {
	s := NewMemory()
	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.Update("apps/a/counters/none", map[string]any{"count": 1})
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadAfterWriteRejected(t *testing.T) {
	s := NewMemory()
	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.Set("apps/a/counters/c1", counterDoc{}); err != nil {
			return err
		}
		_, err := tx.Get("apps/a/counters/c2", nil)
		return err
	})
	assert.ErrorIs(t, err, ErrReadAfterWrite)

	found, err := s.Get(context.Background(), "apps/a/counters/c1", nil)
	require.NoError(t, err)
	assert.False(t, found, "aborted transaction must not commit")
}

func TestConflictRerunsFunction(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	path := "apps/a/counters/c1"
	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Set(path, counterDoc{Count: 1})
	}))

	attempts := 0
	err := s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		attempts++
		var doc counterDoc
		if _, err := tx.Get(path, &doc); err != nil {
			return err
		}
		if attempts == 1 {
			// a competing writer lands between our read and commit
			require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, other Tx) error {
				return other.Set(path, counterDoc{Count: 10})
			}))
		}
		doc.Count++
		return tx.Set(path, doc)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	var got counterDoc
	_, err = s.Get(ctx, path, &got)
	require.NoError(t, err)
	assert.EqualValues(t, 11, got.Count)
}

func TestConflictRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(WithMaxAttempts(3))
	path := "apps/a/counters/c1"

	attempts := 0
	err := s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		attempts++
		if _, err := tx.Get(path, nil); err != nil {
			return err
		}
		require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, other Tx) error {
			return other.Set(path, counterDoc{Count: int64(attempts)})
		}))
		return tx.Set(path, counterDoc{Count: -1})
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 3, attempts)
}

func TestFunctionErrorIsNotRetried(t *testing.T) {
	s := NewMemory()
	boom := errors.New("boom")
	attempts := 0
	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

type failingBackend struct {
	memoryBackend
	err error
}

func (f *failingBackend) commit(context.Context, map[string]int64, []write, time.Time) error {
	return f.err
}

func TestStoreErrorPropagates(t *testing.T) {
	unavailable := errors.New("connection refused")
	s := newDocStore(&failingBackend{memoryBackend: memoryBackend{docs: map[string]record{}}, err: unavailable})
	attempts := 0
	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		attempts++
		return tx.Set("apps/a/counters/c1", counterDoc{})
	})
	assert.ErrorIs(t, err, unavailable)
	assert.Equal(t, 1, attempts)
}

func TestDeleteThenGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	path := "apps/a/counters/c1"
	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Set(path, counterDoc{})
	}))
	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Delete(path)
	}))
	found, err := s.Get(ctx, path, nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIncrement(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	path := "apps/a/counters/c1"

	assert.ErrorIs(t, s.Increment(ctx, path, "count", 1), ErrNotFound)

	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Set(path, counterDoc{Name: "n", Count: 2})
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Increment(ctx, path, "count", 1))
		}()
	}
	wg.Wait()

	var got counterDoc
	_, err := s.Get(ctx, path, &got)
	require.NoError(t, err)
	assert.EqualValues(t, 22, got.Count)
	assert.Equal(t, "n", got.Name)

	assert.Error(t, s.Increment(ctx, path, "count;drop", 1))
}

func TestConcurrentTransactionsSerialize(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(WithMaxAttempts(100))
	path := "apps/a/counters/c1"
	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Set(path, counterDoc{})
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
				var doc counterDoc
				if _, err := tx.Get(path, &doc); err != nil {
					return err
				}
				doc.Count++
				return tx.Set(path, doc)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var got counterDoc
	_, err := s.Get(ctx, path, &got)
	require.NoError(t, err)
	assert.EqualValues(t, 8, got.Count)
}

func TestListByPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		for _, p := range []string{"apps/a/m/2", "apps/a/m/1", "apps/b/m/1"} {
			if err := tx.Set(p, counterDoc{Name: p}); err != nil {
				return err
			}
		}
		return nil
	}))

	docs, err := s.List(ctx, "apps/a/m/")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "apps/a/m/1", docs[0].Path)
	assert.Equal(t, "apps/a/m/2", docs[1].Path)

	var doc counterDoc
	require.NoError(t, docs[1].Decode(&doc))
	assert.Equal(t, "apps/a/m/2", doc.Name)
}

func TestPath(t *testing.T) {
	p, err := Path("apps", "a", "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "apps/a/users/u1", p)

	_, err = Path("apps", "", "users")
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = Path("apps", "a/b")
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = Path()
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestNowUsesClock(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewMemory(WithClock(clock.NewFakeClock(at)))
	assert.Equal(t, at, s.Now())
}

// exerciseDeleteRecreate deletes and recreates a document between another
// transaction's read and commit; the recreated document must not reuse the
// version the stale read saw.
func exerciseDeleteRecreate(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	path := "apps/a/counters/c1"
	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Set(path, counterDoc{Name: "old", Count: 1})
	}))

	attempts := 0
	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		attempts++
		var doc counterDoc
		if _, err := tx.Get(path, &doc); err != nil {
			return err
		}
		if attempts == 1 {
			require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, other Tx) error {
				return other.Delete(path)
			}))
			require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, other Tx) error {
				return other.Set(path, counterDoc{Name: "recreated", Count: 100})
			}))
		}
		doc.Count++
		return tx.Set(path, doc)
	}))
	assert.Equal(t, 2, attempts)

	var got counterDoc
	_, err := s.Get(ctx, path, &got)
	require.NoError(t, err)
	assert.Equal(t, counterDoc{Name: "recreated", Count: 101}, got)

	docs, err := s.List(ctx, "apps/a/counters/")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.EqualValues(t, 3, docs[0].Version)
}

func TestDeleteThenRecreateIsAConflict(t *testing.T) {
	exerciseDeleteRecreate(t, NewMemory())
}
