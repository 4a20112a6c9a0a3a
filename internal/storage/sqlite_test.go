package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteForTest(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "docs.db") + "?_pragma=busy_timeout(5000)"
	s, err := NewSQLite(dsn)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteTransactionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteForTest(t)
	path := "apps/a/counters/c1"

	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		found, err := tx.Get(path, nil)
		if err != nil {
			return err
		}
		assert.False(t, found)
		return tx.Set(path, counterDoc{Name: "sql", Count: 1})
	}))

	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Update(path, map[string]any{"count": 5})
	}))

	var got counterDoc
	found, err := s.Get(ctx, path, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, counterDoc{Name: "sql", Count: 5}, got)

	require.NoError(t, s.Increment(ctx, path, "count", 3))
	_, err = s.Get(ctx, path, &got)
	require.NoError(t, err)
	assert.EqualValues(t, 8, got.Count)

	assert.ErrorIs(t, s.Increment(ctx, "apps/a/counters/none", "count", 1), ErrNotFound)
}

func TestSQLiteConflictRetry(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteForTest(t)
	path := "apps/a/counters/c1"
	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Set(path, counterDoc{Count: 1})
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
				return other.Set(path, counterDoc{Count: 10})
			}))
		}
		doc.Count++
		return tx.Set(path, doc)
	}))
	assert.Equal(t, 2, attempts)

	var got counterDoc
	_, err := s.Get(ctx, path, &got)
	require.NoError(t, err)
	assert.EqualValues(t, 11, got.Count)
}

func TestSQLiteCreateRaceDetected(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteForTest(t)
	path := "apps/a/counters/new"

	attempts := 0
	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		attempts++
		found, err := tx.Get(path, nil)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		if attempts == 1 {
			require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, other Tx) error {
				return other.Set(path, counterDoc{Name: "other"})
			}))
		}
		return tx.Set(path, counterDoc{Name: "mine"})
	}))
	assert.Equal(t, 2, attempts)

	var got counterDoc
	_, err := s.Get(ctx, path, &got)
	require.NoError(t, err)
	assert.Equal(t, "other", got.Name)
}

func TestSQLiteListAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteForTest(t)
	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		for _, p := range []string{"apps/a/m_x/1", "apps/a/mzx/1", "apps/a/m_x/2"} {
			if err := tx.Set(p, counterDoc{Name: p}); err != nil {
				return err
			}
		}
		return nil
	}))

	docs, err := s.List(ctx, "apps/a/m_x/")
	require.NoError(t, err)
	require.Len(t, docs, 2, "underscore in the prefix must match literally")

	require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Delete("apps/a/m_x/1")
	}))
	docs, err = s.List(ctx, "apps/a/m_x/")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "apps/a/m_x/2", docs[0].Path)
}

func TestSQLiteDeleteThenRecreateIsAConflict(t *testing.T) {
	exerciseDeleteRecreate(t, newSQLiteForTest(t))
}
