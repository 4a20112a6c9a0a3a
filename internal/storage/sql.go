package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrations embed.FS

type sqlDialect struct {
	name        string
	goose       goose.Dialect
	migrations  string
	placeholder func(n int) string
	timeArg     func(time.Time) any
	lockRow     string
	increment   string
}

type baseStore struct {
	db      *sql.DB
	dialect sqlDialect
}

func (b *baseStore) name() string { return b.dialect.name }

func (b *baseStore) close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	fsys, err := fs.Sub(migrations, b.dialect.migrations)
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(b.dialect.goose, b.db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders into the dialect's form.
func (b *baseStore) rebind(query string) string {
	if b.dialect.placeholder == nil {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteString(b.dialect.placeholder(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (b *baseStore) read(ctx context.Context, path string) (record, error) {
	var data string
	var version int64
	err := b.db.QueryRowContext(ctx,
		b.rebind(`SELECT data, version FROM documents WHERE path = ?`), path,
	).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return record{}, nil
	}
	if err != nil {
		return record{}, err
	}
	return record{data: []byte(data), version: version}, nil
}

func (b *baseStore) commit(ctx context.Context, reads map[string]int64, writes []write, now time.Time) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := b.apply(ctx, tx, reads, writes, now); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (b *baseStore) apply(ctx context.Context, tx *sql.Tx, reads map[string]int64, writes []write, now time.Time) error {
	written := make(map[string]bool, len(writes))
	for _, w := range writes {
		written[w.path] = true
	}
	for path, version := range reads {
		if written[path] {
			continue
		}
		current, err := b.currentVersion(ctx, tx, path)
		if err != nil {
			return err
		}
		if current != version {
			return ErrConflict
		}
	}

	ts := b.dialect.timeArg(now)
	for _, w := range writes {
		expected := expectedVersion(reads, w.path)
		var res sql.Result
		var err error
		switch {
		case w.delete && expected < 0:
			if err := b.tombstone(ctx, tx, w.path); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, b.rebind(`DELETE FROM documents WHERE path = ?`), w.path)
			if err != nil {
				return err
			}
			continue
		case w.delete && expected == 0:
			current, err := b.currentVersion(ctx, tx, w.path)
			if err != nil {
				return err
			}
			if current != 0 {
				return ErrConflict
			}
			continue
		case w.delete:
			if err := b.tombstone(ctx, tx, w.path); err != nil {
				return err
			}
			res, err = tx.ExecContext(ctx,
				b.rebind(`DELETE FROM documents WHERE path = ? AND version = ?`), w.path, expected)
		case expected < 0:
			floor, ferr := b.deletedVersion(ctx, tx, w.path)
			if ferr != nil {
				return ferr
			}
			_, err = tx.ExecContext(ctx, b.rebind(
				`INSERT INTO documents (path, data, version, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT (path) DO UPDATE SET data = excluded.data, version = documents.version + 1, updated_at = excluded.updated_at`),
				w.path, string(w.data), floor+1, ts)
			if err != nil {
				return err
			}
			continue
		case expected == 0:
			floor, ferr := b.deletedVersion(ctx, tx, w.path)
			if ferr != nil {
				return ferr
			}
			res, err = tx.ExecContext(ctx, b.rebind(
				`INSERT INTO documents (path, data, version, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT (path) DO NOTHING`),
				w.path, string(w.data), floor+1, ts)
		default:
			res, err = tx.ExecContext(ctx, b.rebind(
				`UPDATE documents SET data = ?, version = version + 1, updated_at = ? WHERE path = ? AND version = ?`),
				string(w.data), ts, w.path, expected)
		}
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
	}
	return nil
}

func (b *baseStore) currentVersion(ctx context.Context, tx *sql.Tx, path string) (int64, error) {
	var version int64
	err := tx.QueryRowContext(ctx,
		b.rebind(`SELECT version FROM documents WHERE path = ?`+b.dialect.lockRow), path,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return version, err
}

// tombstone remembers the version of a document about to be deleted so a
// later recreation numbers its versions after it.
func (b *baseStore) tombstone(ctx context.Context, tx *sql.Tx, path string) error {
	_, err := tx.ExecContext(ctx, b.rebind(
		`INSERT INTO document_tombstones (path, version)
		SELECT path, version FROM documents WHERE path = ?
		ON CONFLICT (path) DO UPDATE SET version = excluded.version`), path)
	return err
}

func (b *baseStore) deletedVersion(ctx context.Context, tx *sql.Tx, path string) (int64, error) {
	var version int64
	err := tx.QueryRowContext(ctx,
		b.rebind(`SELECT version FROM document_tombstones WHERE path = ?`), path,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return version, err
}

func (b *baseStore) increment(ctx context.Context, path, field string, delta int64, now time.Time) error {
	res, err := b.db.ExecContext(ctx, b.dialect.increment, field, delta, b.dialect.timeArg(now), path)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *baseStore) list(ctx context.Context, prefix string) ([]Document, error) {
	rows, err := b.db.QueryContext(ctx,
		b.rebind(`SELECT path, data, version FROM documents WHERE path LIKE ? ESCAPE '\' ORDER BY path`),
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Document, 0)
	for rows.Next() {
		var doc Document
		var data string
		if err := rows.Scan(&doc.Path, &data, &doc.Version); err != nil {
			return nil, err
		}
		doc.Data = []byte(data)
		out = append(out, doc)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func dollarPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}
