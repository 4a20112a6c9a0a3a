package storage

import (
	"database/sql"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

var sqliteDialect = sqlDialect{
	name:       "sqlite",
	goose:      goose.DialectSQLite3,
	migrations: "migrations/sqlite",
	timeArg: func(t time.Time) any {
		return t.UTC().Format(time.RFC3339Nano)
	},
	increment: `UPDATE documents
		SET data = json_set(data, '$.' || ?1, COALESCE(json_extract(data, '$.' || ?1), 0) + ?2),
			version = version + 1,
			updated_at = ?3
		WHERE path = ?4`,
}

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string, opts ...Option) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:spendsync.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer at a time; a second connection upgrading its read lock
	// mid-transaction fails with SQLITE_BUSY instead of waiting
	db.SetMaxOpenConns(1)
	return newDocStore(&sqliteStore{baseStore{db: db, dialect: sqliteDialect}}, opts...), nil
}
