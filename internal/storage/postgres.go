package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

var postgresDialect = sqlDialect{
	name:        "postgres",
	goose:       goose.DialectPostgres,
	migrations:  "migrations/postgres",
	placeholder: dollarPlaceholder,
	timeArg: func(t time.Time) any {
		return t.UTC()
	},
	lockRow: " FOR UPDATE",
	increment: `UPDATE documents
		SET data = jsonb_set(data, ARRAY[$1::text], to_jsonb(COALESCE((data->>$1::text)::bigint, 0) + $2::bigint)),
			version = version + 1,
			updated_at = $3
		WHERE path = $4`,
}

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string, opts ...Option) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/spendsync?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return newDocStore(&postgresStore{baseStore{db: db, dialect: postgresDialect}}, opts...), nil
}
