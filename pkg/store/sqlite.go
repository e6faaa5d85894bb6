package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeFormat is fixed-width so stored timestamps compare lexically.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

var sqliteDialect = dialect{
	name:      "sqlite",
	forUpdate: "",
	encodeTime: func(t time.Time) any {
		return t.UTC().Format(sqliteTimeFormat)
	},
	isConflict: func(err error) bool {
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

// OpenSQLite opens (or creates) a SQLite database at path and migrates it.
// Writers are serialized through a single connection with immediate transactions.
func OpenSQLite(ctx context.Context, path string) (Backend, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return NewSQLiteBackend(ctx, db)
}

// NewSQLiteBackend wraps an open SQLite handle and runs migrations.
func NewSQLiteBackend(ctx context.Context, db *sql.DB) (Backend, error) {
	s := &sqlBackend{db: db, d: sqliteDialect, clock: time.Now}
	if err := migrateSQLite(ctx, db); err != nil {
		return nil, err
	}
	return s, nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			idx TEXT,
			status TEXT NOT NULL DEFAULT '',
			body BLOB NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (kind, tenant_id, id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS documents_secondary ON documents (kind, tenant_id, idx) WHERE idx IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS documents_status ON documents (kind, status, updated_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}
