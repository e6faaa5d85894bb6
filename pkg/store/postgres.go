package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var postgresDialect = dialect{
	name:      "postgres",
	numbered:  true,
	forUpdate: " FOR UPDATE",
	encodeTime: func(t time.Time) any {
		return t.UTC()
	},
	isConflict: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	},
}

// NewPostgresBackend wraps an open PostgreSQL handle. Call Init before use.
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{sqlBackend{db: db, d: postgresDialect, clock: time.Now}}
}

// PostgresBackend implements Backend using PostgreSQL row locks.
type PostgresBackend struct {
	sqlBackend
}

// Init creates the documents table and indexes.
func (p *PostgresBackend) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			seq BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			idx TEXT,
			status TEXT NOT NULL DEFAULT '',
			body BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (kind, tenant_id, id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS documents_secondary ON documents (kind, tenant_id, idx) WHERE idx IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS documents_status ON documents (kind, status, updated_at)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
