package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pgColumns = []string{"seq", "kind", "tenant_id", "id", "idx", "status", "body", "created_at", "updated_at"}

func TestPostgresBackend_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	b := NewPostgresBackend(db)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT seq, kind, tenant_id, id, idx, status, body, created_at, updated_at FROM documents WHERE kind = $1 AND tenant_id = $2 AND id = $3")).
		WithArgs("submission", "tenant-1", "sub-1").
		WillReturnRows(sqlmock.NewRows(pgColumns).AddRow(7, "submission", "tenant-1", "sub-1", nil, "received", []byte(`{}`), now, now))

	d, err := b.Get(ctx, KindSubmission, "tenant-1", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), d.Seq)
	assert.Equal(t, "received", d.Status)
	assert.Empty(t, d.Index)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT seq")).
		WithArgs("submission", "tenant-1", "sub-2").
		WillReturnRows(sqlmock.NewRows(pgColumns))

	_, err = b.Get(ctx, KindSubmission, "tenant-1", "sub-2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_InsertConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	b := NewPostgresBackend(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO documents (kind, tenant_id, id, idx, status, body, created_at, updated_at)")).
		WithArgs("contact", "tenant-1", "c1", "ada@example.com", "lead", []byte(`{}`), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(3))

	doc := &Document{Kind: KindContact, TenantID: "tenant-1", ID: "c1", Index: "ada@example.com", Status: "lead", Body: []byte(`{}`)}
	require.NoError(t, b.Insert(ctx, doc))
	assert.Equal(t, int64(3), doc.Seq)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO documents")).
		WillReturnError(&pq.Error{Code: "23505"})

	err = b.Insert(ctx, &Document{Kind: KindContact, TenantID: "tenant-1", ID: "c2", Index: "ada@example.com", Body: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_UpdateLocksRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	b := NewPostgresBackend(db)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE kind = $1 AND tenant_id = $2 AND id = $3 FOR UPDATE")).
		WithArgs("handler_group", "tenant-1", "sales").
		WillReturnRows(sqlmock.NewRows(pgColumns).AddRow(11, "handler_group", "tenant-1", "sales", nil, "", []byte(`{"cursor":0}`), now, now))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET idx = $1, status = $2, body = $3, updated_at = $4 WHERE seq = $5")).
		WithArgs(nil, "", []byte(`{"cursor":1}`), sqlmock.AnyArg(), int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d, err := b.Update(ctx, KindGroup, "tenant-1", "sales", func(d *Document) error {
		d.Body = []byte(`{"cursor":1}`)
		return nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"cursor":1}`, string(d.Body))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_ListQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	b := NewPostgresBackend(db)
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE kind = $1 AND seq > $2 AND status = $3 AND updated_at < $4 ORDER BY seq ASC LIMIT $5")).
		WithArgs("submission", int64(0), "processing", cutoff, 50).
		WillReturnRows(sqlmock.NewRows(pgColumns))

	docs, err := b.List(context.Background(), Query{Kind: KindSubmission, Status: "processing", UpdatedBefore: cutoff, Limit: 50})
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.NoError(t, mock.ExpectationsWereMet())
}
