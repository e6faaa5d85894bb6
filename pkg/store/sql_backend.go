package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dialect captures the differences between the SQL engines we run on.
type dialect struct {
	name       string
	numbered   bool // $1, $2 placeholders instead of ?
	forUpdate  string
	encodeTime func(time.Time) any
	isConflict func(error) bool
}

// sqlBackend implements Backend over database/sql.
type sqlBackend struct {
	db    *sql.DB
	d     dialect
	clock func() time.Time
}

const selectColumns = "seq, kind, tenant_id, id, idx, status, body, created_at, updated_at"

func (s *sqlBackend) rebind(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		d                Document
		kind, idx        string
		idxNull          sql.NullString
		body             []byte
		created, updated any
	)
	if err := row.Scan(&d.Seq, &kind, &d.TenantID, &d.ID, &idxNull, &d.Status, &body, &created, &updated); err != nil {
		return nil, err
	}
	if idxNull.Valid {
		idx = idxNull.String
	}
	d.Kind = Kind(kind)
	d.Index = idx
	d.Body = body
	var err error
	if d.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	return &d, nil
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return time.Parse(time.RFC3339Nano, t)
	case []byte:
		return time.Parse(time.RFC3339Nano, string(t))
	case nil:
		return time.Time{}, nil
	}
	return time.Time{}, fmt.Errorf("unsupported time value %T", v)
}

func nullIndex(idx string) any {
	if idx == "" {
		return nil
	}
	return idx
}

func (s *sqlBackend) Get(ctx context.Context, kind Kind, tenantID, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind("SELECT "+selectColumns+" FROM documents WHERE kind = ? AND tenant_id = ? AND id = ?"),
		string(kind), tenantID, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: get %s/%s: %w", s.d.name, kind, id, err)
	}
	return d, nil
}

func (s *sqlBackend) FindByIndex(ctx context.Context, kind Kind, tenantID, index string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind("SELECT "+selectColumns+" FROM documents WHERE kind = ? AND tenant_id = ? AND idx = ?"),
		string(kind), tenantID, index)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: find %s by index: %w", s.d.name, kind, err)
	}
	return d, nil
}

func (s *sqlBackend) Insert(ctx context.Context, doc *Document) error {
	now := s.clock().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	row := s.db.QueryRowContext(ctx,
		s.rebind(`INSERT INTO documents (kind, tenant_id, id, idx, status, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING seq`),
		string(doc.Kind), doc.TenantID, doc.ID, nullIndex(doc.Index), doc.Status, doc.Body,
		s.d.encodeTime(doc.CreatedAt), s.d.encodeTime(doc.UpdatedAt))
	if err := row.Scan(&doc.Seq); err != nil {
		if s.d.isConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("%s: insert %s/%s: %w", s.d.name, doc.Kind, doc.ID, err)
	}
	return nil
}

func (s *sqlBackend) Update(ctx context.Context, kind Kind, tenantID, id string, fn func(*Document) error) (*Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: begin: %w", s.d.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		s.rebind("SELECT "+selectColumns+" FROM documents WHERE kind = ? AND tenant_id = ? AND id = ?"+s.d.forUpdate),
		string(kind), tenantID, id)
	cur, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: lock %s/%s: %w", s.d.name, kind, id, err)
	}
	next := cloneDoc(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Kind, next.TenantID, next.ID = kind, tenantID, id
	next.Seq, next.CreatedAt = cur.Seq, cur.CreatedAt
	next.UpdatedAt = s.clock().UTC()

	_, err = tx.ExecContext(ctx,
		s.rebind("UPDATE documents SET idx = ?, status = ?, body = ?, updated_at = ? WHERE seq = ?"),
		nullIndex(next.Index), next.Status, next.Body, s.d.encodeTime(next.UpdatedAt), next.Seq)
	if err != nil {
		if s.d.isConflict(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("%s: update %s/%s: %w", s.d.name, kind, id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: commit: %w", s.d.name, err)
	}
	return next, nil
}

func (s *sqlBackend) List(ctx context.Context, q Query) ([]*Document, error) {
	var (
		where = []string{"kind = ?", "seq > ?"}
		args  = []any{string(q.Kind), q.AfterSeq}
	)
	if q.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}
	if !q.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, s.d.encodeTime(q.UpdatedBefore.UTC()))
	}
	query := "SELECT " + selectColumns + " FROM documents WHERE " + strings.Join(where, " AND ")
	if q.Descending {
		query += " ORDER BY seq DESC"
	} else {
		query += " ORDER BY seq ASC"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%s: list %s: %w", s.d.name, q.Kind, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqlBackend) Close() error {
	return s.db.Close()
}
