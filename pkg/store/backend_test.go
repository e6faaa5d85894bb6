package store

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"sqlite": sqlite,
	}
}

func TestBackend_InsertGetIndex(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			doc := &Document{Kind: KindContact, TenantID: "t1", ID: "c1", Index: "ada@example.com", Status: "lead", Body: []byte(`{"a":1}`)}
			require.NoError(t, b.Insert(ctx, doc))
			assert.Positive(t, doc.Seq)

			got, err := b.Get(ctx, KindContact, "t1", "c1")
			require.NoError(t, err)
			assert.Equal(t, "lead", got.Status)
			assert.JSONEq(t, `{"a":1}`, string(got.Body))

			byIdx, err := b.FindByIndex(ctx, KindContact, "t1", "ada@example.com")
			require.NoError(t, err)
			assert.Equal(t, "c1", byIdx.ID)

			// Same index in another tenant is fine; same tenant collides.
			require.NoError(t, b.Insert(ctx, &Document{Kind: KindContact, TenantID: "t2", ID: "c1", Index: "ada@example.com", Body: []byte(`{}`)}))
			err = b.Insert(ctx, &Document{Kind: KindContact, TenantID: "t1", ID: "c2", Index: "ada@example.com", Body: []byte(`{}`)})
			assert.ErrorIs(t, err, ErrConflict)
			err = b.Insert(ctx, &Document{Kind: KindContact, TenantID: "t1", ID: "c1", Body: []byte(`{}`)})
			assert.ErrorIs(t, err, ErrConflict)

			_, err = b.Get(ctx, KindContact, "t1", "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = b.FindByIndex(ctx, KindContact, "t3", "ada@example.com")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackend_UpdateAbortsOnError(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Insert(ctx, &Document{Kind: KindSubmission, TenantID: "t1", ID: "s1", Status: "received", Body: []byte(`{"v":1}`)}))

			boom := errors.New("boom")
			_, err := b.Update(ctx, KindSubmission, "t1", "s1", func(d *Document) error {
				d.Status = "processing"
				return boom
			})
			assert.ErrorIs(t, err, boom)

			got, err := b.Get(ctx, KindSubmission, "t1", "s1")
			require.NoError(t, err)
			assert.Equal(t, "received", got.Status)

			updated, err := b.Update(ctx, KindSubmission, "t1", "s1", func(d *Document) error {
				d.Status = "processed"
				d.Body = []byte(`{"v":2}`)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, "processed", updated.Status)

			_, err = b.Update(ctx, KindSubmission, "t1", "nope", func(*Document) error { return nil })
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackend_UpdateSerializesWriters(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Insert(ctx, &Document{Kind: KindGroup, TenantID: "t1", ID: "g1", Body: []byte("0")}))

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := b.Update(ctx, KindGroup, "t1", "g1", func(d *Document) error {
						n, err := strconv.Atoi(string(d.Body))
						if err != nil {
							return err
						}
						d.Body = []byte(strconv.Itoa(n + 1))
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			got, err := b.Get(ctx, KindGroup, "t1", "g1")
			require.NoError(t, err)
			assert.Equal(t, "20", string(got.Body))
		})
	}
}

func TestBackend_ListFilters(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, d := range []*Document{
				{Kind: KindSubmission, TenantID: "t1", ID: "a", Status: "processing", Body: []byte(`{}`)},
				{Kind: KindSubmission, TenantID: "t1", ID: "b", Status: "processed", Body: []byte(`{}`)},
				{Kind: KindSubmission, TenantID: "t2", ID: "c", Status: "processing", Body: []byte(`{}`)},
				{Kind: KindEvent, TenantID: "t1", ID: "e", Body: []byte(`{}`)},
			} {
				require.NoError(t, b.Insert(ctx, d))
			}

			all, err := b.List(ctx, Query{Kind: KindSubmission, Status: "processing"})
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "a", all[0].ID)
			assert.Equal(t, "c", all[1].ID)

			t1, err := b.List(ctx, Query{Kind: KindSubmission, TenantID: "t1"})
			require.NoError(t, err)
			assert.Len(t, t1, 2)

			last, err := b.List(ctx, Query{Kind: KindSubmission, Descending: true, Limit: 1})
			require.NoError(t, err)
			require.Len(t, last, 1)
			assert.Equal(t, "c", last[0].ID)

			after, err := b.List(ctx, Query{Kind: KindSubmission, AfterSeq: all[0].Seq})
			require.NoError(t, err)
			assert.Len(t, after, 2)

			future, err := b.List(ctx, Query{Kind: KindSubmission, UpdatedBefore: time.Now().Add(time.Hour)})
			require.NoError(t, err)
			assert.Len(t, future, 3)
			past, err := b.List(ctx, Query{Kind: KindSubmission, UpdatedBefore: time.Now().Add(-time.Hour)})
			require.NoError(t, err)
			assert.Empty(t, past)
		})
	}
}

func TestMemoryBackend_Clock(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewMemoryBackend().WithClock(func() time.Time { return now })
	ctx := context.Background()
	require.NoError(t, b.Insert(ctx, &Document{Kind: KindDraft, TenantID: "t1", ID: "d1", Body: []byte(`{}`)}))

	now = now.Add(time.Minute)
	d, err := b.Update(ctx, KindDraft, "t1", "d1", func(*Document) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), d.CreatedAt)
	assert.Equal(t, now, d.UpdatedAt)
}
