package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type docKey struct {
	kind     Kind
	tenantID string
	id       string
}

// MemoryBackend is an in-process Backend for tests and single-node demos.
type MemoryBackend struct {
	mu    sync.RWMutex
	docs  map[docKey]*Document
	index map[docKey]docKey // (kind, tenant, index) -> primary key
	seq   int64
	clock func() time.Time
}

// NewMemoryBackend creates an empty memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		docs:  make(map[docKey]*Document),
		index: make(map[docKey]docKey),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *MemoryBackend) WithClock(clock func() time.Time) *MemoryBackend {
	m.clock = clock
	return m
}

func cloneDoc(d *Document) *Document {
	c := *d
	c.Body = append([]byte(nil), d.Body...)
	return &c
}

func (m *MemoryBackend) Get(_ context.Context, kind Kind, tenantID, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[docKey{kind, tenantID, id}]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(d), nil
}

func (m *MemoryBackend) FindByIndex(_ context.Context, kind Kind, tenantID, index string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pk, ok := m.index[docKey{kind, tenantID, index}]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(m.docs[pk]), nil
}

func (m *MemoryBackend) Insert(_ context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk := docKey{doc.Kind, doc.TenantID, doc.ID}
	if _, exists := m.docs[pk]; exists {
		return ErrConflict
	}
	if doc.Index != "" {
		if _, exists := m.index[docKey{doc.Kind, doc.TenantID, doc.Index}]; exists {
			return ErrConflict
		}
	}
	m.seq++
	now := m.clock().UTC()
	doc.Seq = m.seq
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	m.docs[pk] = cloneDoc(doc)
	if doc.Index != "" {
		m.index[docKey{doc.Kind, doc.TenantID, doc.Index}] = pk
	}
	return nil
}

func (m *MemoryBackend) Update(_ context.Context, kind Kind, tenantID, id string, fn func(*Document) error) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk := docKey{kind, tenantID, id}
	cur, ok := m.docs[pk]
	if !ok {
		return nil, ErrNotFound
	}
	next := cloneDoc(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.Index != cur.Index {
		if next.Index != "" {
			if owner, taken := m.index[docKey{kind, tenantID, next.Index}]; taken && owner != pk {
				return nil, ErrConflict
			}
		}
		delete(m.index, docKey{kind, tenantID, cur.Index})
		if next.Index != "" {
			m.index[docKey{kind, tenantID, next.Index}] = pk
		}
	}
	next.Kind, next.TenantID, next.ID = kind, tenantID, id
	next.Seq, next.CreatedAt = cur.Seq, cur.CreatedAt
	next.UpdatedAt = m.clock().UTC()
	m.docs[pk] = next
	return cloneDoc(next), nil
}

func (m *MemoryBackend) List(_ context.Context, q Query) ([]*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Document
	for _, d := range m.docs {
		if !matches(d, q) {
			continue
		}
		out = append(out, cloneDoc(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if q.Descending {
			return out[i].Seq > out[j].Seq
		}
		return out[i].Seq < out[j].Seq
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(d *Document, q Query) bool {
	if d.Kind != q.Kind {
		return false
	}
	if q.TenantID != "" && d.TenantID != q.TenantID {
		return false
	}
	if q.Status != "" && d.Status != q.Status {
		return false
	}
	if !q.UpdatedBefore.IsZero() && !d.UpdatedAt.Before(q.UpdatedBefore) {
		return false
	}
	return d.Seq > q.AfterSeq
}

func (m *MemoryBackend) Close() error { return nil }
