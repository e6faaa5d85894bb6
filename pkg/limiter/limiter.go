// Package limiter provides the rolling-window counters behind intake abuse
// screening: per-ip and per-email submission ceilings and duplicate detection.
package limiter

import (
	"context"
	"sync"
	"time"
)

// WindowCounter counts hits per key inside a rolling window.
type WindowCounter interface {
	// Count returns the number of hits recorded for key within the last window.
	Count(ctx context.Context, key string, window time.Duration) (int, error)
	// Record adds one hit for key at the current time. Hits older than
	// window are eligible for eviction.
	Record(ctx context.Context, key string, window time.Duration) error
	// Admit checks limits in order and, only when every one of them has
	// room, records one hit on each. It returns the index of the first full
	// limit, or -1 when the hits were recorded. Check and record are atomic.
	Admit(ctx context.Context, limits ...Limit) (int, error)
}

// Limit is one ceiling on a key: at most Ceiling hits inside Window.
type Limit struct {
	Key     string
	Window  time.Duration
	Ceiling int
}

// Keys used by the intake gate. The braces are a Redis Cluster hash tag:
// every key of one form lands in the same slot, so Admit can touch them in
// one script.
func IPKey(tenantID, formID, ip string) string { return "ip:" + formTag(tenantID, formID) + ip }
func EmailKey(tenantID, formID, email string) string {
	return "email:" + formTag(tenantID, formID) + email
}
func DuplicateKey(tenantID, formID, email string) string {
	return "dup:" + formTag(tenantID, formID) + email
}

func formTag(tenantID, formID string) string { return "{" + tenantID + ":" + formID + "}:" }

// MemoryCounter is an in-process WindowCounter.
type MemoryCounter struct {
	mu    sync.Mutex
	hits  map[string][]time.Time
	clock func() time.Time
}

// NewMemoryCounter creates an empty counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{hits: make(map[string][]time.Time), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *MemoryCounter) WithClock(clock func() time.Time) *MemoryCounter {
	m.clock = clock
	return m
}

func (m *MemoryCounter) prune(key string, window time.Duration) []time.Time {
	cutoff := m.clock().Add(-window)
	hits := m.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) == 0 {
		delete(m.hits, key)
		return nil
	}
	m.hits[key] = hits
	return hits
}

func (m *MemoryCounter) Count(_ context.Context, key string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prune(key, window)), nil
}

func (m *MemoryCounter) Record(_ context.Context, key string, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits[key] = append(m.prune(key, window), m.clock())
	return nil
}

func (m *MemoryCounter) Admit(_ context.Context, limits ...Limit) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range limits {
		if len(m.prune(l.Key, l.Window)) >= l.Ceiling {
			return i, nil
		}
	}
	now := m.clock()
	for _, l := range limits {
		m.hits[l.Key] = append(m.hits[l.Key], now)
	}
	return -1, nil
}
