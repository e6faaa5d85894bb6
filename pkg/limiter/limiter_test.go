package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounter_RollingWindow(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	c := NewMemoryCounter().WithClock(func() time.Time { return now })
	ctx := context.Background()
	key := IPKey("t1", "f1", "203.0.113.42")

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Record(ctx, key, time.Hour))
		now = now.Add(20 * time.Minute)
	}
	// hits at 10:00, 10:20, 10:40; now 11:00
	n, err := c.Count(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	now = now.Add(45 * time.Minute)
	n, err = c.Count(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryCounter_KeysIndependent(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()
	require.NoError(t, c.Record(ctx, EmailKey("t1", "f1", "a@example.com"), time.Minute))

	n, err := c.Count(ctx, EmailKey("t1", "f1", "b@example.com"), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = c.Count(ctx, EmailKey("t2", "f1", "a@example.com"), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryCounter_AdmitStopsAtCeiling(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()
	limit := Limit{Key: IPKey("t1", "f1", "203.0.113.42"), Window: time.Hour, Ceiling: 10}

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			blocked, err := c.Admit(ctx, limit)
			if err == nil && blocked < 0 {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), admitted.Load())

	n, err := c.Count(ctx, limit.Key, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestMemoryCounter_AdmitIsAllOrNothing(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	c := NewMemoryCounter().WithClock(func() time.Time { return now })
	ctx := context.Background()
	ip := Limit{Key: IPKey("t1", "f1", "203.0.113.42"), Window: time.Hour, Ceiling: 5}
	dup := Limit{Key: DuplicateKey("t1", "f1", "a@example.com"), Window: time.Minute, Ceiling: 1}

	blocked, err := c.Admit(ctx, ip, dup)
	require.NoError(t, err)
	assert.Equal(t, -1, blocked)

	// The duplicate is full, so the ip limit must not be charged.
	blocked, err = c.Admit(ctx, ip, dup)
	require.NoError(t, err)
	assert.Equal(t, 1, blocked)
	n, err := c.Count(ctx, ip.Key, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	now = now.Add(2 * time.Minute)
	blocked, err = c.Admit(ctx, ip, dup)
	require.NoError(t, err)
	assert.Equal(t, -1, blocked)
}

// TestRedisCounter_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisCounter_Integration(t *testing.T) {
	c := NewRedisCounter("localhost:6379", "", 0)
	ctx := context.Background()
	if err := c.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	key := DuplicateKey("t1", "f1", time.Now().Format(time.RFC3339Nano))

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Record(ctx, key, time.Minute))
	}
	n, err := c.Count(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	blocked, err := c.Admit(ctx, Limit{Key: key, Window: time.Minute, Ceiling: 3})
	require.NoError(t, err)
	assert.Equal(t, 0, blocked)
	blocked, err = c.Admit(ctx, Limit{Key: key, Window: time.Minute, Ceiling: 4})
	require.NoError(t, err)
	assert.Equal(t, -1, blocked)
}
