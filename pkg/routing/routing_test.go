package routing

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

func members(n int, inactive ...int) []contracts.Member {
	off := make(map[int]bool, len(inactive))
	for _, i := range inactive {
		off[i] = true
	}
	out := make([]contracts.Member, n)
	for i := range out {
		out[i] = contracts.Member{ID: fmt.Sprintf("h%d", i), Kind: contracts.HandlerHuman, Active: !off[i]}
	}
	return out
}

func ids(a contracts.Assignment) []string {
	var out []string
	for _, h := range a.Handlers {
		out = append(out, h.ID)
	}
	return out
}

func TestSelect_RoundRobinSkipsInactive(t *testing.T) {
	g := &contracts.HandlerGroup{ID: "g", Strategy: contracts.StrategyRoundRobin, Members: members(4, 1), Cursor: 0}
	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, ids(Select(g))...)
	}
	// active list is h0 h2 h3; start at (0+1) mod 3
	assert.Equal(t, []string{"h2", "h3", "h0", "h2", "h3", "h0"}, got)
	assert.Equal(t, 0, g.Cursor)
}

func TestSelect_LeastLoadedTieBreaksByListOrder(t *testing.T) {
	g := &contracts.HandlerGroup{
		ID: "g", Strategy: contracts.StrategyLeastLoaded, Members: members(3),
		Load: map[string]int64{"h0": 2, "h1": 1, "h2": 1},
	}
	assert.Equal(t, []string{"h1"}, ids(Select(g)))
	assert.Equal(t, []string{"h2"}, ids(Select(g)))
	assert.Equal(t, []string{"h0"}, ids(Select(g)))
	assert.Equal(t, map[string]int64{"h0": 3, "h1": 2, "h2": 2}, g.Load)

	assert.True(t, release(g, "h0"))
	assert.Equal(t, int64(2), g.Load["h0"])
	g.Load["h1"] = 0
	assert.False(t, release(g, "h1"))
}

func TestSelect_Principal(t *testing.T) {
	ms := members(3)
	ms[1].Principal = true
	g := &contracts.HandlerGroup{ID: "g", Strategy: contracts.StrategyPrincipal, Members: ms}
	assert.Equal(t, []string{"h1"}, ids(Select(g)))

	g.Members[1].Active = false
	a := Select(g)
	assert.True(t, a.Unassigned, "inactive principal without fallback")

	g.Fallback = &contracts.HandlerRef{ID: "ops", Kind: contracts.HandlerHuman}
	a = Select(g)
	assert.True(t, a.Fallback)
	assert.Equal(t, []string{"ops"}, ids(a))
}

func TestSelect_BroadcastAndEmpty(t *testing.T) {
	g := &contracts.HandlerGroup{ID: "g", Strategy: contracts.StrategyBroadcast, Members: members(3, 0)}
	assert.Equal(t, []string{"h1", "h2"}, ids(Select(g)))

	empty := &contracts.HandlerGroup{ID: "g", Strategy: contracts.StrategyRoundRobin, Members: members(2, 0, 1)}
	a := Select(empty)
	assert.True(t, a.Unassigned)
	assert.Empty(t, a.Handlers)
	assert.Equal(t, 0, empty.Cursor)
}

func newRouter(t *testing.T, g *contracts.HandlerGroup) (*Router, *store.Repository) {
	t.Helper()
	repo := store.NewRepository(store.NewMemoryBackend())
	require.NoError(t, repo.PutGroup(context.Background(), g))
	r := NewRouter(repo)
	t.Cleanup(r.Close)
	return r, repo
}

func TestRouter_ConcurrentRoundRobinNeverRepeatsIndex(t *testing.T) {
	const n = 50
	r, repo := newRouter(t, &contracts.HandlerGroup{
		ID: "sales", TenantID: "acme", Strategy: contracts.StrategyRoundRobin, Members: members(n),
	})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		cursors = make(map[int]int)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := r.Route(context.Background(), "acme", "sales")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			cursors[a.Cursor]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, cursors, n)
	for idx, count := range cursors {
		assert.Equal(t, 1, count, "index %d", idx)
	}
	g, err := repo.GetGroup(context.Background(), "acme", "sales")
	require.NoError(t, err)
	assert.Equal(t, 0, g.Cursor)
}

func TestRouter_LeastLoadedRelease(t *testing.T) {
	ctx := context.Background()
	r, repo := newRouter(t, &contracts.HandlerGroup{
		ID: "support", TenantID: "acme", Strategy: contracts.StrategyLeastLoaded, Members: members(2),
	})

	a, err := r.Route(ctx, "acme", "support")
	require.NoError(t, err)
	assert.Equal(t, []string{"h0"}, ids(a))
	a, err = r.Route(ctx, "acme", "support")
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, ids(a))

	require.NoError(t, r.Release(ctx, "acme", "support", "h1"))
	require.NoError(t, r.Release(ctx, "acme", "support", "h1"), "release at zero is a no-op")

	g, err := repo.GetGroup(ctx, "acme", "support")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"h0": 1, "h1": 0}, g.Load)
}

func TestRouter_UnknownGroup(t *testing.T) {
	r, _ := newRouter(t, &contracts.HandlerGroup{ID: "x", TenantID: "acme", Strategy: contracts.StrategyBroadcast})
	_, err := r.Route(context.Background(), "acme", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRouter_ClosedRejects(t *testing.T) {
	r, _ := newRouter(t, &contracts.HandlerGroup{ID: "x", TenantID: "acme", Strategy: contracts.StrategyBroadcast})
	r.Close()
	_, err := r.Route(context.Background(), "acme", "x")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLocalArbiter_FirstClaimWins(t *testing.T) {
	ctx := context.Background()
	a := NewLocalArbiter()
	cands := []contracts.HandlerRef{{ID: "h1"}, {ID: "h2"}}
	require.NoError(t, a.Open(ctx, "acme", "s1", cands))

	require.NoError(t, a.Claim(ctx, "acme", "s1", "h2"))
	assert.ErrorIs(t, a.Claim(ctx, "acme", "s1", "h1"), ErrAlreadyClaimed)
	assert.NoError(t, a.Claim(ctx, "acme", "s1", "h2"), "owner re-claim is idempotent")
	assert.Error(t, a.Claim(ctx, "acme", "s2", "h1"))

	owner, ok := a.Owner("acme", "s1")
	assert.True(t, ok)
	assert.Equal(t, "h2", owner)
}
