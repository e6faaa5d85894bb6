// Package routing assigns submissions to handlers within a handler group.
//
// Each group's cursor and load counters have exactly one writer: the group's
// actor goroutine, reached through Router. The selection functions in this
// file are pure over a *contracts.HandlerGroup and mutate only that value.
package routing

import "github.com/Mindburn-Labs/helm-intake/pkg/contracts"

// Select picks the recipients for one submission, mutating g's cursor or
// load counters as the strategy requires.
func Select(g *contracts.HandlerGroup) contracts.Assignment {
	out := contracts.Assignment{GroupID: g.ID, Strategy: g.Strategy}
	active := g.ActiveMembers()
	if len(active) == 0 {
		return fallback(g, out)
	}

	switch g.Strategy {
	case contracts.StrategyPrincipal:
		for _, m := range g.Members {
			if m.Principal {
				if !m.Active {
					break
				}
				out.Handlers = []contracts.HandlerRef{m.Ref()}
				return out
			}
		}
		return fallback(g, out)

	case contracts.StrategyRoundRobin:
		next := (g.Cursor + 1) % len(active)
		if next < 0 {
			next += len(active)
		}
		g.Cursor = next
		out.Cursor = next
		out.Handlers = []contracts.HandlerRef{active[next].Ref()}
		return out

	case contracts.StrategyLeastLoaded:
		if g.Load == nil {
			g.Load = make(map[string]int64)
		}
		best := active[0]
		for _, m := range active[1:] {
			if g.Load[m.ID] < g.Load[best.ID] {
				best = m
			}
		}
		g.Load[best.ID]++
		out.Handlers = []contracts.HandlerRef{best.Ref()}
		return out

	case contracts.StrategyBroadcast:
		for _, m := range active {
			out.Handlers = append(out.Handlers, m.Ref())
		}
		return out
	}
	return fallback(g, out)
}

func fallback(g *contracts.HandlerGroup, out contracts.Assignment) contracts.Assignment {
	if g.Fallback != nil {
		out.Handlers = []contracts.HandlerRef{*g.Fallback}
		out.Fallback = true
		return out
	}
	out.Unassigned = true
	return out
}

// release undoes one least-loaded increment for memberID. Counters never go negative.
func release(g *contracts.HandlerGroup, memberID string) bool {
	if g.Strategy != contracts.StrategyLeastLoaded || g.Load[memberID] <= 0 {
		return false
	}
	g.Load[memberID]--
	return true
}
