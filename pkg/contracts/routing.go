package contracts

import "fmt"

// HandlerKind distinguishes automated agents from humans.
type HandlerKind string

const (
	HandlerAgent HandlerKind = "agent"
	HandlerHuman HandlerKind = "human"
)

// Valid reports whether k is a known handler kind.
func (k HandlerKind) Valid() bool {
	return k == HandlerAgent || k == HandlerHuman
}

// RoutingStrategy selects how a group picks its recipient.
type RoutingStrategy string

const (
	StrategyPrincipal   RoutingStrategy = "principal"
	StrategyRoundRobin  RoutingStrategy = "round_robin"
	StrategyLeastLoaded RoutingStrategy = "least_loaded"
	StrategyBroadcast   RoutingStrategy = "broadcast"
)

// Valid reports whether s is a known strategy.
func (s RoutingStrategy) Valid() bool {
	switch s {
	case StrategyPrincipal, StrategyRoundRobin, StrategyLeastLoaded, StrategyBroadcast:
		return true
	}
	return false
}

// Member is one handler in a group.
type Member struct {
	ID        string      `json:"id" yaml:"id"`
	Name      string      `json:"name" yaml:"name"`
	Kind      HandlerKind `json:"kind" yaml:"kind"`
	Active    bool        `json:"active" yaml:"active"`
	Principal bool        `json:"principal,omitempty" yaml:"principal,omitempty"`
	Address   string      `json:"address,omitempty" yaml:"address,omitempty"`
}

// Ref returns the handler reference for m.
func (m Member) Ref() HandlerRef {
	return HandlerRef{ID: m.ID, Name: m.Name, Kind: m.Kind, Address: m.Address}
}

// HandlerGroup is a named set of members plus its mutable routing state.
// Cursor and Load are only ever written by the group's router actor.
type HandlerGroup struct {
	ID       string           `json:"id" yaml:"id"`
	TenantID string           `json:"tenant_id" yaml:"tenant_id"`
	Name     string           `json:"name" yaml:"name"`
	Strategy RoutingStrategy  `json:"strategy" yaml:"strategy"`
	Members  []Member         `json:"members" yaml:"members"`
	Fallback *HandlerRef      `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Cursor   int              `json:"cursor" yaml:"cursor"`
	Load     map[string]int64 `json:"load,omitempty" yaml:"load,omitempty"`
}

// Validate checks enums and the at-most-one-principal invariant.
func (g *HandlerGroup) Validate() error {
	if g.ID == "" || g.TenantID == "" {
		return fmt.Errorf("handler group: id and tenant_id are required")
	}
	if !g.Strategy.Valid() {
		return fmt.Errorf("handler group %s: unknown strategy %q", g.ID, g.Strategy)
	}
	principals := 0
	seen := make(map[string]bool, len(g.Members))
	for _, m := range g.Members {
		if m.ID == "" || seen[m.ID] {
			return fmt.Errorf("handler group %s: member ids must be unique and non-empty", g.ID)
		}
		seen[m.ID] = true
		if !m.Kind.Valid() {
			return fmt.Errorf("handler group %s: member %s has unknown kind %q", g.ID, m.ID, m.Kind)
		}
		if m.Principal {
			principals++
		}
	}
	if principals > 1 {
		return fmt.Errorf("handler group %s: at most one principal member, found %d", g.ID, principals)
	}
	if g.Fallback != nil && !g.Fallback.Kind.Valid() {
		return fmt.Errorf("handler group %s: fallback has unknown kind %q", g.ID, g.Fallback.Kind)
	}
	return nil
}

// ActiveMembers returns the active members in list order.
func (g *HandlerGroup) ActiveMembers() []Member {
	var out []Member
	for _, m := range g.Members {
		if m.Active {
			out = append(out, m)
		}
	}
	return out
}

// Assignment is the router's answer for one submission.
type Assignment struct {
	GroupID    string          `json:"group_id"`
	Strategy   RoutingStrategy `json:"strategy"`
	Handlers   []HandlerRef    `json:"handlers,omitempty"`
	Fallback   bool            `json:"fallback,omitempty"`
	Unassigned bool            `json:"unassigned,omitempty"`
	Cursor     int             `json:"cursor,omitempty"`
}

// Primary returns the first assigned handler, if any.
func (a Assignment) Primary() (HandlerRef, bool) {
	if len(a.Handlers) == 0 {
		return HandlerRef{}, false
	}
	return a.Handlers[0], true
}
