package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

// ErrClosed is returned once the router has been shut down.
var ErrClosed = errors.New("routing: router closed")

// mailboxSize bounds the queue in front of each group actor.
const mailboxSize = 64

type opKind int

const (
	opRoute opKind = iota
	opRelease
)

type request struct {
	ctx      context.Context
	op       opKind
	memberID string
	reply    chan response
}

type response struct {
	assignment contracts.Assignment
	err        error
}

// Router owns one actor goroutine per (tenant, group). The actor performs
// the read-modify-write of routing state and persists it before replying.
type Router struct {
	repo   *store.Repository
	logger *slog.Logger

	mu     sync.RWMutex
	actors map[string]chan request
	closed bool
	wg     sync.WaitGroup
}

// NewRouter creates a router over the group store.
func NewRouter(repo *store.Repository) *Router {
	return &Router{
		repo:   repo,
		logger: slog.Default().With("component", "router"),
		actors: make(map[string]chan request),
	}
}

// Route returns the assignment for one submission to groupID.
func (r *Router) Route(ctx context.Context, tenantID, groupID string) (contracts.Assignment, error) {
	resp, err := r.send(ctx, tenantID, groupID, request{op: opRoute})
	if err != nil {
		return contracts.Assignment{}, err
	}
	return resp.assignment, resp.err
}

// Release decrements memberID's load in a least-loaded group. It is a no-op
// for other strategies and for counters already at zero.
func (r *Router) Release(ctx context.Context, tenantID, groupID, memberID string) error {
	resp, err := r.send(ctx, tenantID, groupID, request{op: opRelease, memberID: memberID})
	if err != nil {
		return err
	}
	return resp.err
}

func (r *Router) send(ctx context.Context, tenantID, groupID string, req request) (response, error) {
	req.ctx = ctx
	req.reply = make(chan response, 1)
	if err := r.enqueue(ctx, tenantID+"/"+groupID, tenantID, groupID, req); err != nil {
		return response{}, err
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// enqueue delivers req under the read lock so Close cannot close a mailbox
// mid-send.
func (r *Router) enqueue(ctx context.Context, key, tenantID, groupID string, req request) error {
	for {
		r.mu.RLock()
		if r.closed {
			r.mu.RUnlock()
			return ErrClosed
		}
		if mb, ok := r.actors[key]; ok {
			var err error
			select {
			case mb <- req:
			case <-ctx.Done():
				err = ctx.Err()
			}
			r.mu.RUnlock()
			return err
		}
		r.mu.RUnlock()
		r.spawn(key, tenantID, groupID)
	}
}

func (r *Router) spawn(key, tenantID, groupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.actors[key]; ok {
		return
	}
	mb := make(chan request, mailboxSize)
	r.actors[key] = mb
	r.wg.Add(1)
	go r.run(tenantID, groupID, mb)
}

// run is the group actor. It is the only goroutine in this process that
// writes the group's cursor and load.
func (r *Router) run(tenantID, groupID string, mailbox <-chan request) {
	defer r.wg.Done()
	logger := r.logger.With("tenant_id", tenantID, "group_id", groupID)
	for req := range mailbox {
		var resp response
		switch req.op {
		case opRoute:
			resp.assignment, resp.err = r.route(req.ctx, tenantID, groupID)
			if resp.err == nil {
				logger.DebugContext(req.ctx, "routed",
					"strategy", resp.assignment.Strategy,
					"handlers", len(resp.assignment.Handlers),
					"fallback", resp.assignment.Fallback,
					"unassigned", resp.assignment.Unassigned)
			}
		case opRelease:
			resp.err = r.release(req.ctx, tenantID, groupID, req.memberID)
		}
		if resp.err != nil {
			logger.WarnContext(req.ctx, "routing request failed", "error", resp.err)
		}
		req.reply <- resp
	}
}

func (r *Router) route(ctx context.Context, tenantID, groupID string) (contracts.Assignment, error) {
	var out contracts.Assignment
	_, err := r.repo.UpdateGroup(ctx, tenantID, groupID, func(g *contracts.HandlerGroup) error {
		out = Select(g)
		return nil
	})
	if err != nil {
		return contracts.Assignment{}, fmt.Errorf("route %s: %w", groupID, err)
	}
	return out, nil
}

var errNoChange = errors.New("no change")

func (r *Router) release(ctx context.Context, tenantID, groupID, memberID string) error {
	_, err := r.repo.UpdateGroup(ctx, tenantID, groupID, func(g *contracts.HandlerGroup) error {
		if !release(g, memberID) {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release %s/%s: %w", groupID, memberID, err)
	}
	return nil
}

// Close stops all actors after they drain their mailboxes.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for key, mb := range r.actors {
		close(mb)
		delete(r.actors, key)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
