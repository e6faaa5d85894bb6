package routing

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
)

// ErrAlreadyClaimed is returned when another handler won the claim.
var ErrAlreadyClaimed = errors.New("routing: submission already claimed")

// ClaimArbiter decides which of several broadcast recipients owns a submission.
// Arbitration lives outside the engine; Open only announces the candidates.
type ClaimArbiter interface {
	Open(ctx context.Context, tenantID, submissionID string, candidates []contracts.HandlerRef) error
	Claim(ctx context.Context, tenantID, submissionID, handlerID string) error
}

// LocalArbiter is an in-process first-claim-wins arbiter for single-node
// deployments.
type LocalArbiter struct {
	mu     sync.Mutex
	open   map[string]map[string]bool
	owners map[string]string
	logger *slog.Logger
}

// NewLocalArbiter creates an empty arbiter.
func NewLocalArbiter() *LocalArbiter {
	return &LocalArbiter{
		open:   make(map[string]map[string]bool),
		owners: make(map[string]string),
		logger: slog.Default().With("component", "claim_arbiter"),
	}
}

func claimKey(tenantID, submissionID string) string { return tenantID + "/" + submissionID }

// Open registers the candidates for a broadcast submission.
func (a *LocalArbiter) Open(ctx context.Context, tenantID, submissionID string, candidates []contracts.HandlerRef) error {
	set := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		set[c.ID] = true
	}
	a.mu.Lock()
	a.open[claimKey(tenantID, submissionID)] = set
	a.mu.Unlock()
	a.logger.InfoContext(ctx, "broadcast opened", "tenant_id", tenantID, "submission_id", submissionID, "candidates", len(candidates))
	return nil
}

// Claim grants the submission to handlerID if nobody claimed it first.
func (a *LocalArbiter) Claim(ctx context.Context, tenantID, submissionID, handlerID string) error {
	key := claimKey(tenantID, submissionID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if owner, ok := a.owners[key]; ok {
		if owner == handlerID {
			return nil
		}
		return ErrAlreadyClaimed
	}
	if !a.open[key][handlerID] {
		return errors.New("routing: handler was not a broadcast candidate")
	}
	a.owners[key] = handlerID
	delete(a.open, key)
	a.logger.InfoContext(ctx, "broadcast claimed", "tenant_id", tenantID, "submission_id", submissionID, "handler_id", handlerID)
	return nil
}

// Owner returns the winning handler, if any.
func (a *LocalArbiter) Owner(tenantID, submissionID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.owners[claimKey(tenantID, submissionID)]
	return owner, ok
}
