// Package events records pipeline transitions in a tamper-evident, per-tenant
// hash chain and fans them out to live observers.
package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

// ErrUnknownType is returned for event types outside the closed set.
var ErrUnknownType = errors.New("unknown event type")

// Publisher is what pipeline components emit through.
type Publisher interface {
	Emit(ctx context.Context, e *contracts.Event) error
}

// New builds an unstamped event.
func New(tenantID string, typ contracts.EventType, submissionID string, payload map[string]any) *contracts.Event {
	return &contracts.Event{TenantID: tenantID, Type: typ, SubmissionID: submissionID, Payload: payload}
}

// Emitter persists events then publishes them to the broker.
type Emitter struct {
	repo   *store.Repository
	broker *Broker
	logger *slog.Logger

	mu    sync.Mutex
	heads map[string]string      // tenant -> last chain hash
	locks map[string]*sync.Mutex // tenant -> append lock
	clock func() time.Time
}

// NewEmitter creates an emitter. broker may be nil.
func NewEmitter(repo *store.Repository, broker *Broker) *Emitter {
	return &Emitter{
		repo:   repo,
		broker: broker,
		logger: slog.Default().With("component", "events"),
		heads:  make(map[string]string),
		locks:  make(map[string]*sync.Mutex),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (em *Emitter) WithClock(clock func() time.Time) *Emitter {
	em.clock = clock
	return em
}

// Emit validates, stamps, persists and publishes e. Appends for one tenant
// are serialized so the chain never forks. Tenants do not wait on each other.
func (em *Emitter) Emit(ctx context.Context, e *contracts.Event) error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = em.clock().UTC()
	}

	payloadHash, err := CanonicalHash(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to compute payload hash: %w", err)
	}
	e.PayloadHash = payloadHash

	lock := em.tenantLock(e.TenantID)
	lock.Lock()
	defer lock.Unlock()

	prev, err := em.head(ctx, e.TenantID)
	if err != nil {
		return err
	}
	chain, err := CanonicalHash(map[string]any{
		"event_id":      e.ID,
		"type":          string(e.Type),
		"submission_id": e.SubmissionID,
		"payload_hash":  e.PayloadHash,
		"previous_hash": prev,
	})
	if err != nil {
		return fmt.Errorf("failed to compute chain hash: %w", err)
	}
	e.ChainHash = chain
	if err := em.repo.AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("persist event %s: %w", e.Type, err)
	}
	em.mu.Lock()
	em.heads[e.TenantID] = chain
	em.mu.Unlock()

	em.logger.DebugContext(ctx, "event emitted", "tenant_id", e.TenantID, "type", e.Type, "submission_id", e.SubmissionID, "sequence", e.Sequence)
	// Published under the tenant lock so observers see sequence order.
	if em.broker != nil {
		em.broker.Publish(e.TenantID, e)
	}
	return nil
}

func (em *Emitter) tenantLock(tenantID string) *sync.Mutex {
	em.mu.Lock()
	defer em.mu.Unlock()
	l, ok := em.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		em.locks[tenantID] = l
	}
	return l
}

// head returns the tenant's last chain hash. Callers hold the tenant lock.
func (em *Emitter) head(ctx context.Context, tenantID string) (string, error) {
	em.mu.Lock()
	h, ok := em.heads[tenantID]
	em.mu.Unlock()
	if ok {
		return h, nil
	}
	last, err := em.repo.LastEvent(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load chain head: %w", err)
	}
	return last.ChainHash, nil
}

// Verify recomputes the chain over events (oldest first) and returns the
// index of the first broken link, or -1.
func Verify(events []*contracts.Event, prev string) (int, error) {
	for i, e := range events {
		ph, err := CanonicalHash(e.Payload)
		if err != nil {
			return i, err
		}
		chain, err := CanonicalHash(map[string]any{
			"event_id":      e.ID,
			"type":          string(e.Type),
			"submission_id": e.SubmissionID,
			"payload_hash":  ph,
			"previous_hash": prev,
		})
		if err != nil {
			return i, err
		}
		if ph != e.PayloadHash || chain != e.ChainHash {
			return i, nil
		}
		prev = chain
	}
	return -1, nil
}

// CanonicalHash returns the SHA-256 hex digest of the RFC 8785 form of v.
func CanonicalHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("jcs: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Emit is a convenience for components that treat emission failures as
// non-fatal: the failure is logged against logger and swallowed.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, e *contracts.Event) {
	if p == nil {
		return
	}
	if err := p.Emit(ctx, e); err != nil {
		logger.ErrorContext(ctx, "event emission failed", "type", e.Type, "submission_id", e.SubmissionID, "error", err)
	}
}
