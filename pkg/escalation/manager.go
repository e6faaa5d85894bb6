// Package escalation holds the human side of the pipeline: drafts awaiting
// sign-off, the escalation queue, operator overrides and the review and
// unassigned queues.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/events"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

var (
	// ErrNotPending is returned when deciding a draft that was already decided.
	ErrNotPending = errors.New("escalation: draft is not pending")
	// ErrInvalidOverride is returned for override targets operators may not set.
	ErrInvalidOverride = errors.New("escalation: invalid override status")
)

// Executor resumes an approved draft. The agent loop implements it.
type Executor interface {
	ExecuteDraft(ctx context.Context, draft *contracts.Draft) error
}

// Releaser gives back least-loaded capacity. The routing actor implements it.
type Releaser interface {
	Release(ctx context.Context, tenantID, groupID, memberID string) error
}

// Manager handles the lifecycle of drafts and escalations.
type Manager struct {
	repo     *store.Repository
	events   events.Publisher
	exec     Executor
	releaser Releaser
	logger   *slog.Logger
	clock    func() time.Time
}

// NewManager creates a new escalation manager.
func NewManager(repo *store.Repository, pub events.Publisher) *Manager {
	return &Manager{
		repo:   repo,
		events: pub,
		logger: slog.Default().With("component", "escalation"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithExecutor sets the executor approved drafts are handed to.
func (m *Manager) WithExecutor(exec Executor) *Manager {
	m.exec = exec
	return m
}

// WithReleaser sets where handler load goes when an operator closes a submission.
func (m *Manager) WithReleaser(r Releaser) *Manager {
	m.releaser = r
	return m
}

// release returns the load sub's handlers hold in its form's group.
func (m *Manager) release(ctx context.Context, sub *contracts.Submission) {
	if m.releaser == nil || len(sub.Handlers) == 0 {
		return
	}
	form, err := m.repo.GetForm(ctx, sub.FormID)
	if err != nil || form.HandlerGroupID == "" {
		return
	}
	for _, h := range sub.Handlers {
		if err := m.releaser.Release(ctx, sub.TenantID, form.HandlerGroupID, h.ID); err != nil {
			m.logger.WarnContext(ctx, "release failed", "submission_id", sub.ID, "handler_id", h.ID, "error", err)
		}
	}
}

// CreateDraft persists a validated plan as pending and parks the submission.
func (m *Manager) CreateDraft(ctx context.Context, sub *contracts.Submission, plan *contracts.Plan) (*contracts.Draft, error) {
	now := m.clock().UTC()
	d := &contracts.Draft{
		ID:             uuid.NewString(),
		TenantID:       sub.TenantID,
		SubmissionID:   sub.ID,
		Rationale:      plan.Rationale,
		Actions:        plan.Actions,
		ContactUpdates: plan.ContactUpdates,
		Status:         contracts.DraftPending,
		CreatedAt:      now,
	}
	if err := m.repo.CreateDraft(ctx, d); err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}
	if _, err := m.repo.UpdateSubmission(ctx, sub.TenantID, sub.ID, func(s *contracts.Submission) error {
		s.Status = contracts.StatusPending
		s.AgentSummary = plan.Rationale
		s.Steps = append(s.Steps, contracts.StepEntry{
			Step: "draft_created", Outcome: contracts.StepOK, At: now, EntityRef: "draft:" + d.ID,
		})
		return nil
	}); err != nil {
		return nil, fmt.Errorf("park submission: %w", err)
	}
	events.Emit(ctx, m.events, m.logger, events.New(sub.TenantID, contracts.EventAgentDraft, sub.ID, map[string]any{
		"draft_id": d.ID,
		"actions":  len(d.Actions),
	}))
	return d, nil
}

// Approve marks a pending draft approved and resumes execution.
func (m *Manager) Approve(ctx context.Context, tenantID, draftID, approverID string) (*contracts.Draft, error) {
	d, err := m.decide(ctx, tenantID, draftID, approverID, contracts.DraftApproved, "")
	if err != nil {
		return nil, err
	}
	events.Emit(ctx, m.events, m.logger, events.New(tenantID, contracts.EventHumanApproved, d.SubmissionID, map[string]any{
		"draft_id": d.ID,
		"by":       approverID,
	}))
	m.logger.InfoContext(ctx, "draft approved", "tenant_id", tenantID, "draft_id", d.ID, "by", approverID)
	if m.exec == nil {
		return d, fmt.Errorf("escalation: no executor configured for draft %s", d.ID)
	}
	if err := m.exec.ExecuteDraft(ctx, d); err != nil {
		return d, fmt.Errorf("execute draft %s: %w", d.ID, err)
	}
	return d, nil
}

// Reject marks a pending draft rejected and closes the submission without
// executing anything.
func (m *Manager) Reject(ctx context.Context, tenantID, draftID, denierID, reason string) (*contracts.Draft, error) {
	d, err := m.decide(ctx, tenantID, draftID, denierID, contracts.DraftRejected, reason)
	if err != nil {
		return nil, err
	}
	now := m.clock().UTC()
	sub, err := m.repo.UpdateSubmission(ctx, tenantID, d.SubmissionID, func(s *contracts.Submission) error {
		s.Status = contracts.StatusProcessed
		s.ProcessedAt = &now
		s.Steps = append(s.Steps, contracts.StepEntry{
			Step: "draft_rejected", Outcome: contracts.StepOK, At: now, EntityRef: "draft:" + d.ID, Detail: reason,
		})
		return nil
	})
	if err != nil {
		return d, fmt.Errorf("close submission: %w", err)
	}
	m.release(ctx, sub)
	events.Emit(ctx, m.events, m.logger, events.New(tenantID, contracts.EventHumanRejected, d.SubmissionID, map[string]any{
		"draft_id": d.ID,
		"by":       denierID,
		"reason":   reason,
	}))
	m.logger.InfoContext(ctx, "draft rejected", "tenant_id", tenantID, "draft_id", d.ID, "by", denierID)
	return d, nil
}

func (m *Manager) decide(ctx context.Context, tenantID, draftID, by string, to contracts.DraftStatus, reason string) (*contracts.Draft, error) {
	now := m.clock().UTC()
	return m.repo.UpdateDraft(ctx, tenantID, draftID, func(d *contracts.Draft) error {
		if d.Status != contracts.DraftPending {
			return fmt.Errorf("%w: %s is %s", ErrNotPending, draftID, d.Status)
		}
		d.Status = to
		d.DecidedBy = by
		d.DecidedAt = &now
		d.Reason = reason
		return nil
	})
}

// PendingDrafts lists drafts awaiting a decision.
func (m *Manager) PendingDrafts(ctx context.Context, tenantID string) ([]*contracts.Draft, error) {
	return m.repo.ListDrafts(ctx, tenantID, contracts.DraftPending)
}

// Open enqueues an escalation for sub.
func (m *Manager) Open(ctx context.Context, sub *contracts.Submission, reason string, fallback *contracts.HandlerRef) (*contracts.Escalation, error) {
	e := &contracts.Escalation{
		ID:           uuid.NewString(),
		TenantID:     sub.TenantID,
		SubmissionID: sub.ID,
		Reason:       reason,
		Fallback:     fallback,
		Status:       contracts.EscalationOpen,
		CreatedAt:    m.clock().UTC(),
	}
	if err := m.repo.CreateEscalation(ctx, e); err != nil {
		return nil, fmt.Errorf("open escalation: %w", err)
	}
	m.logger.WarnContext(ctx, "submission escalated", "tenant_id", sub.TenantID, "submission_id", sub.ID, "reason", reason)
	return e, nil
}

// Resolve closes an escalation.
func (m *Manager) Resolve(ctx context.Context, tenantID, id, by string) (*contracts.Escalation, error) {
	now := m.clock().UTC()
	return m.repo.UpdateEscalation(ctx, tenantID, id, func(e *contracts.Escalation) error {
		if e.Status == contracts.EscalationResolved {
			return nil
		}
		e.Status = contracts.EscalationResolved
		e.ResolvedBy = by
		e.ResolvedAt = &now
		return nil
	})
}

// OpenEscalations lists unresolved escalations.
func (m *Manager) OpenEscalations(ctx context.Context, tenantID string) ([]*contracts.Escalation, error) {
	return m.repo.ListEscalations(ctx, tenantID, contracts.EscalationOpen)
}
