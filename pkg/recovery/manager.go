package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/crm"
	"github.com/Mindburn-Labs/helm-intake/pkg/escalation"
	"github.com/Mindburn-Labs/helm-intake/pkg/events"
	"github.com/Mindburn-Labs/helm-intake/pkg/flows"
	"github.com/Mindburn-Labs/helm-intake/pkg/llm"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

// ErrExhausted is returned when every decision attempt failed and the
// submission was escalated.
var ErrExhausted = errors.New("recovery: decision attempts exhausted")

// Releaser gives back least-loaded capacity when a submission settles.
type Releaser interface {
	Release(ctx context.Context, tenantID, groupID, memberID string) error
}

// Manager applies the recovery policies.
type Manager struct {
	repo     *store.Repository
	events   events.Publisher
	esc      *escalation.Manager
	notifier crm.Notifier
	releaser Releaser
	policy   BackoffPolicy
	sleep    Sleeper
	clock    func() time.Time
	logger   *slog.Logger
}

// NewManager creates a recovery manager.
func NewManager(repo *store.Repository, pub events.Publisher, esc *escalation.Manager, notifier crm.Notifier) *Manager {
	return &Manager{
		repo:     repo,
		events:   pub,
		esc:      esc,
		notifier: notifier,
		policy:   DecisionPolicy,
		sleep:    Sleep,
		clock:    time.Now,
		logger:   slog.Default().With("component", "recovery"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithSleeper overrides how backoff delays are waited out.
func (m *Manager) WithSleeper(s Sleeper) *Manager {
	m.sleep = s
	return m
}

// WithReleaser wires load release for least-loaded groups.
func (m *Manager) WithReleaser(r Releaser) *Manager {
	m.releaser = r
	return m
}

func classify(err error) contracts.ErrorType {
	if errors.Is(err, llm.ErrTimeout) {
		return contracts.ErrorDecisionTimeout
	}
	return contracts.ErrorDecisionUnavailable
}

// Decide runs call under the decision retry policy. Every failed attempt is
// recorded and announced; transient failures are retried on the backoff
// schedule. When attempts run out the submission is escalated and
// ErrExhausted is returned.
func (m *Manager) Decide(ctx context.Context, sub *contracts.Submission, call func(context.Context) (string, error)) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		content, err := call(ctx)
		if err == nil {
			return content, nil
		}
		lastErr = err
		retry := llm.Transient(err) && attempt < m.policy.MaxAttempts
		resolution := contracts.ResolutionEscalated
		if retry {
			resolution = contracts.ResolutionRetry
		}
		typ := classify(err)
		if err := m.RecordError(ctx, sub, typ, attempt, resolution, err.Error()); err != nil {
			return "", err
		}
		events.Emit(ctx, m.events, m.logger, events.New(sub.TenantID, contracts.EventAgentError, sub.ID, map[string]any{
			"attempt":    attempt,
			"error_type": string(typ),
			"message":    err.Error(),
		}))
		if !retry {
			break
		}
		delay := ComputeBackoff(attempt, m.policy)
		events.Emit(ctx, m.events, m.logger, events.New(sub.TenantID, contracts.EventAgentRetry, sub.ID, map[string]any{
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
		}))
		m.logger.WarnContext(ctx, "decision call failed, retrying",
			"tenant_id", sub.TenantID, "submission_id", sub.ID, "attempt", attempt, "delay", delay, "error", err)
		if err := m.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
	if err := m.Escalate(ctx, sub, "decision service failed: "+lastErr.Error()); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

// Action runs one action handler, retrying it once. A second failure is
// recorded as action_failed and reported in the result; it never aborts
// the caller.
func (m *Manager) Action(ctx context.Context, sub *contracts.Submission, name contracts.ActionName, fn func(context.Context) (string, error)) contracts.ActionResult {
	res := contracts.ActionResult{Action: name}
	var err error
	for res.Attempts < 2 {
		res.Attempts++
		var ref string
		if ref, err = fn(ctx); err == nil {
			res.Success, res.EntityRef = true, ref
			return res
		}
		if res.Attempts == 1 {
			events.Emit(ctx, m.events, m.logger, events.New(sub.TenantID, contracts.EventAgentRetry, sub.ID, map[string]any{
				"action":  string(name),
				"attempt": 2,
			}))
		}
	}
	res.Message = err.Error()
	if recErr := m.RecordError(ctx, sub, contracts.ErrorActionFailed, res.Attempts, contracts.ResolutionContinued, string(name)+": "+err.Error()); recErr != nil {
		m.logger.ErrorContext(ctx, "record action failure", "submission_id", sub.ID, "error", recErr)
	}
	events.Emit(ctx, m.events, m.logger, events.New(sub.TenantID, contracts.EventAgentError, sub.ID, map[string]any{
		"action":     string(name),
		"attempt":    res.Attempts,
		"error_type": string(contracts.ErrorActionFailed),
		"message":    err.Error(),
	}))
	m.logger.WarnContext(ctx, "action failed", "tenant_id", sub.TenantID, "submission_id", sub.ID, "action", name, "error", err)
	return res
}

// Escalate hands sub to a human: needs_human_review, fallback notified,
// escalation queued, agent_escalated emitted.
func (m *Manager) Escalate(ctx context.Context, sub *contracts.Submission, reason string) error {
	now := m.clock().UTC()
	updated, err := m.repo.UpdateSubmission(ctx, sub.TenantID, sub.ID, func(s *contracts.Submission) error {
		s.Status = contracts.StatusNeedsHumanReview
		s.Steps = append(s.Steps, contracts.StepEntry{
			Step: "escalate", Outcome: contracts.StepOK, At: now, Detail: reason,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("escalate %s: %w", sub.ID, err)
	}
	*sub = *updated

	fallback, _ := m.fallback(ctx, sub)
	m.notify(ctx, sub, fallback, reason)
	entry, err := m.esc.Open(ctx, sub, reason, fallback)
	if err != nil {
		return err
	}
	payload := map[string]any{"reason": reason, "escalation_id": entry.ID}
	if fallback != nil {
		payload["fallback"] = fallback.ID
	}
	events.Emit(ctx, m.events, m.logger, events.New(sub.TenantID, contracts.EventAgentEscalated, sub.ID, payload))
	m.ReleaseHandlers(ctx, sub)
	return nil
}

// Sweep marks submissions stuck since before now-staleAfter as failed. That
// covers work left in processing and received submissions whose pipeline
// started but never reached the flow. It returns how many it reclaimed.
func (m *Manager) Sweep(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := m.clock().UTC().Add(-staleAfter)
	var stuck []*contracts.Submission
	for _, status := range []contracts.SubmissionStatus{contracts.StatusProcessing, contracts.StatusReceived} {
		subs, err := m.repo.ListSubmissions(ctx, store.SubmissionFilter{Status: status, UpdatedBefore: cutoff})
		if err != nil {
			return 0, fmt.Errorf("sweep: %w", err)
		}
		for _, s := range subs {
			if stale(s, cutoff) {
				stuck = append(stuck, s)
			}
		}
	}

	reclaimed := 0
	for _, s := range stuck {
		status := s.Status
		now := m.clock().UTC()
		updated, err := m.repo.UpdateSubmission(ctx, s.TenantID, s.ID, func(cur *contracts.Submission) error {
			if cur.Status != status || !stale(cur, cutoff) {
				return errSettled
			}
			attempt := 1
			for _, e := range cur.Errors {
				if e.Type == contracts.ErrorStaleWork {
					attempt++
				}
			}
			cur.Status = contracts.StatusFailed
			cur.Errors = append(cur.Errors, contracts.ErrorRecord{
				ID: uuid.NewString(), SubmissionID: cur.ID, Type: contracts.ErrorStaleWork, Attempt: attempt,
				Resolution: contracts.ResolutionMarkedFailed, Resolved: true,
				Message: fmt.Sprintf("%s longer than %s", status, staleAfter), At: now,
			})
			cur.Steps = append(cur.Steps, contracts.StepEntry{Step: "stale_sweep", Outcome: contracts.StepFailed, At: now})
			return nil
		})
		if errors.Is(err, errSettled) {
			continue
		}
		if err != nil {
			m.logger.ErrorContext(ctx, "sweep update failed", "tenant_id", s.TenantID, "submission_id", s.ID, "error", err)
			continue
		}
		reclaimed++
		fallback, _ := m.fallback(ctx, updated)
		m.notify(ctx, updated, fallback, "stale work reclaimed")
		events.Emit(ctx, m.events, m.logger, events.New(updated.TenantID, contracts.EventAgentError, updated.ID, map[string]any{
			"error_type": string(contracts.ErrorStaleWork),
			"message":    string(status) + " exceeded " + staleAfter.String(),
		}))
		m.ReleaseHandlers(ctx, updated)
		m.logger.WarnContext(ctx, "stale submission reclaimed",
			"tenant_id", updated.TenantID, "submission_id", updated.ID, "was", status)
	}
	return reclaimed, nil
}

// stale reports whether s is stuck work older than cutoff. A received
// submission without steps is still waiting for the pipeline. One parked
// unassigned waits for an operator. Neither is swept.
func stale(s *contracts.Submission, cutoff time.Time) bool {
	switch s.Status {
	case contracts.StatusProcessing:
		return s.ProcessingStartedAt == nil || !s.ProcessingStartedAt.After(cutoff)
	case contracts.StatusReceived:
		return len(s.Steps) > 0 && !flows.IsUnassigned(s) && !s.Steps[len(s.Steps)-1].At.After(cutoff)
	}
	return false
}

var errSettled = errors.New("settled")

// ReleaseHandlers returns least-loaded capacity held by sub's handlers.
func (m *Manager) ReleaseHandlers(ctx context.Context, sub *contracts.Submission) {
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

// RecordError persists one error record and mirrors the updated log onto sub.
func (m *Manager) RecordError(ctx context.Context, sub *contracts.Submission, typ contracts.ErrorType, attempt int, res contracts.Resolution, msg string) error {
	rec := contracts.ErrorRecord{
		ID:           uuid.NewString(),
		SubmissionID: sub.ID,
		Type:         typ,
		Attempt:      attempt,
		Resolution:   res,
		Resolved:     res == contracts.ResolutionContinued,
		Message:      msg,
		At:           m.clock().UTC(),
	}
	updated, err := m.repo.AppendError(ctx, sub.TenantID, sub.ID, rec)
	if err != nil {
		return fmt.Errorf("record %s: %w", typ, err)
	}
	sub.Errors = updated.Errors
	return nil
}

// fallback resolves the group fallback handler of sub's form.
func (m *Manager) fallback(ctx context.Context, sub *contracts.Submission) (*contracts.HandlerRef, error) {
	form, err := m.repo.GetForm(ctx, sub.FormID)
	if err != nil {
		return nil, err
	}
	if form.HandlerGroupID == "" {
		return nil, nil
	}
	g, err := m.repo.GetGroup(ctx, sub.TenantID, form.HandlerGroupID)
	if err != nil {
		return nil, err
	}
	return g.Fallback, nil
}

// notify alerts the fallback handler, or the assigned handlers when the
// group has none.
func (m *Manager) notify(ctx context.Context, sub *contracts.Submission, fallback *contracts.HandlerRef, reason string) {
	if m.notifier == nil {
		return
	}
	targets := sub.Handlers
	if fallback != nil {
		targets = []contracts.HandlerRef{*fallback}
	}
	for _, h := range targets {
		if _, err := m.notifier.Notify(ctx, sub, h, reason); err != nil {
			m.logger.WarnContext(ctx, "notify failed", "submission_id", sub.ID, "handler_id", h.ID, "error", err)
		}
	}
}
