package escalation

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/events"
	"github.com/Mindburn-Labs/helm-intake/pkg/flows"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

// Override is an operator's manual decision on a submission.
type Override struct {
	Status contracts.SubmissionStatus `json:"status"`
	Note   string                     `json:"note,omitempty"`
}

var overrideTargets = map[contracts.SubmissionStatus]bool{
	contracts.StatusProcessed:        true,
	contracts.StatusFailed:           true,
	contracts.StatusNeedsHumanReview: true,
}

func settles(s contracts.SubmissionStatus) bool {
	return s == contracts.StatusProcessed || s == contracts.StatusFailed
}

// Override forces sub into a terminal status and closes its open escalations.
func (m *Manager) Override(ctx context.Context, tenantID, submissionID, operator string, o Override) (*contracts.Submission, error) {
	if !overrideTargets[o.Status] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOverride, o.Status)
	}
	now := m.clock().UTC()
	var from contracts.SubmissionStatus
	sub, err := m.repo.UpdateSubmission(ctx, tenantID, submissionID, func(s *contracts.Submission) error {
		from = s.Status
		s.Status = o.Status
		if o.Status == contracts.StatusProcessed {
			s.ProcessedAt = &now
		}
		s.ReviewBy = nil
		s.Steps = append(s.Steps, contracts.StepEntry{
			Step: "human_override", Outcome: contracts.StepOK, At: now, EntityRef: "operator:" + operator, Detail: o.Note,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("override %s: %w", submissionID, err)
	}
	if settles(o.Status) && !settles(from) {
		m.release(ctx, sub)
	}

	open, err := m.OpenEscalations(ctx, tenantID)
	if err != nil {
		return sub, err
	}
	for _, e := range open {
		if e.SubmissionID == submissionID {
			if _, err := m.Resolve(ctx, tenantID, e.ID, operator); err != nil {
				return sub, err
			}
		}
	}
	events.Emit(ctx, m.events, m.logger, events.New(tenantID, contracts.EventHumanOverride, submissionID, map[string]any{
		"by":   operator,
		"from": string(from),
		"to":   string(o.Status),
		"note": o.Note,
	}))
	m.logger.InfoContext(ctx, "submission overridden", "tenant_id", tenantID, "submission_id", submissionID, "from", from, "to", o.Status)
	return sub, nil
}

// UnassignedQueue lists submissions routing could not place.
func (m *Manager) UnassignedQueue(ctx context.Context, tenantID string) ([]*contracts.Submission, error) {
	subs, err := m.repo.ListSubmissions(ctx, store.SubmissionFilter{TenantID: tenantID, Status: contracts.StatusReceived})
	if err != nil {
		return nil, err
	}
	var out []*contracts.Submission
	for _, s := range subs {
		if flows.IsUnassigned(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

// ReviewQueue lists submissions awaiting a human: those escalated for review
// and those executed inside a still-open review window.
func (m *Manager) ReviewQueue(ctx context.Context, tenantID string) ([]*contracts.Submission, error) {
	escalated, err := m.repo.ListSubmissions(ctx, store.SubmissionFilter{TenantID: tenantID, Status: contracts.StatusNeedsHumanReview})
	if err != nil {
		return nil, err
	}
	processed, err := m.repo.ListSubmissions(ctx, store.SubmissionFilter{TenantID: tenantID, Status: contracts.StatusProcessed})
	if err != nil {
		return nil, err
	}
	now := m.clock()
	out := escalated
	for _, s := range processed {
		if s.ReviewBy != nil && now.Before(*s.ReviewBy) {
			out = append(out, s)
		}
	}
	return out, nil
}
