// Package crm creates the CRM entities produced by flow steps and agent
// actions, and delivers outbound messages through a durable outbox.
package crm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

// Service writes CRM records.
type Service struct {
	repo   *store.Repository
	logger *slog.Logger
	clock  func() time.Time
}

// NewService creates a CRM service over repo.
func NewService(repo *store.Repository) *Service {
	return &Service{
		repo:   repo,
		logger: slog.Default().With("component", "crm"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Create stamps and persists a record of kind for the submission.
func (s *Service) Create(ctx context.Context, kind contracts.RecordKind, sub *contracts.Submission, title string, attrs map[string]any) (*contracts.Record, error) {
	rec := &contracts.Record{
		ID:           uuid.NewString(),
		TenantID:     sub.TenantID,
		Kind:         kind,
		SubmissionID: sub.ID,
		ContactID:    sub.ContactID,
		Title:        title,
		Attributes:   attrs,
		CreatedAt:    s.clock().UTC(),
	}
	if err := s.repo.CreateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("create %s: %w", kind, err)
	}
	s.logger.DebugContext(ctx, "record created", "tenant_id", rec.TenantID, "kind", kind, "record_id", rec.ID)
	return rec, nil
}

// Get loads one record.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*contracts.Record, error) {
	return s.repo.GetRecord(ctx, tenantID, id)
}

// List returns the tenant's records of kind, oldest first. An empty kind lists all.
func (s *Service) List(ctx context.Context, tenantID string, kind contracts.RecordKind) ([]*contracts.Record, error) {
	return s.repo.ListRecords(ctx, tenantID, kind)
}

// ForSubmission returns the records created while processing one submission.
func (s *Service) ForSubmission(ctx context.Context, tenantID, submissionID string) ([]*contracts.Record, error) {
	all, err := s.repo.ListRecords(ctx, tenantID, "")
	if err != nil {
		return nil, err
	}
	var out []*contracts.Record
	for _, r := range all {
		if r.SubmissionID == submissionID {
			out = append(out, r)
		}
	}
	return out, nil
}
