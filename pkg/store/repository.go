package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
)

// Repository gives typed access to the documents the pipeline owns.
type Repository struct {
	b Backend
}

// NewRepository wraps a backend.
func NewRepository(b Backend) *Repository {
	return &Repository{b: b}
}

// Backend exposes the underlying backend.
func (r *Repository) Backend() Backend { return r.b }

func decode[T any](d *Document) (*T, error) {
	var v T
	if err := json.Unmarshal(d.Body, &v); err != nil {
		return nil, fmt.Errorf("corrupt %s document %s: %w", d.Kind, d.ID, err)
	}
	return &v, nil
}

func get[T any](ctx context.Context, b Backend, kind Kind, tenantID, id string) (*T, error) {
	d, err := b.Get(ctx, kind, tenantID, id)
	if err != nil {
		return nil, err
	}
	return decode[T](d)
}

func insert(ctx context.Context, b Backend, kind Kind, tenantID, id, index, status string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", kind, id, err)
	}
	return b.Insert(ctx, &Document{Kind: kind, TenantID: tenantID, ID: id, Index: index, Status: status, Body: body})
}

// update decodes, mutates and re-encodes a document inside the backend's atomic update.
func update[T any](ctx context.Context, b Backend, kind Kind, tenantID, id string, status func(*T) string, fn func(*T) error) (*T, error) {
	var out *T
	_, err := b.Update(ctx, kind, tenantID, id, func(d *Document) error {
		v, err := decode[T](d)
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
		body, err := json.Marshal(v)
		if err != nil {
			return err
		}
		d.Body = body
		if status != nil {
			d.Status = status(v)
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func list[T any](ctx context.Context, b Backend, q Query) ([]*T, error) {
	docs, err := b.List(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(docs))
	for _, d := range docs {
		v, err := decode[T](d)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// --- Forms ---

// PutForm stores or replaces a form definition.
func (r *Repository) PutForm(ctx context.Context, f *contracts.Form) error {
	err := insert(ctx, r.b, KindForm, GlobalTenant, f.ID, "", "", f)
	if errors.Is(err, ErrConflict) {
		_, err = update(ctx, r.b, KindForm, GlobalTenant, f.ID, nil, func(cur *contracts.Form) error {
			*cur = *f
			return nil
		})
	}
	return err
}

// GetForm looks a form up by its public id.
func (r *Repository) GetForm(ctx context.Context, formID string) (*contracts.Form, error) {
	return get[contracts.Form](ctx, r.b, KindForm, GlobalTenant, formID)
}

// --- Submissions ---

func submissionStatus(s *contracts.Submission) string { return string(s.Status) }

// CreateSubmission persists a new submission.
func (r *Repository) CreateSubmission(ctx context.Context, s *contracts.Submission) error {
	return insert(ctx, r.b, KindSubmission, s.TenantID, s.ID, "", string(s.Status), s)
}

// GetSubmission loads a submission.
func (r *Repository) GetSubmission(ctx context.Context, tenantID, id string) (*contracts.Submission, error) {
	return get[contracts.Submission](ctx, r.b, KindSubmission, tenantID, id)
}

// UpdateSubmission mutates a submission atomically. Step-log and error-record
// entries already present are preserved: fn may only append to them.
func (r *Repository) UpdateSubmission(ctx context.Context, tenantID, id string, fn func(*contracts.Submission) error) (*contracts.Submission, error) {
	return update(ctx, r.b, KindSubmission, tenantID, id, submissionStatus, func(s *contracts.Submission) error {
		steps := append([]contracts.StepEntry(nil), s.Steps...)
		errs := append([]contracts.ErrorRecord(nil), s.Errors...)
		if err := fn(s); err != nil {
			return err
		}
		if len(s.Steps) < len(steps) || len(s.Errors) < len(errs) {
			return fmt.Errorf("submission %s: append-only log truncated", id)
		}
		for i := range steps {
			if s.Steps[i] != steps[i] {
				return fmt.Errorf("submission %s: step %d mutated", id, i)
			}
		}
		for i := range errs {
			// Resolution may be settled later; identity may not change.
			if e := s.Errors[i]; e.ID != errs[i].ID || e.Type != errs[i].Type || e.Attempt != errs[i].Attempt {
				return fmt.Errorf("submission %s: error record %d mutated", id, i)
			}
		}
		return nil
	})
}

// AppendStep commits one step-log entry.
func (r *Repository) AppendStep(ctx context.Context, tenantID, id string, entry contracts.StepEntry) (*contracts.Submission, error) {
	return r.UpdateSubmission(ctx, tenantID, id, func(s *contracts.Submission) error {
		s.Steps = append(s.Steps, entry)
		return nil
	})
}

// AppendError commits one error record.
func (r *Repository) AppendError(ctx context.Context, tenantID, id string, rec contracts.ErrorRecord) (*contracts.Submission, error) {
	return r.UpdateSubmission(ctx, tenantID, id, func(s *contracts.Submission) error {
		s.Errors = append(s.Errors, rec)
		return nil
	})
}

// SubmissionFilter selects submissions for queue views and sweeps.
type SubmissionFilter struct {
	TenantID      string // empty: all tenants
	Status        contracts.SubmissionStatus
	UpdatedBefore time.Time
	Limit         int
}

// ListSubmissions returns submissions in insertion order.
func (r *Repository) ListSubmissions(ctx context.Context, f SubmissionFilter) ([]*contracts.Submission, error) {
	return list[contracts.Submission](ctx, r.b, Query{
		Kind: KindSubmission, TenantID: f.TenantID, Status: string(f.Status),
		UpdatedBefore: f.UpdatedBefore, Limit: f.Limit,
	})
}

// --- Contacts & companies ---

// NormalizeEmail lowercases and trims an address for lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// FindContactByEmail resolves a contact by normalized email.
func (r *Repository) FindContactByEmail(ctx context.Context, tenantID, email string) (*contracts.Contact, error) {
	d, err := r.b.FindByIndex(ctx, KindContact, tenantID, NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	return decode[contracts.Contact](d)
}

// CreateContact inserts a contact; ErrConflict when the email is taken.
func (r *Repository) CreateContact(ctx context.Context, c *contracts.Contact) error {
	return insert(ctx, r.b, KindContact, c.TenantID, c.ID, NormalizeEmail(c.Email), string(c.Status), c)
}

// GetContact loads a contact by id.
func (r *Repository) GetContact(ctx context.Context, tenantID, id string) (*contracts.Contact, error) {
	return get[contracts.Contact](ctx, r.b, KindContact, tenantID, id)
}

// UpdateContact mutates a contact atomically.
func (r *Repository) UpdateContact(ctx context.Context, tenantID, id string, fn func(*contracts.Contact) error) (*contracts.Contact, error) {
	return update(ctx, r.b, KindContact, tenantID, id, func(c *contracts.Contact) string { return string(c.Status) }, fn)
}

// FindCompany resolves a company by folded name.
func (r *Repository) FindCompany(ctx context.Context, tenantID, foldedName string) (*contracts.Company, error) {
	d, err := r.b.FindByIndex(ctx, KindCompany, tenantID, foldedName)
	if err != nil {
		return nil, err
	}
	return decode[contracts.Company](d)
}

// CreateCompany inserts a company; ErrConflict when the folded name is taken.
func (r *Repository) CreateCompany(ctx context.Context, c *contracts.Company) error {
	return insert(ctx, r.b, KindCompany, c.TenantID, c.ID, c.FoldedName, "", c)
}

// GetCompany loads a company by id.
func (r *Repository) GetCompany(ctx context.Context, tenantID, id string) (*contracts.Company, error) {
	return get[contracts.Company](ctx, r.b, KindCompany, tenantID, id)
}

// --- Handler groups ---

// PutGroup stores a group definition, keeping persisted routing state when
// the group already exists.
func (r *Repository) PutGroup(ctx context.Context, g *contracts.HandlerGroup) error {
	err := insert(ctx, r.b, KindGroup, g.TenantID, g.ID, "", "", g)
	if errors.Is(err, ErrConflict) {
		_, err = update(ctx, r.b, KindGroup, g.TenantID, g.ID, nil, func(cur *contracts.HandlerGroup) error {
			cursor, load := cur.Cursor, cur.Load
			*cur = *g
			cur.Cursor, cur.Load = cursor, load
			return nil
		})
	}
	return err
}

// GetGroup loads a handler group.
func (r *Repository) GetGroup(ctx context.Context, tenantID, id string) (*contracts.HandlerGroup, error) {
	return get[contracts.HandlerGroup](ctx, r.b, KindGroup, tenantID, id)
}

// UpdateGroup mutates a group atomically.
func (r *Repository) UpdateGroup(ctx context.Context, tenantID, id string, fn func(*contracts.HandlerGroup) error) (*contracts.HandlerGroup, error) {
	return update(ctx, r.b, KindGroup, tenantID, id, nil, fn)
}

// --- Drafts ---

// CreateDraft persists a pending draft.
func (r *Repository) CreateDraft(ctx context.Context, d *contracts.Draft) error {
	return insert(ctx, r.b, KindDraft, d.TenantID, d.ID, "sub:"+d.SubmissionID, string(d.Status), d)
}

// GetDraft loads a draft.
func (r *Repository) GetDraft(ctx context.Context, tenantID, id string) (*contracts.Draft, error) {
	return get[contracts.Draft](ctx, r.b, KindDraft, tenantID, id)
}

// DraftForSubmission finds the draft created for a submission.
func (r *Repository) DraftForSubmission(ctx context.Context, tenantID, submissionID string) (*contracts.Draft, error) {
	d, err := r.b.FindByIndex(ctx, KindDraft, tenantID, "sub:"+submissionID)
	if err != nil {
		return nil, err
	}
	return decode[contracts.Draft](d)
}

// UpdateDraft mutates a draft atomically.
func (r *Repository) UpdateDraft(ctx context.Context, tenantID, id string, fn func(*contracts.Draft) error) (*contracts.Draft, error) {
	return update(ctx, r.b, KindDraft, tenantID, id, func(d *contracts.Draft) string { return string(d.Status) }, fn)
}

// ListDrafts returns drafts with the given status.
func (r *Repository) ListDrafts(ctx context.Context, tenantID string, status contracts.DraftStatus) ([]*contracts.Draft, error) {
	return list[contracts.Draft](ctx, r.b, Query{Kind: KindDraft, TenantID: tenantID, Status: string(status)})
}

// --- Events ---

// AppendEvent writes an event once and stamps its sequence.
func (r *Repository) AppendEvent(ctx context.Context, e *contracts.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	doc := &Document{Kind: KindEvent, TenantID: e.TenantID, ID: e.ID, Status: string(e.Type), Body: body, CreatedAt: e.At}
	if err := r.b.Insert(ctx, doc); err != nil {
		return err
	}
	e.Sequence = uint64(doc.Seq) //nolint:gosec // seq is positive
	return nil
}

// ListEvents returns a tenant's events after the given sequence.
func (r *Repository) ListEvents(ctx context.Context, tenantID string, afterSeq uint64, limit int) ([]*contracts.Event, error) {
	docs, err := r.b.List(ctx, Query{Kind: KindEvent, TenantID: tenantID, AfterSeq: int64(afterSeq), Limit: limit}) //nolint:gosec
	if err != nil {
		return nil, err
	}
	return eventsFromDocs(docs)
}

// LastEvent returns the newest event of a tenant, or ErrNotFound.
func (r *Repository) LastEvent(ctx context.Context, tenantID string) (*contracts.Event, error) {
	docs, err := r.b.List(ctx, Query{Kind: KindEvent, TenantID: tenantID, Limit: 1, Descending: true})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	events, err := eventsFromDocs(docs)
	if err != nil {
		return nil, err
	}
	return events[0], nil
}

func eventsFromDocs(docs []*Document) ([]*contracts.Event, error) {
	out := make([]*contracts.Event, 0, len(docs))
	for _, d := range docs {
		e, err := decode[contracts.Event](d)
		if err != nil {
			return nil, err
		}
		e.Sequence = uint64(d.Seq) //nolint:gosec // seq is positive
		out = append(out, e)
	}
	return out, nil
}

// --- Abuse log ---

// AppendAbuse writes one abuse-log entry.
func (r *Repository) AppendAbuse(ctx context.Context, a *contracts.AbuseRecord) error {
	return insert(ctx, r.b, KindAbuse, a.TenantID, a.ID, "", string(a.Reason), a)
}

// ListAbuse returns a tenant's abuse records, optionally filtered by reason.
func (r *Repository) ListAbuse(ctx context.Context, tenantID string, reason contracts.AbuseReason) ([]*contracts.AbuseRecord, error) {
	return list[contracts.AbuseRecord](ctx, r.b, Query{Kind: KindAbuse, TenantID: tenantID, Status: string(reason)})
}

// --- CRM records ---

// CreateRecord persists a CRM entity.
func (r *Repository) CreateRecord(ctx context.Context, rec *contracts.Record) error {
	return insert(ctx, r.b, KindRecord, rec.TenantID, rec.ID, "", string(rec.Kind), rec)
}

// GetRecord loads a CRM entity.
func (r *Repository) GetRecord(ctx context.Context, tenantID, id string) (*contracts.Record, error) {
	return get[contracts.Record](ctx, r.b, KindRecord, tenantID, id)
}

// ListRecords returns CRM entities of a kind.
func (r *Repository) ListRecords(ctx context.Context, tenantID string, kind contracts.RecordKind) ([]*contracts.Record, error) {
	return list[contracts.Record](ctx, r.b, Query{Kind: KindRecord, TenantID: tenantID, Status: string(kind)})
}

// --- Experiment counters ---

// VariantStats are the running counters of one experiment arm.
type VariantStats struct {
	Views       int `json:"views"`
	Submissions int `json:"submissions"`
}

// ExperimentStats are the counters of one experiment, keyed by variant id.
type ExperimentStats struct {
	FormID       string                  `json:"form_id"`
	ExperimentID string                  `json:"experiment_id"`
	Variants     map[string]VariantStats `json:"variants"`
	Weights      map[string]int          `json:"weights,omitempty"` // set once optimized
}

// GetExperimentStats loads the counters for a form's experiment.
func (r *Repository) GetExperimentStats(ctx context.Context, tenantID, formID string) (*ExperimentStats, error) {
	return get[ExperimentStats](ctx, r.b, KindExperiment, tenantID, formID)
}

// UpdateExperimentStats mutates (creating if needed) a form's experiment counters.
func (r *Repository) UpdateExperimentStats(ctx context.Context, tenantID, formID, experimentID string, fn func(*ExperimentStats) error) (*ExperimentStats, error) {
	st, err := update(ctx, r.b, KindExperiment, tenantID, formID, nil, fn)
	if !errors.Is(err, ErrNotFound) {
		return st, err
	}
	fresh := &ExperimentStats{FormID: formID, ExperimentID: experimentID, Variants: map[string]VariantStats{}}
	if err := insert(ctx, r.b, KindExperiment, tenantID, formID, "", "", fresh); err != nil && !errors.Is(err, ErrConflict) {
		return nil, err
	}
	return update(ctx, r.b, KindExperiment, tenantID, formID, nil, fn)
}

// --- Escalation queue ---

// CreateEscalation enqueues an escalation.
func (r *Repository) CreateEscalation(ctx context.Context, e *contracts.Escalation) error {
	return insert(ctx, r.b, KindEscalation, e.TenantID, e.ID, "", string(e.Status), e)
}

// ListEscalations returns queue entries with the given status.
func (r *Repository) ListEscalations(ctx context.Context, tenantID string, status contracts.EscalationStatus) ([]*contracts.Escalation, error) {
	return list[contracts.Escalation](ctx, r.b, Query{Kind: KindEscalation, TenantID: tenantID, Status: string(status)})
}

// UpdateEscalation mutates a queue entry atomically.
func (r *Repository) UpdateEscalation(ctx context.Context, tenantID, id string, fn func(*contracts.Escalation) error) (*contracts.Escalation, error) {
	return update(ctx, r.b, KindEscalation, tenantID, id, func(e *contracts.Escalation) string { return string(e.Status) }, fn)
}
