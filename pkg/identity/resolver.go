// Package identity resolves submissions to contacts and companies.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/events"
	"github.com/Mindburn-Labs/helm-intake/pkg/forms"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

// Resolution is the outcome of resolving one submission. Contact is nil
// when the submission carried no email.
type Resolution struct {
	Contact *contracts.Contact
	IsNew   bool
	Company *contracts.Company
}

// Resolver matches or creates contacts. Resolution of one (tenant, email)
// pair is serialized in-process; across processes the store's unique email
// index arbitrates.
type Resolver struct {
	repo   *store.Repository
	events events.Publisher
	logger *slog.Logger
	clock  func() time.Time
	locks  keyedMutex
}

// NewResolver creates a resolver.
func NewResolver(repo *store.Repository, pub events.Publisher) *Resolver {
	return &Resolver{
		repo:   repo,
		events: pub,
		logger: slog.Default().With("component", "identity"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Resolver) WithClock(clock func() time.Time) *Resolver {
	r.clock = clock
	return r
}

// FoldName is the case-insensitive company key: Unicode case folding over
// whitespace-normalized text.
func FoldName(name string) string {
	return cases.Fold().String(strings.Join(strings.Fields(name), " "))
}

// extracted is what a submission says about its sender.
type extracted struct {
	email   string
	info    map[contracts.ContactMapping]string
	company string
}

func extract(form *contracts.Form, sub *contracts.Submission) extracted {
	schema, err := forms.Schema(form, sub.Meta.VariantID)
	if err != nil {
		schema = form.Fields
	}
	x := extracted{info: make(map[contracts.ContactMapping]string)}
	for _, spec := range schema {
		v := strings.TrimSpace(sub.Fields.String(spec.Name))
		if v == "" {
			continue
		}
		switch m := spec.Mapping(); m {
		case contracts.MapNone:
		case contracts.MapEmail:
			if x.email == "" {
				x.email = store.NormalizeEmail(v)
			}
		case contracts.MapCompany:
			if x.company == "" {
				x.company = v
			}
		default:
			if _, seen := x.info[m]; !seen {
				x.info[m] = v
			}
		}
	}
	return x
}

// Resolve finds or creates the contact (and company) behind sub.
func (r *Resolver) Resolve(ctx context.Context, form *contracts.Form, sub *contracts.Submission) (*Resolution, error) {
	x := extract(form, sub)
	if x.email == "" {
		r.logger.DebugContext(ctx, "no email, identity resolution skipped", "submission_id", sub.ID)
		return &Resolution{}, nil
	}

	unlock := r.locks.Lock(sub.TenantID + "\x00" + x.email)
	defer unlock()

	res := &Resolution{}
	var err error
	if x.company != "" {
		if res.Company, err = r.company(ctx, sub.TenantID, x.company); err != nil {
			return nil, err
		}
	}

	now := r.clock().UTC()
	touch := contracts.Touchpoint{
		SubmissionID: sub.ID,
		FormID:       sub.FormID,
		Campaign:     sub.Meta.Campaign,
		Referrer:     sub.Meta.Referrer,
		At:           now,
	}

	existing, err := r.repo.FindContactByEmail(ctx, sub.TenantID, x.email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c := &contracts.Contact{
			ID:          uuid.NewString(),
			TenantID:    sub.TenantID,
			Email:       x.email,
			Status:      contracts.ContactLead,
			FirstSeenAt: now,
		}
		merge(c, x, res.Company, touch)
		err = r.repo.CreateContact(ctx, c)
		if err == nil {
			res.Contact, res.IsNew = c, true
			break
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("create contact: %w", err)
		}
		// Another replica created it first; merge into theirs.
		if existing, err = r.repo.FindContactByEmail(ctx, sub.TenantID, x.email); err != nil {
			return nil, fmt.Errorf("reload contact: %w", err)
		}
		fallthrough
	case err == nil:
		res.Contact, err = r.repo.UpdateContact(ctx, sub.TenantID, existing.ID, func(c *contracts.Contact) error {
			merge(c, x, res.Company, touch)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("merge contact: %w", err)
		}
	default:
		return nil, fmt.Errorf("lookup contact: %w", err)
	}

	typ := contracts.EventContactMatched
	if res.IsNew {
		typ = contracts.EventContactCreated
	}
	payload := map[string]any{"contact_id": res.Contact.ID, "submission_count": res.Contact.SubmissionCount}
	if res.Company != nil {
		payload["company_id"] = res.Company.ID
	}
	events.Emit(ctx, r.events, r.logger, events.New(sub.TenantID, typ, sub.ID, payload))
	r.logger.InfoContext(ctx, "contact resolved", "tenant_id", sub.TenantID, "contact_id", res.Contact.ID, "new", res.IsNew)
	return res, nil
}

// merge applies fill-if-empty info, links the company when unlinked, bumps
// counters and appends the touchpoint.
func merge(c *contracts.Contact, x extracted, company *contracts.Company, touch contracts.Touchpoint) {
	fill := func(dst *string, m contracts.ContactMapping) {
		if *dst == "" {
			*dst = x.info[m]
		}
	}
	fill(&c.FirstName, contracts.MapFirstName)
	fill(&c.LastName, contracts.MapLastName)
	fill(&c.FullName, contracts.MapFullName)
	fill(&c.Phone, contracts.MapPhone)
	fill(&c.JobTitle, contracts.MapJobTitle)
	if c.FullName == "" && c.FirstName != "" {
		c.FullName = strings.TrimSpace(c.FirstName + " " + c.LastName)
	}
	if company != nil && c.CompanyID == "" {
		c.CompanyID = company.ID
	}
	c.SubmissionCount++
	c.LastSeenAt = touch.At
	c.Touchpoints = append(c.Touchpoints, touch)
}

func (r *Resolver) company(ctx context.Context, tenantID, name string) (*contracts.Company, error) {
	folded := FoldName(name)
	found, err := r.repo.FindCompany(ctx, tenantID, folded)
	if err == nil {
		return found, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup company: %w", err)
	}
	c := &contracts.Company{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Name:       strings.Join(strings.Fields(name), " "),
		FoldedName: folded,
		CreatedAt:  r.clock().UTC(),
	}
	err = r.repo.CreateCompany(ctx, c)
	if errors.Is(err, store.ErrConflict) {
		return r.repo.FindCompany(ctx, tenantID, folded)
	}
	if err != nil {
		return nil, fmt.Errorf("create company: %w", err)
	}
	return c, nil
}
