// Package intake implements the synchronous gate every inbound submission
// passes: form lookup, origin check, validation, abuse screening and persistence.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/events"
	"github.com/Mindburn-Labs/helm-intake/pkg/forms"
	"github.com/Mindburn-Labs/helm-intake/pkg/limiter"
	"github.com/Mindburn-Labs/helm-intake/pkg/observability"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

// defaultRateWindow applies when a form sets ceilings without a window.
const defaultRateWindow = time.Hour

// SubmitRequest is one inbound submission as received from the transport.
type SubmitRequest struct {
	FormID    string
	Fields    *contracts.FieldValues
	Meta      contracts.ClientMeta
	Telemetry map[string]contracts.FieldTelemetry
}

// Accepted is the gate's success result.
type Accepted struct {
	contracts.Acceptance
	Submission *contracts.Submission
	Form       *contracts.Form
}

// Gate runs the intake checks in fixed order; the first failure wins.
type Gate struct {
	forms    *forms.Registry
	repo     *store.Repository
	counters limiter.WindowCounter
	events   events.Publisher
	obs      *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time
}

// NewGate creates a gate.
func NewGate(registry *forms.Registry, repo *store.Repository, counters limiter.WindowCounter, pub events.Publisher) *Gate {
	return &Gate{
		forms:    registry,
		repo:     repo,
		counters: counters,
		events:   pub,
		logger:   slog.Default().With("component", "intake"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// WithObservability attaches telemetry.
func (g *Gate) WithObservability(p *observability.Provider) *Gate {
	g.obs = p
	return g
}

// Submit validates, screens and persists a submission. Rejections are
// returned as *contracts.Rejection; a honeypot rejection carries the
// disguised acceptance the transport must render as success.
func (g *Gate) Submit(ctx context.Context, req SubmitRequest) (_ *Accepted, err error) {
	ctx, done := g.obs.TrackOperation(ctx, "intake.submit", attribute.String("form_id", req.FormID))
	defer func() {
		if rej, ok := contracts.AsRejection(err); ok {
			g.obs.RecordRejection(ctx, string(rej.Kind))
			done(nil)
			return
		}
		done(err)
	}()

	// 1. Form lookup
	form, err := g.forms.Form(ctx, req.FormID)
	if errors.Is(err, forms.ErrFormNotFound) || (err == nil && !form.Active) {
		return nil, &contracts.Rejection{Kind: contracts.RejectNotFound, Reason: "form not found"}
	}
	if err != nil {
		return nil, err
	}

	// 2. Origin
	if !originAllowed(form.AllowedOrigins, req.Meta.Origin) {
		g.logger.WarnContext(ctx, "origin rejected", "form_id", form.ID, "origin", req.Meta.Origin, "ip", req.Meta.IP)
		return nil, &contracts.Rejection{Kind: contracts.RejectForbidden, Reason: "origin not allowed"}
	}

	// 3. Validation against the variant-adjusted schema
	meta := req.Meta
	assigned := false
	if meta.VariantID == "" {
		if meta.VariantID, err = g.forms.PickVariant(ctx, form); err != nil {
			return nil, fmt.Errorf("pick variant: %w", err)
		}
		assigned = meta.VariantID != ""
	}
	schema, err := forms.Schema(form, meta.VariantID)
	if errors.Is(err, forms.ErrUnknownVariant) {
		g.logger.WarnContext(ctx, "unknown variant echoed, using base schema", "form_id", form.ID, "variant_id", meta.VariantID)
		meta.VariantID, assigned = "", false
		schema = form.Fields
	}
	fields, failures := g.forms.Validator().Validate(schema, req.Fields)
	if len(failures) > 0 {
		return nil, &contracts.Rejection{Kind: contracts.RejectInvalid, Reason: "validation failed", Fields: failures}
	}

	// 4. Abuse chain
	view := *form
	view.Fields = schema
	partial := &contracts.Submission{Fields: fields}
	email := store.NormalizeEmail(partial.Email(&view))
	if rej := g.screen(ctx, form, req, email); rej != nil {
		return nil, rej
	}

	// 5. Persist
	now := g.clock().UTC()
	sub := &contracts.Submission{
		ID:         uuid.NewString(),
		TenantID:   form.TenantID,
		FormID:     form.ID,
		Fields:     fields,
		Meta:       meta,
		Telemetry:  req.Telemetry,
		Status:     contracts.StatusReceived,
		Steps:      []contracts.StepEntry{},
		ReceivedAt: now,
	}
	if err := g.repo.CreateSubmission(ctx, sub); err != nil {
		return nil, fmt.Errorf("persist submission: %w", err)
	}
	if err := g.forms.RecordSubmission(ctx, form, meta.VariantID); err != nil {
		g.logger.WarnContext(ctx, "experiment counter update failed", "form_id", form.ID, "error", err)
	}

	events.Emit(ctx, g.events, g.logger, events.New(form.TenantID, contracts.EventSubmissionReceived, sub.ID, map[string]any{
		"form_id":    form.ID,
		"variant_id": meta.VariantID,
		"utm_source": meta.Campaign.Source,
	}))
	if assigned {
		events.Emit(ctx, g.events, g.logger, events.New(form.TenantID, contracts.EventExperimentVariant, sub.ID, map[string]any{
			"form_id":       form.ID,
			"experiment_id": form.Experiment.ID,
			"variant_id":    meta.VariantID,
		}))
	}
	g.logger.InfoContext(ctx, "submission accepted", "tenant_id", form.TenantID, "form_id", form.ID, "submission_id", sub.ID)

	return &Accepted{
		Acceptance: contracts.Acceptance{SubmissionID: sub.ID, Message: form.Success.Message, RedirectURL: form.Success.RedirectURL},
		Submission: sub,
		Form:       form,
	}, nil
}

// screen runs honeypot, ip ceiling, email ceiling and duplicate checks. A
// submission that passes has already been counted in every window.
func (g *Gate) screen(ctx context.Context, form *contracts.Form, req SubmitRequest, email string) *contracts.Rejection {
	if form.HoneypotField != "" && strings.TrimSpace(req.Fields.String(form.HoneypotField)) != "" {
		g.reject(ctx, form, contracts.AbuseHoneypot, req.Meta.IP, email)
		return &contracts.Rejection{
			Kind:   contracts.RejectHoneypot,
			Reason: "honeypot",
			Disguise: &contracts.Acceptance{
				SubmissionID: uuid.NewString(),
				Message:      form.Success.Message,
				RedirectURL:  form.Success.RedirectURL,
			},
		}
	}

	window := form.Limits.Window
	if window <= 0 {
		window = defaultRateWindow
	}
	type check struct {
		reason contracts.AbuseReason
		rej    *contracts.Rejection
	}
	var (
		limits []limiter.Limit
		checks []check
	)
	if form.Limits.MaxPerIP > 0 && req.Meta.IP != "" {
		limits = append(limits, limiter.Limit{Key: limiter.IPKey(form.TenantID, form.ID, req.Meta.IP), Window: window, Ceiling: form.Limits.MaxPerIP})
		checks = append(checks, check{contracts.AbuseIPRateLimit,
			&contracts.Rejection{Kind: contracts.RejectRateLimited, Reason: "too many submissions from this address"}})
	}
	if form.Limits.MaxPerEmail > 0 && email != "" {
		limits = append(limits, limiter.Limit{Key: limiter.EmailKey(form.TenantID, form.ID, email), Window: window, Ceiling: form.Limits.MaxPerEmail})
		checks = append(checks, check{contracts.AbuseEmailRateLimit,
			&contracts.Rejection{Kind: contracts.RejectRateLimited, Reason: "too many submissions for this email"}})
	}
	if form.Limits.DuplicateWindow > 0 && email != "" {
		limits = append(limits, limiter.Limit{Key: limiter.DuplicateKey(form.TenantID, form.ID, email), Window: form.Limits.DuplicateWindow, Ceiling: 1})
		checks = append(checks, check{contracts.AbuseDuplicate,
			&contracts.Rejection{Kind: contracts.RejectDuplicate, Reason: "duplicate submission"}})
	}
	if len(limits) == 0 {
		return nil
	}

	// Admission charges every window at once, so concurrent submissions
	// cannot all pass on the same count.
	blocked, err := g.counters.Admit(ctx, limits...)
	if err != nil {
		g.logger.ErrorContext(ctx, "window counter unavailable", "form_id", form.ID, "error", err)
		return nil
	}
	if blocked < 0 {
		return nil
	}
	c := checks[blocked]
	g.reject(ctx, form, c.reason, req.Meta.IP, email)
	return c.rej
}

func (g *Gate) reject(ctx context.Context, form *contracts.Form, reason contracts.AbuseReason, ip, email string) {
	rec := &contracts.AbuseRecord{
		ID:       uuid.NewString(),
		TenantID: form.TenantID,
		FormID:   form.ID,
		Reason:   reason,
		IP:       ip,
		Email:    email,
		At:       g.clock().UTC(),
	}
	if err := g.repo.AppendAbuse(ctx, rec); err != nil {
		g.logger.ErrorContext(ctx, "abuse record write failed", "form_id", form.ID, "reason", reason, "error", err)
	}
	g.logger.WarnContext(ctx, "submission blocked",
		"tenant_id", form.TenantID, "form_id", form.ID, "reason", reason, "ip", ip, "at", rec.At)
	events.Emit(ctx, g.events, g.logger, events.New(form.TenantID, contracts.EventSpamBlocked, "", map[string]any{
		"form_id": form.ID,
		"reason":  string(reason),
		"ip":      ip,
	}))
}

// originAllowed matches scheme and host exactly. An empty allow-list admits everything.
func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	o, err := url.Parse(origin)
	if err != nil || o.Scheme == "" || o.Host == "" {
		return false
	}
	for _, a := range allowed {
		u, err := url.Parse(a)
		if err != nil {
			continue
		}
		if strings.EqualFold(u.Scheme, o.Scheme) && strings.EqualFold(u.Host, o.Host) {
			return true
		}
	}
	return false
}
