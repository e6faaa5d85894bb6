// Package agent runs the decision loop for agent-guided submissions: it
// asks the decision service for a plan, drops what the form does not allow,
// and executes the rest according to the form's trust level.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/crm"
	"github.com/Mindburn-Labs/helm-intake/pkg/escalation"
	"github.com/Mindburn-Labs/helm-intake/pkg/events"
	"github.com/Mindburn-Labs/helm-intake/pkg/llm"
	"github.com/Mindburn-Labs/helm-intake/pkg/observability"
	"github.com/Mindburn-Labs/helm-intake/pkg/recovery"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

// DefaultReviewWindow applies to execute_with_window forms that set none.
const DefaultReviewWindow = 24 * time.Hour

// Config tunes the loop.
type Config struct {
	// RecentTouchpoints bounds the contact history included in the prompt.
	RecentTouchpoints int
	Temperature       float64
	MaxTokens         int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{RecentTouchpoints: 5, Temperature: 0.2, MaxTokens: 1024}
}

// FormSource resolves form definitions.
type FormSource interface {
	Form(ctx context.Context, id string) (*contracts.Form, error)
}

// Deps are the loop's collaborators.
type Deps struct {
	Repo        *store.Repository
	Forms       FormSource
	Client      llm.Client
	Recovery    *recovery.Manager
	Escalations *escalation.Manager
	CRM         *crm.Service
	Mailer      crm.Mailer
	Notifier    crm.Notifier
	Enroller    crm.Enroller
	Events      events.Publisher
	Telemetry   *observability.Provider
}

// Outcome summarizes one run.
type Outcome struct {
	Status   contracts.SubmissionStatus
	Executed []contracts.ActionResult
	Blocked  []Blocked
	DraftID  string
	Elapsed  time.Duration
}

// Loop is the agent execution loop.
type Loop struct {
	repo      *store.Repository
	forms     FormSource
	client    llm.Client
	rec       *recovery.Manager
	esc       *escalation.Manager
	crm       *crm.Service
	mailer    crm.Mailer
	notifier  crm.Notifier
	enroller  crm.Enroller
	events    events.Publisher
	telemetry *observability.Provider
	guard     *Guard
	actions   map[contracts.ActionName]actionFunc
	cfg       Config
	clock     func() time.Time
	logger    *slog.Logger
}

// NewLoop compiles the action schemas and checks the handler table.
func NewLoop(deps Deps, cfg Config) (*Loop, error) {
	guard, err := NewGuard()
	if err != nil {
		return nil, err
	}
	l := &Loop{
		repo:      deps.Repo,
		forms:     deps.Forms,
		client:    deps.Client,
		rec:       deps.Recovery,
		esc:       deps.Escalations,
		crm:       deps.CRM,
		mailer:    deps.Mailer,
		notifier:  deps.Notifier,
		enroller:  deps.Enroller,
		events:    deps.Events,
		telemetry: deps.Telemetry,
		guard:     guard,
		cfg:       cfg,
		clock:     time.Now,
		logger:    slog.Default().With("component", "agent"),
	}
	l.actions = l.handlers()
	if err := validateHandlers(l.actions); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *Loop) WithClock(clock func() time.Time) *Loop {
	l.clock = clock
	return l
}

var _ escalation.Executor = (*Loop)(nil)

// Run decides and acts on a submission that was handed off by its flow.
// Decision-service failures and unparsable plans end in needs_human_review
// with a nil error; only storage failures are returned.
func (l *Loop) Run(ctx context.Context, sub *contracts.Submission, contact *contracts.Contact, form *contracts.Form) (out Outcome, err error) {
	start := l.clock()
	ctx, done := l.telemetry.TrackOperation(ctx, "agent.run",
		attribute.String("tenant_id", sub.TenantID),
		attribute.String("form_id", form.ID),
		attribute.String("trust_level", string(form.TrustLevel)),
	)
	defer func() { done(err) }()

	events.Emit(ctx, l.events, l.logger, events.New(sub.TenantID, contracts.EventAgentProcessing, sub.ID, map[string]any{
		"form_id":     form.ID,
		"trust_level": string(form.TrustLevel),
	}))

	var company *contracts.Company
	if sub.CompanyID != "" {
		if company, err = l.repo.GetCompany(ctx, sub.TenantID, sub.CompanyID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return out, fmt.Errorf("load company: %w", err)
		}
		err = nil
	}

	plan, err := l.plan(ctx, sub, contact, company, form)
	if errors.Is(err, recovery.ErrExhausted) || errors.Is(err, ErrUnparsable) {
		out.Status = contracts.StatusNeedsHumanReview
		out.Elapsed = l.clock().Sub(start)
		return out, nil
	}
	if err != nil {
		return out, err
	}

	allowed, blocked := l.guard.Filter(form, plan.Actions)
	out.Blocked = blocked
	for _, b := range blocked {
		l.block(ctx, sub, b)
	}

	switch form.TrustLevel {
	case contracts.TrustObserve:
		if err := l.observe(ctx, sub, plan, allowed); err != nil {
			return out, err
		}
		out.Status = sub.Status
	case contracts.TrustDraft:
		d, err := l.esc.CreateDraft(ctx, sub, &contracts.Plan{
			Rationale:      plan.Rationale,
			Actions:        allowed,
			ContactUpdates: plan.ContactUpdates,
		})
		if err != nil {
			return out, err
		}
		l.notifyHandlers(ctx, sub, "draft awaiting approval")
		out.Status, out.DraftID = contracts.StatusPending, d.ID
		l.logger.InfoContext(ctx, "plan drafted", "tenant_id", sub.TenantID, "submission_id", sub.ID, "draft_id", d.ID)
	default:
		var reviewBy *time.Time
		if form.TrustLevel == contracts.TrustWindow {
			window := form.ReviewWindow
			if window <= 0 {
				window = DefaultReviewWindow
			}
			t := l.clock().UTC().Add(window)
			reviewBy = &t
		}
		results, status, err := l.execute(ctx, form, sub, contact, plan.Rationale, allowed, plan.ContactUpdates, reviewBy, start)
		if err != nil {
			return out, err
		}
		out.Executed, out.Status = results, status
	}
	out.Elapsed = l.clock().Sub(start)
	return out, nil
}

// plan asks for a decision and parses it, re-asking once with a stricter
// instruction when the first reply is unusable.
func (l *Loop) plan(ctx context.Context, sub *contracts.Submission, contact *contracts.Contact, company *contracts.Company, form *contracts.Form) (*contracts.Plan, error) {
	msgs, err := BuildPrompt(form, sub, contact, company, l.cfg.RecentTouchpoints)
	if err != nil {
		return nil, err
	}
	reply, err := l.decide(ctx, sub, msgs)
	if err != nil {
		return nil, err
	}
	plan, perr := ParsePlan(reply)
	if perr == nil {
		return plan, nil
	}
	l.logger.WarnContext(ctx, "unparsable plan, asking again", "tenant_id", sub.TenantID, "submission_id", sub.ID, "error", perr)
	if err := l.rec.RecordError(ctx, sub, contracts.ErrorDecisionUnparsable, 1, contracts.ResolutionRetry, perr.Error()); err != nil {
		return nil, err
	}

	reply, err = l.decide(ctx, sub, StrictRetry(msgs, reply))
	if err != nil {
		return nil, err
	}
	if plan, perr = ParsePlan(reply); perr == nil {
		return plan, nil
	}
	if err := l.rec.RecordError(ctx, sub, contracts.ErrorDecisionUnparsable, 2, contracts.ResolutionEscalated, perr.Error()); err != nil {
		return nil, err
	}
	events.Emit(ctx, l.events, l.logger, events.New(sub.TenantID, contracts.EventAgentError, sub.ID, map[string]any{
		"attempt":    2,
		"error_type": string(contracts.ErrorDecisionUnparsable),
		"message":    perr.Error(),
	}))
	if err := l.rec.Escalate(ctx, sub, "decision service returned an unparsable plan"); err != nil {
		return nil, err
	}
	return nil, perr
}

func (l *Loop) decide(ctx context.Context, sub *contracts.Submission, msgs []llm.Message) (string, error) {
	opts := &llm.SamplingOptions{Temperature: l.cfg.Temperature, MaxTokens: l.cfg.MaxTokens, JSON: true}
	return l.rec.Decide(ctx, sub, func(ctx context.Context) (string, error) {
		resp, err := l.client.Chat(ctx, msgs, opts)
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	})
}

func (l *Loop) block(ctx context.Context, sub *contracts.Submission, b Blocked) {
	l.logger.WarnContext(ctx, "action blocked", "tenant_id", sub.TenantID, "submission_id", sub.ID, "action", b.Action, "reason", b.Reason)
	if _, err := l.repo.AppendStep(ctx, sub.TenantID, sub.ID, contracts.StepEntry{
		Step: "action:" + string(b.Action), Outcome: contracts.StepSkipped, At: l.clock().UTC(), Detail: b.Reason,
	}); err != nil {
		l.logger.ErrorContext(ctx, "append blocked step", "submission_id", sub.ID, "error", err)
	}
	events.Emit(ctx, l.events, l.logger, events.New(sub.TenantID, contracts.EventAgentActionBlocked, sub.ID, map[string]any{
		"action": string(b.Action),
		"reason": b.Reason,
	}))
}

// observe records the plan as a summary for humans and executes nothing.
func (l *Loop) observe(ctx context.Context, sub *contracts.Submission, plan *contracts.Plan, allowed []contracts.ProposedAction) error {
	names := make([]string, len(allowed))
	for i, a := range allowed {
		names[i] = string(a.Name)
	}
	now := l.clock().UTC()
	updated, err := l.repo.UpdateSubmission(ctx, sub.TenantID, sub.ID, func(s *contracts.Submission) error {
		s.Status = contracts.StatusProcessed
		s.AgentSummary = plan.Rationale
		s.ProcessedAt = &now
		s.Steps = append(s.Steps, contracts.StepEntry{
			Step: "agent_observe", Outcome: contracts.StepOK, At: now, Detail: fmt.Sprintf("proposed: %v", names),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("record observation: %w", err)
	}
	*sub = *updated
	l.notifyHandlers(ctx, sub, "agent summary: "+plan.Rationale)
	events.Emit(ctx, l.events, l.logger, events.New(sub.TenantID, contracts.EventAgentCompleted, sub.ID, map[string]any{
		"actions":  0,
		"proposed": len(allowed),
		"mode":     string(contracts.TrustObserve),
	}))
	l.rec.ReleaseHandlers(ctx, sub)
	return nil
}

// execute runs allowed actions in order, applies contact updates and closes
// the submission. A failing action never stops the ones after it.
func (l *Loop) execute(ctx context.Context, form *contracts.Form, sub *contracts.Submission, contact *contracts.Contact,
	rationale string, actions []contracts.ProposedAction, updates *contracts.ContactUpdates, reviewBy *time.Time, start time.Time,
) ([]contracts.ActionResult, contracts.SubmissionStatus, error) {
	x := &execution{form: form, sub: sub, contact: contact}
	results := make([]contracts.ActionResult, 0, len(actions))
	for _, a := range actions {
		fn := l.actions[a.Name]
		details := a.Details
		res := l.rec.Action(ctx, sub, a.Name, func(ctx context.Context) (string, error) {
			return fn(ctx, x, details)
		})
		results = append(results, res)

		outcome := contracts.StepOK
		if !res.Success {
			outcome = contracts.StepFailed
		}
		if _, err := l.repo.AppendStep(ctx, sub.TenantID, sub.ID, contracts.StepEntry{
			Step: "action:" + string(a.Name), Outcome: outcome, At: l.clock().UTC(), EntityRef: res.EntityRef, Detail: res.Message,
		}); err != nil {
			return results, "", fmt.Errorf("append action step: %w", err)
		}
		events.Emit(ctx, l.events, l.logger, events.New(sub.TenantID, contracts.EventAgentAction, sub.ID, map[string]any{
			"action":     string(a.Name),
			"success":    res.Success,
			"entity_ref": res.EntityRef,
			"attempts":   res.Attempts,
		}))
	}

	if contact != nil && updates != nil && (len(updates.TagsToAdd) > 0 || updates.Note != "") {
		if err := l.applyContactUpdates(ctx, sub, contact, updates); err != nil {
			// Actions already ran; the updates are advisory.
			l.logger.ErrorContext(ctx, "contact updates failed", "submission_id", sub.ID, "contact_id", contact.ID, "error", err)
		}
	}

	status := contracts.StatusProcessed
	if x.escalation != nil {
		status = contracts.StatusNeedsHumanReview
	}
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	now := l.clock().UTC()
	updated, err := l.repo.UpdateSubmission(ctx, sub.TenantID, sub.ID, func(s *contracts.Submission) error {
		s.Status = status
		s.AgentSummary = rationale
		s.ReviewBy = reviewBy
		if status == contracts.StatusProcessed {
			s.ProcessedAt = &now
		}
		s.Steps = append(s.Steps, contracts.StepEntry{
			Step: "agent_complete", Outcome: contracts.StepOK, At: now,
			Detail: fmt.Sprintf("%d/%d actions succeeded", succeeded, len(results)),
		})
		return nil
	})
	if err != nil {
		return results, "", fmt.Errorf("close submission: %w", err)
	}
	*sub = *updated

	if x.escalation != nil {
		events.Emit(ctx, l.events, l.logger, events.New(sub.TenantID, contracts.EventAgentEscalated, sub.ID, map[string]any{
			"reason":        x.escalation.Reason,
			"escalation_id": x.escalation.ID,
			"source":        "plan",
		}))
	}
	elapsed := l.clock().Sub(start)
	events.Emit(ctx, l.events, l.logger, events.New(sub.TenantID, contracts.EventAgentCompleted, sub.ID, map[string]any{
		"actions":    len(results),
		"succeeded":  succeeded,
		"elapsed_ms": elapsed.Milliseconds(),
	}))
	l.rec.ReleaseHandlers(ctx, sub)
	l.logger.InfoContext(ctx, "agent run complete",
		"tenant_id", sub.TenantID, "submission_id", sub.ID, "actions", len(results), "succeeded", succeeded, "elapsed", elapsed)
	return results, status, nil
}

func (l *Loop) applyContactUpdates(ctx context.Context, sub *contracts.Submission, contact *contracts.Contact, u *contracts.ContactUpdates) error {
	now := l.clock().UTC()
	updated, err := l.repo.UpdateContact(ctx, sub.TenantID, contact.ID, func(c *contracts.Contact) error {
		c.AddTags(u.TagsToAdd...)
		if u.Note != "" {
			c.Notes = append(c.Notes, contracts.Note{Text: u.Note, Author: "agent", At: now})
		}
		return nil
	})
	if err != nil {
		return err
	}
	*contact = *updated
	return nil
}

func (l *Loop) notifyHandlers(ctx context.Context, sub *contracts.Submission, reason string) {
	for _, h := range sub.Handlers {
		if _, err := l.notifier.Notify(ctx, sub, h, reason); err != nil {
			l.logger.WarnContext(ctx, "notify failed", "submission_id", sub.ID, "handler_id", h.ID, "error", err)
		}
	}
}

// ExecuteDraft resumes an approved draft. The actions are checked against
// the form again since the catalog may have changed while it waited.
func (l *Loop) ExecuteDraft(ctx context.Context, d *contracts.Draft) (err error) {
	start := l.clock()
	ctx, done := l.telemetry.TrackOperation(ctx, "agent.execute_draft", attribute.String("tenant_id", d.TenantID))
	defer func() { done(err) }()

	sub, err := l.repo.GetSubmission(ctx, d.TenantID, d.SubmissionID)
	if err != nil {
		return fmt.Errorf("load submission: %w", err)
	}
	form, err := l.forms.Form(ctx, sub.FormID)
	if err != nil {
		return fmt.Errorf("load form: %w", err)
	}
	var contact *contracts.Contact
	if sub.ContactID != "" {
		if contact, err = l.repo.GetContact(ctx, sub.TenantID, sub.ContactID); err != nil {
			return fmt.Errorf("load contact: %w", err)
		}
	}
	now := l.clock().UTC()
	if sub, err = l.repo.UpdateSubmission(ctx, sub.TenantID, sub.ID, func(s *contracts.Submission) error {
		s.Status = contracts.StatusProcessing
		s.Steps = append(s.Steps, contracts.StepEntry{
			Step: "draft_approved", Outcome: contracts.StepOK, At: now, EntityRef: "draft:" + d.ID, Detail: d.DecidedBy,
		})
		return nil
	}); err != nil {
		return fmt.Errorf("resume submission: %w", err)
	}

	allowed, blocked := l.guard.Filter(form, d.Actions)
	for _, b := range blocked {
		l.block(ctx, sub, b)
	}
	_, _, err = l.execute(ctx, form, sub, contact, d.Rationale, allowed, d.ContactUpdates, nil, start)
	return err
}
