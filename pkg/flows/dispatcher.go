// Package flows runs the fixed processing pipelines behind each form.
//
// A flow is an ordered list of steps from a shared library. Every step
// appends exactly one entry to the submission's step log, and the next step
// starts only after that entry is committed.
package flows

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/crm"
	"github.com/Mindburn-Labs/helm-intake/pkg/events"
	"github.com/Mindburn-Labs/helm-intake/pkg/routing"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

// UnassignedDetail marks the route step of a submission left in the unassigned queue.
const UnassignedDetail = "unassigned"

const followUpWithin = 24 * time.Hour

// Table maps every flow to its ordered steps.
var Table = map[contracts.FlowID][]StepName{
	contracts.FlowContactUs:          {StepSendConfirmation, StepLogActivity, StepRouteToHandler, StepNotifyHandler},
	contracts.FlowNewsletterSignup:   {StepSendConfirmation, StepEnrollCampaign, StepLogActivity},
	contracts.FlowSupportRequest:     {StepSendConfirmation, StepCreateTicket, StepRouteToHandler, StepNotifyHandler},
	contracts.FlowDemoRequest:        {StepSendConfirmation, StepLogActivity, StepCreateTask, StepRouteToHandler, StepNotifyHandler},
	contracts.FlowSalesQualification: {StepSendConfirmation, StepLogActivity, StepRouteToHandler, StepHandoff},
	contracts.FlowSupportTriage:      {StepSendConfirmation, StepCreateTicket, StepRouteToHandler, StepHandoff},
}

// Result is the outcome of the synchronous part of a flow.
type Result struct {
	Status     contracts.SubmissionStatus
	Assignment *contracts.Assignment
	// Handoff is set when the agent loop must continue the submission.
	Handoff bool
	// Unassigned is set when routing found nobody; the submission stays received.
	Unassigned bool
}

// Router is the subset of *routing.Router the dispatcher needs.
type Router interface {
	Route(ctx context.Context, tenantID, groupID string) (contracts.Assignment, error)
}

// FormSource resolves form definitions.
type FormSource interface {
	Form(ctx context.Context, id string) (*contracts.Form, error)
}

// Deps are the dispatcher's collaborators.
type Deps struct {
	Repo     *store.Repository
	Forms    FormSource
	CRM      *crm.Service
	Router   Router
	Arbiter  routing.ClaimArbiter
	Mailer   crm.Mailer
	Notifier crm.Notifier
	Enroller crm.Enroller
	Events   events.Publisher
}

// Dispatcher executes flows.
type Dispatcher struct {
	repo     *store.Repository
	forms    FormSource
	crm      *crm.Service
	router   Router
	arbiter  routing.ClaimArbiter
	mailer   crm.Mailer
	notifier crm.Notifier
	enroller crm.Enroller
	events   events.Publisher
	logger   *slog.Logger
	clock    func() time.Time

	steps map[StepName]stepFunc
}

// NewDispatcher validates the flow table against the step library and
// returns a ready dispatcher.
func NewDispatcher(deps Deps) (*Dispatcher, error) {
	d := &Dispatcher{
		repo:     deps.Repo,
		forms:    deps.Forms,
		crm:      deps.CRM,
		router:   deps.Router,
		arbiter:  deps.Arbiter,
		mailer:   deps.Mailer,
		notifier: deps.Notifier,
		enroller: deps.Enroller,
		events:   deps.Events,
		logger:   slog.Default().With("component", "flows"),
		clock:    time.Now,
	}
	d.steps = d.library()
	if err := ValidateTable(Table, d.steps); err != nil {
		return nil, err
	}
	return d, nil
}

// WithClock overrides the clock for deterministic testing.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// ValidateTable checks that every flow has steps, every step exists, and
// only agent-guided flows end in a handoff preceded by routing.
func ValidateTable(table map[contracts.FlowID][]StepName, lib map[StepName]stepFunc) error {
	for _, id := range contracts.AllFlows {
		steps, ok := table[id]
		if !ok || len(steps) == 0 {
			return fmt.Errorf("flows: no steps for flow %q", id)
		}
		for i, s := range steps {
			if _, ok := lib[s]; !ok {
				return fmt.Errorf("flows: flow %q uses unknown step %q", id, s)
			}
			if s == StepHandoff && i != len(steps)-1 {
				return fmt.Errorf("flows: flow %q hands off before its last step", id)
			}
		}
		last := steps[len(steps)-1]
		if id.AgentGuided() {
			if last != StepHandoff || len(steps) < 2 || steps[len(steps)-2] != StepRouteToHandler {
				return fmt.Errorf("flows: agent-guided flow %q must end with route_to_handler then handoff", id)
			}
		} else if last == StepHandoff {
			return fmt.Errorf("flows: deterministic flow %q cannot hand off", id)
		}
	}
	for id := range table {
		if !id.Valid() {
			return fmt.Errorf("flows: unknown flow %q in table", id)
		}
	}
	return nil
}

// Execute runs flowID for sub. Contact and company may be nil.
func (d *Dispatcher) Execute(ctx context.Context, flowID contracts.FlowID, sub *contracts.Submission, contact *contracts.Contact, company *contracts.Company) (Result, error) {
	steps, ok := Table[flowID]
	if !ok {
		return Result{}, fmt.Errorf("flows: unknown flow %q", flowID)
	}
	form, err := d.forms.Form(ctx, sub.FormID)
	if err != nil {
		return Result{}, fmt.Errorf("load form %s: %w", sub.FormID, err)
	}

	r := &run{form: form, sub: sub, contact: contact, company: company}
	logger := d.logger.With("tenant_id", sub.TenantID, "submission_id", sub.ID, "flow", flowID)

	for _, name := range steps {
		outcome, ref, detail, stepErr := d.steps[name](ctx, r)
		if stepErr != nil {
			detail = stepErr.Error()
			logger.WarnContext(ctx, "step failed", "step", name, "error", stepErr)
		}
		updated, err := d.repo.AppendStep(ctx, sub.TenantID, sub.ID, contracts.StepEntry{
			Step:      string(name),
			Outcome:   outcome,
			At:        d.clock().UTC(),
			EntityRef: ref,
			Detail:    detail,
		})
		if err != nil {
			return r.result, fmt.Errorf("append step %s: %w", name, err)
		}
		r.sub.Steps = updated.Steps
		if r.stop {
			break
		}
	}

	switch {
	case r.result.Handoff:
		r.result.Status = contracts.StatusProcessing
	case r.result.Unassigned:
		r.result.Status = contracts.StatusReceived
	default:
		now := d.clock().UTC()
		if _, err := d.repo.UpdateSubmission(ctx, sub.TenantID, sub.ID, func(s *contracts.Submission) error {
			s.Status = contracts.StatusProcessed
			s.ProcessedAt = &now
			return nil
		}); err != nil {
			return r.result, fmt.Errorf("finish flow: %w", err)
		}
		sub.Status, sub.ProcessedAt = contracts.StatusProcessed, &now
		r.result.Status = contracts.StatusProcessed
	}
	logger.InfoContext(ctx, "flow finished", "status", r.result.Status, "steps", len(r.sub.Steps))
	return r.result, nil
}

// IsUnassigned reports whether sub is parked in the unassigned queue.
func IsUnassigned(sub *contracts.Submission) bool {
	if sub.Status != contracts.StatusReceived || len(sub.Steps) == 0 {
		return false
	}
	last := sub.Steps[len(sub.Steps)-1]
	return last.Step == string(StepRouteToHandler) && last.Outcome != contracts.StepOK
}
