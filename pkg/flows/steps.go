package flows

import (
	"context"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/crm"
	"github.com/Mindburn-Labs/helm-intake/pkg/events"
)

// StepName identifies an entry of the shared step library.
type StepName string

const (
	StepSendConfirmation StepName = "send_confirmation"
	StepLogActivity      StepName = "log_activity"
	StepNotifyHandler    StepName = "notify_handler"
	StepEnrollCampaign   StepName = "enroll_campaign"
	StepCreateTicket     StepName = "create_ticket"
	StepCreateTask       StepName = "create_task"
	StepRouteToHandler   StepName = "route_to_handler"
	StepHandoff          StepName = "handoff"
)

// run is the mutable state threaded through one flow execution.
type run struct {
	form    *contracts.Form
	sub     *contracts.Submission
	contact *contracts.Contact
	company *contracts.Company
	result  Result
	// stop ends the flow after the current step without marking it processed.
	stop bool
}

// stepFunc performs one step and returns its log entry fields.
type stepFunc func(ctx context.Context, r *run) (outcome contracts.StepOutcome, ref, detail string, err error)

func (d *Dispatcher) library() map[StepName]stepFunc {
	return map[StepName]stepFunc{
		StepSendConfirmation: d.sendConfirmation,
		StepLogActivity:      d.logActivity,
		StepNotifyHandler:    d.notifyHandler,
		StepEnrollCampaign:   d.enrollCampaign,
		StepCreateTicket:     d.createTicket,
		StepCreateTask:       d.createTask,
		StepRouteToHandler:   d.routeToHandler,
		StepHandoff:          d.handoff,
	}
}

func (d *Dispatcher) sendConfirmation(ctx context.Context, r *run) (contracts.StepOutcome, string, string, error) {
	to := ""
	if r.contact != nil {
		to = r.contact.Email
	}
	if to == "" {
		return contracts.StepSkipped, "", "no email", nil
	}
	body := r.form.Success.Message
	if body == "" {
		body = "We received your submission."
	}
	ref, err := d.mailer.Send(ctx, r.sub, crm.Message{
		To:      to,
		Subject: fmt.Sprintf("We received your %s", strings.ToLower(nonEmpty(r.form.Name, "request"))),
		Body:    body,
		Purpose: "confirmation",
	})
	if err != nil {
		return contracts.StepFailed, "", "", err
	}
	return contracts.StepOK, ref, "", nil
}

func (d *Dispatcher) logActivity(ctx context.Context, r *run) (contracts.StepOutcome, string, string, error) {
	attrs := map[string]any{
		"form_id": r.sub.FormID,
		"flow":    string(r.form.Flow),
	}
	if c := r.sub.Meta.Campaign; c.Source != "" || c.Campaign != "" {
		attrs["utm_source"] = c.Source
		attrs["utm_campaign"] = c.Campaign
	}
	if r.company != nil {
		attrs["company"] = r.company.Name
	}
	rec, err := d.crm.Create(ctx, contracts.RecordActivity, r.sub, "Form submitted: "+nonEmpty(r.form.Name, r.form.ID), attrs)
	if err != nil {
		return contracts.StepFailed, "", "", err
	}
	return contracts.StepOK, rec.Ref(), "", nil
}

func (d *Dispatcher) notifyHandler(ctx context.Context, r *run) (contracts.StepOutcome, string, string, error) {
	handlers := r.sub.Handlers
	if len(handlers) == 0 {
		return contracts.StepSkipped, "", "no handler assigned", nil
	}
	var refs []string
	for _, h := range handlers {
		ref, err := d.notifier.Notify(ctx, r.sub, h, "new "+string(r.form.Flow)+" submission")
		if err != nil {
			return contracts.StepFailed, strings.Join(refs, ","), "", err
		}
		refs = append(refs, ref)
	}
	return contracts.StepOK, strings.Join(refs, ","), "", nil
}

func (d *Dispatcher) enrollCampaign(ctx context.Context, r *run) (contracts.StepOutcome, string, string, error) {
	if r.sub.ContactID == "" {
		return contracts.StepSkipped, "", "no contact", nil
	}
	sequence := r.sub.Meta.Campaign.Campaign
	if sequence == "" {
		sequence = r.form.ID
	}
	ref, err := d.enroller.Enroll(ctx, r.sub, sequence)
	if err != nil {
		return contracts.StepFailed, "", "", err
	}
	return contracts.StepOK, ref, sequence, nil
}

func (d *Dispatcher) createTicket(ctx context.Context, r *run) (contracts.StepOutcome, string, string, error) {
	title := firstOf(r.sub, "subject", "summary", "title")
	if title == "" {
		title = "Support request from " + nonEmpty(r.sub.ContactID, r.sub.ID)
	}
	rec, err := d.crm.Create(ctx, contracts.RecordTicket, r.sub, title, map[string]any{
		"status":      "open",
		"description": firstOf(r.sub, "message", "description", "details"),
		"priority":    nonEmpty(firstOf(r.sub, "priority", "urgency"), "normal"),
	})
	if err != nil {
		return contracts.StepFailed, "", "", err
	}
	return contracts.StepOK, rec.Ref(), "", nil
}

func (d *Dispatcher) createTask(ctx context.Context, r *run) (contracts.StepOutcome, string, string, error) {
	rec, err := d.crm.Create(ctx, contracts.RecordTask, r.sub, "Follow up: "+nonEmpty(r.form.Name, r.form.ID), map[string]any{
		"status": "open",
		"due":    d.clock().UTC().Add(followUpWithin).Format("2006-01-02T15:04:05Z07:00"),
	})
	if err != nil {
		return contracts.StepFailed, "", "", err
	}
	return contracts.StepOK, rec.Ref(), "", nil
}

func (d *Dispatcher) routeToHandler(ctx context.Context, r *run) (contracts.StepOutcome, string, string, error) {
	if r.form.HandlerGroupID == "" {
		return contracts.StepSkipped, "", "no handler group", nil
	}
	a, err := d.router.Route(ctx, r.sub.TenantID, r.form.HandlerGroupID)
	if err != nil {
		// Park it in the unassigned queue rather than run handler steps blind.
		r.result.Unassigned = true
		r.stop = true
		return contracts.StepFailed, "", "", err
	}
	r.result.Assignment = &a
	if a.Unassigned {
		r.result.Unassigned = true
		r.stop = true
		return contracts.StepSkipped, "", UnassignedDetail, nil
	}

	sub, err := d.repo.UpdateSubmission(ctx, r.sub.TenantID, r.sub.ID, func(s *contracts.Submission) error {
		s.Handlers = a.Handlers
		return nil
	})
	if err != nil {
		return contracts.StepFailed, "", "", err
	}
	r.sub.Handlers = sub.Handlers

	if a.Strategy == contracts.StrategyBroadcast && !a.Fallback && d.arbiter != nil {
		if err := d.arbiter.Open(ctx, r.sub.TenantID, r.sub.ID, a.Handlers); err != nil {
			d.logger.WarnContext(ctx, "claim arbiter unavailable", "submission_id", r.sub.ID, "error", err)
		}
	}

	ids := make([]string, len(a.Handlers))
	for i, h := range a.Handlers {
		ids[i] = h.ID
	}
	events.Emit(ctx, d.events, d.logger, events.New(r.sub.TenantID, contracts.EventHandlerAssigned, r.sub.ID, map[string]any{
		"group_id": a.GroupID,
		"strategy": string(a.Strategy),
		"handlers": ids,
		"fallback": a.Fallback,
	}))
	detail := string(a.Strategy)
	if a.Fallback {
		detail = "fallback"
	}
	return contracts.StepOK, "handler:" + strings.Join(ids, ","), detail, nil
}

func (d *Dispatcher) handoff(ctx context.Context, r *run) (contracts.StepOutcome, string, string, error) {
	now := d.clock().UTC()
	_, err := d.repo.UpdateSubmission(ctx, r.sub.TenantID, r.sub.ID, func(s *contracts.Submission) error {
		s.Status = contracts.StatusProcessing
		s.ProcessingStartedAt = &now
		return nil
	})
	if err != nil {
		return contracts.StepFailed, "", "", err
	}
	r.sub.Status = contracts.StatusProcessing
	r.sub.ProcessingStartedAt = &now
	r.result.Handoff = true
	r.stop = true
	return contracts.StepOK, "", "agent", nil
}

func firstOf(sub *contracts.Submission, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(sub.Fields.String(n)); v != "" {
			return v
		}
	}
	return ""
}

func nonEmpty(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
