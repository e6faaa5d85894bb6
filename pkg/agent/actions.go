package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/crm"
)

// qualifyThreshold is the score at which a lead becomes qualified when the
// plan does not say so explicitly.
const qualifyThreshold = 70

var errNoContact = errors.New("agent: submission has no contact")

// execution is the state shared by the handlers of one plan.
type execution struct {
	form    *contracts.Form
	sub     *contracts.Submission
	contact *contracts.Contact
	// escalation is set when the plan itself asked for a human.
	escalation *contracts.Escalation
}

type actionFunc func(ctx context.Context, x *execution, details map[string]any) (ref string, err error)

func (l *Loop) handlers() map[contracts.ActionName]actionFunc {
	return map[contracts.ActionName]actionFunc{
		contracts.ActionScoreQualify:     l.scoreQualify,
		contracts.ActionSendMessage:      l.sendMessage,
		contracts.ActionCreateDeal:       l.createDeal,
		contracts.ActionCreateTicket:     l.createTicket,
		contracts.ActionCreateBooking:    l.createBooking,
		contracts.ActionEnrollInSequence: l.enrollInSequence,
		contracts.ActionEscalate:         l.escalate,
		contracts.ActionRespondDirectly:  l.respondDirectly,
	}
}

// validateHandlers fails when an action of the closed set has no handler.
func validateHandlers(h map[contracts.ActionName]actionFunc) error {
	for _, name := range contracts.AllActions {
		if h[name] == nil {
			return fmt.Errorf("agent: no handler for action %q", name)
		}
	}
	if len(h) != len(contracts.AllActions) {
		return fmt.Errorf("agent: handler table has %d entries, want %d", len(h), len(contracts.AllActions))
	}
	return nil
}

func (l *Loop) scoreQualify(ctx context.Context, x *execution, d map[string]any) (string, error) {
	if x.contact == nil {
		return "", errNoContact
	}
	score := int(math.Round(number(d, "score")))
	qualified, explicit := d["qualified"].(bool)
	updated, err := l.repo.UpdateContact(ctx, x.sub.TenantID, x.contact.ID, func(c *contracts.Contact) error {
		c.Score = score
		switch {
		case explicit && qualified && c.Status == contracts.ContactLead:
			c.Status = contracts.ContactQualified
		case !explicit && score >= qualifyThreshold && c.Status == contracts.ContactLead:
			c.Status = contracts.ContactQualified
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	*x.contact = *updated
	return "contact:" + updated.ID, nil
}

func (l *Loop) sendMessage(ctx context.Context, x *execution, d map[string]any) (string, error) {
	return l.mail(ctx, x, d, "agent_message")
}

func (l *Loop) respondDirectly(ctx context.Context, x *execution, d map[string]any) (string, error) {
	return l.mail(ctx, x, d, "reply")
}

func (l *Loop) mail(ctx context.Context, x *execution, d map[string]any, purpose string) (string, error) {
	if x.contact == nil || x.contact.Email == "" {
		return "", errNoContact
	}
	subject := text(d, "subject")
	if subject == "" {
		subject = "Re: " + nonEmpty(x.form.Name, "your request")
	}
	return l.mailer.Send(ctx, x.sub, crm.Message{
		To:      x.contact.Email,
		Subject: subject,
		Body:    text(d, "body"),
		Purpose: purpose,
	})
}

func (l *Loop) createDeal(ctx context.Context, x *execution, d map[string]any) (string, error) {
	attrs := map[string]any{"stage": nonEmpty(text(d, "stage"), "new")}
	if v, ok := d["amount"]; ok {
		attrs["amount"] = v
	}
	rec, err := l.crm.Create(ctx, contracts.RecordDeal, x.sub, text(d, "title"), attrs)
	if err != nil {
		return "", err
	}
	return rec.Ref(), nil
}

func (l *Loop) createTicket(ctx context.Context, x *execution, d map[string]any) (string, error) {
	rec, err := l.crm.Create(ctx, contracts.RecordTicket, x.sub, text(d, "title"), map[string]any{
		"priority":    nonEmpty(text(d, "priority"), "normal"),
		"description": text(d, "description"),
		"source":      "agent",
	})
	if err != nil {
		return "", err
	}
	return rec.Ref(), nil
}

func (l *Loop) createBooking(ctx context.Context, x *execution, d map[string]any) (string, error) {
	duration := int(number(d, "duration_minutes"))
	if duration == 0 {
		duration = 30
	}
	title := text(d, "title")
	if title == "" && x.contact != nil {
		title = "Meeting with " + nonEmpty(strings.TrimSpace(x.contact.FullName), x.contact.Email)
	}
	rec, err := l.crm.Create(ctx, contracts.RecordBooking, x.sub, title, map[string]any{
		"start":            text(d, "start"),
		"duration_minutes": duration,
	})
	if err != nil {
		return "", err
	}
	return rec.Ref(), nil
}

func (l *Loop) enrollInSequence(ctx context.Context, x *execution, d map[string]any) (string, error) {
	return l.enroller.Enroll(ctx, x.sub, text(d, "sequence"))
}

func (l *Loop) escalate(ctx context.Context, x *execution, d map[string]any) (string, error) {
	reason := text(d, "reason")
	var fallback *contracts.HandlerRef
	if x.form.HandlerGroupID != "" {
		if g, err := l.repo.GetGroup(ctx, x.sub.TenantID, x.form.HandlerGroupID); err == nil {
			fallback = g.Fallback
		}
	}
	entry, err := l.esc.Open(ctx, x.sub, reason, fallback)
	if err != nil {
		return "", err
	}
	targets := x.sub.Handlers
	if fallback != nil {
		targets = []contracts.HandlerRef{*fallback}
	}
	for _, h := range targets {
		if _, err := l.notifier.Notify(ctx, x.sub, h, "agent escalation: "+reason); err != nil {
			l.logger.WarnContext(ctx, "escalation notify failed", "submission_id", x.sub.ID, "handler_id", h.ID, "error", err)
		}
	}
	x.escalation = entry
	return "escalation:" + entry.ID, nil
}

func text(d map[string]any, key string) string {
	s, _ := d[key].(string)
	return strings.TrimSpace(s)
}

func number(d map[string]any, key string) float64 {
	switch v := d[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func nonEmpty(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
