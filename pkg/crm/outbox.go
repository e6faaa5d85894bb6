package crm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
)

// Message is one outbound communication.
type Message struct {
	To      string
	Subject string
	Body    string
	// Purpose tags the message for reporting, e.g. "confirmation" or "reply".
	Purpose string
}

// Mailer sends messages to submitters.
type Mailer interface {
	Send(ctx context.Context, sub *contracts.Submission, msg Message) (ref string, err error)
}

// Notifier alerts a handler about a submission.
type Notifier interface {
	Notify(ctx context.Context, sub *contracts.Submission, to contracts.HandlerRef, reason string) (ref string, err error)
}

// Enroller adds a contact to a nurture sequence.
type Enroller interface {
	Enroll(ctx context.Context, sub *contracts.Submission, sequence string) (ref string, err error)
}

// ErrNoRecipient is returned when a message has nowhere to go.
var ErrNoRecipient = errors.New("crm: message has no recipient")

// Outbox implements Mailer, Notifier and Enroller by recording each
// delivery as a message record. A relay drains message records to the
// real channels.
type Outbox struct {
	crm    *Service
	logger *slog.Logger
}

// NewOutbox creates an outbox backed by svc.
func NewOutbox(svc *Service) *Outbox {
	return &Outbox{crm: svc, logger: slog.Default().With("component", "outbox")}
}

var (
	_ Mailer   = (*Outbox)(nil)
	_ Notifier = (*Outbox)(nil)
	_ Enroller = (*Outbox)(nil)
)

// Send records an email to the submitter.
func (o *Outbox) Send(ctx context.Context, sub *contracts.Submission, msg Message) (string, error) {
	if msg.To == "" {
		return "", ErrNoRecipient
	}
	rec, err := o.crm.Create(ctx, contracts.RecordMessage, sub, msg.Subject, map[string]any{
		"channel": "email",
		"to":      msg.To,
		"body":    msg.Body,
		"purpose": msg.Purpose,
	})
	if err != nil {
		return "", fmt.Errorf("queue message: %w", err)
	}
	o.logger.InfoContext(ctx, "message queued", "tenant_id", sub.TenantID, "submission_id", sub.ID, "purpose", msg.Purpose)
	return rec.Ref(), nil
}

// Notify records a handler notification.
func (o *Outbox) Notify(ctx context.Context, sub *contracts.Submission, to contracts.HandlerRef, reason string) (string, error) {
	if to.ID == "" {
		return "", ErrNoRecipient
	}
	rec, err := o.crm.Create(ctx, contracts.RecordMessage, sub, "handler notification", map[string]any{
		"channel":      "notification",
		"handler_id":   to.ID,
		"handler_kind": string(to.Kind),
		"address":      to.Address,
		"reason":       reason,
	})
	if err != nil {
		return "", fmt.Errorf("queue notification: %w", err)
	}
	o.logger.InfoContext(ctx, "handler notified", "tenant_id", sub.TenantID, "submission_id", sub.ID, "handler_id", to.ID, "reason", reason)
	return rec.Ref(), nil
}

// Enroll records a sequence enrollment for the submission's contact.
func (o *Outbox) Enroll(ctx context.Context, sub *contracts.Submission, sequence string) (string, error) {
	if sub.ContactID == "" {
		return "", ErrNoRecipient
	}
	rec, err := o.crm.Create(ctx, contracts.RecordMessage, sub, "sequence enrollment", map[string]any{
		"channel":  "sequence",
		"sequence": sequence,
	})
	if err != nil {
		return "", fmt.Errorf("enroll: %w", err)
	}
	o.logger.InfoContext(ctx, "contact enrolled", "tenant_id", sub.TenantID, "contact_id", sub.ContactID, "sequence", sequence)
	return rec.Ref(), nil
}
