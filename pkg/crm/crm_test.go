package crm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

func newService() *Service {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	return NewService(store.NewRepository(store.NewMemoryBackend())).WithClock(func() time.Time { return now })
}

func TestService_CreateAndListBySubmission(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	sub := &contracts.Submission{ID: "s1", TenantID: "acme", ContactID: "c1"}

	ticket, err := svc.Create(ctx, contracts.RecordTicket, sub, "Printer on fire", map[string]any{"priority": "high"})
	require.NoError(t, err)
	assert.Equal(t, "c1", ticket.ContactID)
	assert.Equal(t, "ticket:"+ticket.ID, ticket.Ref())

	_, err = svc.Create(ctx, contracts.RecordActivity, &contracts.Submission{ID: "s2", TenantID: "acme"}, "other", nil)
	require.NoError(t, err)

	recs, err := svc.ForSubmission(ctx, "acme", "s1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "high", recs[0].Attributes["priority"])

	tickets, err := svc.List(ctx, "acme", contracts.RecordTicket)
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
}

func TestOutbox_Deliveries(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	out := NewOutbox(svc)
	sub := &contracts.Submission{ID: "s1", TenantID: "acme"}

	_, err := out.Send(ctx, sub, Message{Subject: "hi"})
	assert.ErrorIs(t, err, ErrNoRecipient)
	_, err = out.Enroll(ctx, sub, "newsletter")
	assert.ErrorIs(t, err, ErrNoRecipient, "enrollment needs a contact")

	ref, err := out.Send(ctx, sub, Message{To: "a@example.com", Subject: "Thanks", Purpose: "confirmation"})
	require.NoError(t, err)
	assert.Contains(t, ref, "message:")

	_, err = out.Notify(ctx, sub, contracts.HandlerRef{ID: "h1", Kind: contracts.HandlerHuman}, "new submission")
	require.NoError(t, err)

	msgs, err := svc.List(ctx, "acme", contracts.RecordMessage)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "email", msgs[0].Attributes["channel"])
	assert.Equal(t, "h1", msgs[1].Attributes["handler_id"])
}
