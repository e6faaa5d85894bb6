package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-intake/pkg/agent"
	"github.com/Mindburn-Labs/helm-intake/pkg/config"
	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/intake"
	"github.com/Mindburn-Labs/helm-intake/pkg/limiter"
	"github.com/Mindburn-Labs/helm-intake/pkg/llm"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

const catalogYAML = `
handler_groups:
  - id: sales
    tenant_id: acme
    name: Sales
    strategy: round_robin
    members:
      - {id: ann, name: Ann, kind: human, active: true, address: ann@acme.test}
      - {id: bob, name: Bob, kind: human, active: true, address: bob@acme.test}
    fallback: {id: ops, kind: human}
forms:
  - id: contact
    tenant_id: acme
    name: Contact
    version: 1.0.0
    active: true
    flow: contact_us
    trust_level: observe
    handler_group: sales
    success: {message: Thanks}
    limits: {max_submissions_per_ip: 100, max_submissions_per_email: 100, window: 1h}
    fields:
      - {name: email, type: email, required: true}
      - {name: name, type: text, maps_to: full_name}
      - {name: company, type: text, maps_to: company}
  - id: qualify
    tenant_id: acme
    name: Talk to sales
    purpose: qualify inbound leads
    version: 1.2.0
    active: true
    flow: sales_qualification
    trust_level: autonomous
    handler_group: sales
    allowed_actions: [score_qualify, create_deal]
    limits: {max_submissions_per_ip: 100, max_submissions_per_email: 100, window: 1h}
    fields:
      - {name: email, type: email, required: true}
      - {name: seats, type: number}
`

type fixedDecision struct {
	mu    sync.Mutex
	calls int
	reply string
}

func (f *fixedDecision) Chat(context.Context, []llm.Message, *llm.SamplingOptions) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &llm.Response{Content: f.reply}, nil
}

func newSystem(t *testing.T, decision llm.Client) *System {
	t.Helper()
	cat, err := config.ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)
	repo := store.NewRepository(store.NewMemoryBackend())
	sys, err := Assemble(Options{
		Repo:     repo,
		Counters: limiter.NewMemoryCounter(),
		Decision: decision,
		Pools:    Pools{PipelineWorkers: 4, AgentWorkers: 2, QueueSize: 64, PerTenant: 4},
		Agent:    agent.DefaultConfig(),
		Sleep:    func(context.Context, time.Duration) error { return nil },
	})
	require.NoError(t, err)
	require.NoError(t, sys.Install(context.Background(), cat))
	t.Cleanup(func() { _ = sys.Close(context.Background()) })
	return sys
}

func submit(t *testing.T, sys *System, formID string, fields ...contracts.FieldValue) string {
	t.Helper()
	acc, err := sys.Engine.Submit(context.Background(), intake.SubmitRequest{
		FormID: formID,
		Fields: contracts.NewFieldValues(fields...),
		Meta:   contracts.ClientMeta{IP: "203.0.113.9"},
	})
	require.NoError(t, err)
	return acc.SubmissionID
}

func waitStatus(t *testing.T, sys *System, id string, want contracts.SubmissionStatus) *contracts.Submission {
	t.Helper()
	var sub *contracts.Submission
	require.Eventually(t, func() bool {
		s, err := sys.Repo.GetSubmission(context.Background(), "acme", id)
		if err != nil {
			return false
		}
		sub = s
		return s.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return sub
}

func TestEngine_DeterministicFlow(t *testing.T) {
	sys := newSystem(t, &fixedDecision{})
	id := submit(t, sys, "contact",
		contracts.FieldValue{Key: "email", Value: "Jo@Example.com"},
		contracts.FieldValue{Key: "name", Value: "Jo Park"},
		contracts.FieldValue{Key: "company", Value: "Initech"},
	)

	sub := waitStatus(t, sys, id, contracts.StatusProcessed)
	assert.NotEmpty(t, sub.ContactID)
	assert.NotEmpty(t, sub.CompanyID)
	require.NotEmpty(t, sub.Steps)
	assert.Equal(t, "resolve_identity", sub.Steps[0].Step)
	require.Len(t, sub.Handlers, 1)

	c, err := sys.Repo.FindContactByEmail(context.Background(), "acme", "jo@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, c.SubmissionCount)
}

func TestEngine_AgentGuidedFlow(t *testing.T) {
	decision := &fixedDecision{reply: `{"rationale": "team of 40", "actions": [
		{"name": "score_qualify", "details": {"score": 90}},
		{"name": "send_message", "details": {"body": "not allowed"}},
		{"name": "create_deal", "details": {"title": "40 seats"}}]}`}
	sys := newSystem(t, decision)
	id := submit(t, sys, "qualify",
		contracts.FieldValue{Key: "email", Value: "lee@example.com"},
		contracts.FieldValue{Key: "seats", Value: "40"},
	)

	sub := waitStatus(t, sys, id, contracts.StatusProcessed)
	assert.Equal(t, "team of 40", sub.AgentSummary)
	assert.Equal(t, 1, decision.calls)

	evs, err := sys.Repo.ListEvents(context.Background(), "acme", 0, 0)
	require.NoError(t, err)
	counts := map[contracts.EventType]int{}
	for _, e := range evs {
		if e.SubmissionID == id {
			counts[e.Type]++
		}
	}
	assert.Equal(t, 1, counts[contracts.EventSubmissionReceived])
	assert.Equal(t, 1, counts[contracts.EventContactCreated])
	assert.Equal(t, 1, counts[contracts.EventHandlerAssigned])
	assert.Equal(t, 1, counts[contracts.EventAgentProcessing])
	assert.Equal(t, 2, counts[contracts.EventAgentAction])
	assert.Equal(t, 1, counts[contracts.EventAgentActionBlocked])
	assert.Equal(t, 1, counts[contracts.EventAgentCompleted])
}

func TestEngine_ConcurrentRoundRobin(t *testing.T) {
	sys := newSystem(t, &fixedDecision{})
	const n = 50
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acc, err := sys.Engine.Submit(context.Background(), intake.SubmitRequest{
				FormID: "contact",
				Fields: contracts.NewFieldValues(contracts.FieldValue{Key: "email", Value: "same@example.com"}),
				Meta:   contracts.ClientMeta{IP: "203.0.113.9"},
			})
			if err == nil {
				ids[i] = acc.SubmissionID
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	perHandler := map[string]int{}
	for _, id := range ids {
		sub := waitStatus(t, sys, id, contracts.StatusProcessed)
		require.Len(t, sub.Handlers, 1)
		perHandler[sub.Handlers[0].ID]++
	}
	assert.Equal(t, map[string]int{"ann": n / 2, "bob": n / 2}, perHandler)
}
