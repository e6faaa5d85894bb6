package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-intake/pkg/agent"
	"github.com/Mindburn-Labs/helm-intake/pkg/config"
	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/engine"
	"github.com/Mindburn-Labs/helm-intake/pkg/limiter"
	"github.com/Mindburn-Labs/helm-intake/pkg/llm"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

const testSecret = "operator-secret"

const catalogYAML = `
handler_groups:
  - id: sales
    tenant_id: acme
    name: Sales
    strategy: round_robin
    members:
      - {id: ann, name: Ann, kind: human, active: true, address: ann@acme.test}
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
    honeypot_field: website
    success: {message: Thanks, redirect_url: "https://acme.test/thanks"}
    limits: {max_submissions_per_ip: 100, max_submissions_per_email: 100, window: 1h}
    fields:
      - {name: email, type: email, required: true}
      - {name: name, type: text, maps_to: full_name}
    experiment:
      id: headline
      active: true
      min_sample_size: 10
      variants:
        - {id: a, weight: 1}
        - {id: b, weight: 1}
  - id: demo
    tenant_id: acme
    name: Book a demo
    version: 1.0.0
    active: true
    flow: sales_qualification
    trust_level: draft
    handler_group: sales
    allowed_actions: [create_deal]
    limits: {max_submissions_per_ip: 100, max_submissions_per_email: 100, window: 1h}
    fields:
      - {name: email, type: email, required: true}
`

type fixedDecision struct {
	mu    sync.Mutex
	reply string
}

func (f *fixedDecision) Chat(context.Context, []llm.Message, *llm.SamplingOptions) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &llm.Response{Content: f.reply}, nil
}

type fixture struct {
	sys   *engine.System
	srv   *httptest.Server
	token string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := config.ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)
	sys, err := engine.Assemble(engine.Options{
		Repo:     store.NewRepository(store.NewMemoryBackend()),
		Counters: limiter.NewMemoryCounter(),
		Decision: &fixedDecision{reply: `{"rationale": "wants a demo", "actions": [{"name": "create_deal", "details": {"title": "Demo"}}]}`},
		Pools:    engine.Pools{PipelineWorkers: 2, AgentWorkers: 1, QueueSize: 16, PerTenant: 2},
		Agent:    agent.DefaultConfig(),
		Sleep:    func(context.Context, time.Duration) error { return nil },
	})
	require.NoError(t, err)
	require.NoError(t, sys.Install(context.Background(), cat))

	validator := NewJWTValidator(testSecret)
	token, err := validator.Sign(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "acme",
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(sys, Options{
		Validator:      validator,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		Version:        "test",
	}))
	t.Cleanup(func() {
		srv.Close()
		_ = sys.Close(context.Background())
	})
	return &fixture{sys: sys, srv: srv, token: token}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) operator() map[string]string {
	return map[string]string{"Authorization": "Bearer " + f.token}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) waitStatus(t *testing.T, id string, want contracts.SubmissionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		sub, err := f.sys.Repo.GetSubmission(context.Background(), "acme", id)
		return err == nil && sub.Status == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmit_Accepted(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/v1/forms/contact/submissions",
		map[string]any{"fields": map[string]any{"email": "jo@example.com", "name": "Jo"}}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	acc := decode[contracts.Acceptance](t, resp)
	assert.NotEmpty(t, acc.SubmissionID)
	assert.Equal(t, "Thanks", acc.Message)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
	f.waitStatus(t, acc.SubmissionID, contracts.StatusProcessed)
}

func TestSubmit_HoneypotLooksAccepted(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/v1/forms/contact/submissions",
		map[string]any{"fields": map[string]any{"email": "bot@example.com", "website": "http://spam"}}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	acc := decode[contracts.Acceptance](t, resp)
	assert.NotEmpty(t, acc.SubmissionID)
	assert.Equal(t, "https://acme.test/thanks", acc.RedirectURL)
}

func TestSubmit_ValidationProblem(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/v1/forms/contact/submissions",
		map[string]any{"fields": map[string]any{"email": "not-an-email"}}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	p := decode[ProblemDetail](t, resp)
	assert.Contains(t, p.Fields, "email")
}

func TestSubmit_UnknownFormAndBadBody(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/v1/forms/nope/submissions",
		map[string]any{"fields": map[string]any{"email": "jo@example.com"}}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/forms/contact/submissions", bytes.NewBufferString("[1,2"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = raw.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestSubmit_ForwardedForDoesNotEvadeIPCeiling(t *testing.T) {
	f := newFixture(t)
	accepted, limited := 0, 0
	for i := 0; i < 105; i++ {
		resp := f.do(t, http.MethodPost, "/v1/forms/contact/submissions",
			map[string]any{"fields": map[string]any{"email": fmt.Sprintf("lead%d@example.com", i)}},
			map[string]string{"X-Forwarded-For": fmt.Sprintf("198.51.%d.%d", i/250, i%250+1)})
		switch resp.StatusCode {
		case http.StatusOK:
			accepted++
		case http.StatusTooManyRequests:
			limited++
		}
	}
	assert.Equal(t, 100, accepted)
	assert.Equal(t, 5, limited)
}

func TestSubmit_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{"fields": map[string]any{"email": "jo@example.com"}}
	hdr := map[string]string{"Idempotency-Key": "k-1"}

	first := f.do(t, http.MethodPost, "/v1/forms/contact/submissions", body, hdr)
	require.Equal(t, http.StatusOK, first.StatusCode)
	a := decode[contracts.Acceptance](t, first)

	second := f.do(t, http.MethodPost, "/v1/forms/contact/submissions", body, hdr)
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))
	b := decode[contracts.Acceptance](t, second)
	assert.Equal(t, a.SubmissionID, b.SubmissionID)
}

func TestSchema_AssignsVariant(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/v1/forms/contact/schema", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s := decode[schemaResponse](t, resp)
	assert.Equal(t, "contact", s.FormID)
	assert.Contains(t, []string{"a", "b"}, s.VariantID)
	assert.Equal(t, "website", s.HoneypotField)

	resp = f.do(t, http.MethodGet, "/v1/forms/contact/schema?variant=zzz", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOperator_RequiresToken(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/v1/drafts", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/drafts", nil, map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	other := NewJWTValidator("another-secret")
	forged, err := other.Sign(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "x", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		TenantID:         "acme",
	})
	require.NoError(t, err)
	resp = f.do(t, http.MethodGet, "/v1/drafts", nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOperator_DraftApproval(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/v1/forms/demo/submissions",
		map[string]any{"fields": map[string]any{"email": "lee@example.com"}}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := decode[contracts.Acceptance](t, resp).SubmissionID
	f.waitStatus(t, id, contracts.StatusPending)

	resp = f.do(t, http.MethodGet, "/v1/drafts", nil, f.operator())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Items []contracts.Draft `json:"items"`
		Count int               `json:"count"`
	}](t, resp)
	require.Equal(t, 1, list.Count)
	draftID := list.Items[0].ID

	resp = f.do(t, http.MethodPost, "/v1/drafts/"+draftID+"/approve", nil, f.operator())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decode[contracts.Draft](t, resp)
	assert.Equal(t, contracts.DraftApproved, d.Status)
	f.waitStatus(t, id, contracts.StatusProcessed)

	resp = f.do(t, http.MethodPost, "/v1/drafts/"+draftID+"/approve", nil, f.operator())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/v1/drafts/missing/reject", map[string]string{"reason": "no"}, f.operator())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOperator_Override(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/v1/forms/contact/submissions",
		map[string]any{"fields": map[string]any{"email": "jo@example.com"}}, nil)
	id := decode[contracts.Acceptance](t, resp).SubmissionID
	f.waitStatus(t, id, contracts.StatusProcessed)

	resp = f.do(t, http.MethodPost, "/v1/submissions/"+id+"/override",
		map[string]string{"status": "received"}, f.operator())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/submissions/"+id+"/override",
		map[string]string{"status": "failed", "note": "spam"}, f.operator())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/submissions/"+id, nil, f.operator())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub := decode[contracts.Submission](t, resp)
	assert.Equal(t, contracts.StatusFailed, sub.Status)

	resp = f.do(t, http.MethodPost, "/v1/submissions/missing/override",
		map[string]string{"status": "failed"}, f.operator())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOperator_EventsAndExperiment(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/v1/forms/contact/submissions",
		map[string]any{"fields": map[string]any{"email": "jo@example.com"}}, nil)
	id := decode[contracts.Acceptance](t, resp).SubmissionID
	f.waitStatus(t, id, contracts.StatusProcessed)

	resp = f.do(t, http.MethodGet, "/v1/events?limit=2", nil, f.operator())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[eventPage](t, resp)
	require.Len(t, page.Events, 2)
	assert.Equal(t, page.Events[1].Sequence, page.NextAfter)

	resp = f.do(t, http.MethodGet, "/v1/events?after=abc", nil, f.operator())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/experiments/contact", nil, f.operator())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[map[string]any](t, resp)
	assert.Equal(t, "waiting", res["state"])

	resp = f.do(t, http.MethodGet, "/v1/experiments/demo", nil, f.operator())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test", decode[map[string]string](t, resp)["version"])
}
