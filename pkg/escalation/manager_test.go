package escalation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/events"
	"github.com/Mindburn-Labs/helm-intake/pkg/routing"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

type recordingExecutor struct {
	drafts []*contracts.Draft
}

func (r *recordingExecutor) ExecuteDraft(_ context.Context, d *contracts.Draft) error {
	r.drafts = append(r.drafts, d)
	return nil
}

func setup(t *testing.T) (*Manager, *store.Repository, *recordingExecutor, *time.Time) {
	t.Helper()
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	repo := store.NewRepository(store.NewMemoryBackend().WithClock(clock))
	exec := &recordingExecutor{}
	m := NewManager(repo, events.NewEmitter(repo, nil).WithClock(clock)).WithClock(clock).WithExecutor(exec)
	return m, repo, exec, &now
}

func createSub(t *testing.T, repo *store.Repository, id string, status contracts.SubmissionStatus) *contracts.Submission {
	t.Helper()
	sub := &contracts.Submission{ID: id, TenantID: "acme", FormID: "f", Status: status}
	require.NoError(t, repo.CreateSubmission(context.Background(), sub))
	return sub
}

func eventTypes(t *testing.T, repo *store.Repository) []contracts.EventType {
	evs, err := repo.ListEvents(context.Background(), "acme", 0, 0)
	require.NoError(t, err)
	var out []contracts.EventType
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func plan() *contracts.Plan {
	return &contracts.Plan{
		Rationale: "looks like a qualified lead",
		Actions:   []contracts.ProposedAction{{Name: contracts.ActionCreateDeal, Details: map[string]any{"title": "Acme deal"}}},
	}
}

func TestDraft_ApproveResumesExecution(t *testing.T) {
	ctx := context.Background()
	m, repo, exec, _ := setup(t)
	sub := createSub(t, repo, "s1", contracts.StatusProcessing)

	d, err := m.CreateDraft(ctx, sub, plan())
	require.NoError(t, err)
	stored, err := repo.GetSubmission(ctx, "acme", "s1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, stored.Status)

	pending, err := m.PendingDrafts(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	approved, err := m.Approve(ctx, "acme", d.ID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.DraftApproved, approved.Status)
	assert.Equal(t, "op-1", approved.DecidedBy)
	require.Len(t, exec.drafts, 1)
	assert.Equal(t, d.ID, exec.drafts[0].ID)

	_, err = m.Approve(ctx, "acme", d.ID, "op-2")
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = m.Reject(ctx, "acme", d.ID, "op-2", "late")
	assert.ErrorIs(t, err, ErrNotPending)

	assert.Equal(t, []contracts.EventType{contracts.EventAgentDraft, contracts.EventHumanApproved}, eventTypes(t, repo))
}

func TestDraft_RejectClosesSubmission(t *testing.T) {
	ctx := context.Background()
	m, repo, exec, _ := setup(t)
	sub := createSub(t, repo, "s1", contracts.StatusProcessing)
	d, err := m.CreateDraft(ctx, sub, plan())
	require.NoError(t, err)

	_, err = m.Reject(ctx, "acme", d.ID, "op-1", "not a fit")
	require.NoError(t, err)
	assert.Empty(t, exec.drafts)

	stored, err := repo.GetSubmission(ctx, "acme", "s1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusProcessed, stored.Status)
	last := stored.Steps[len(stored.Steps)-1]
	assert.Equal(t, "draft_rejected", last.Step)
	assert.Equal(t, "not a fit", last.Detail)
	assert.Contains(t, eventTypes(t, repo), contracts.EventHumanRejected)
}

func TestDraft_RejectReleasesHandlerLoad(t *testing.T) {
	ctx := context.Background()
	m, repo, _, _ := setup(t)
	router := routing.NewRouter(repo)
	t.Cleanup(router.Close)
	m.WithReleaser(router)

	require.NoError(t, repo.PutForm(ctx, &contracts.Form{
		ID: "f", TenantID: "acme", Version: "1.0.0", Active: true, HandlerGroupID: "sales",
	}))
	require.NoError(t, repo.PutGroup(ctx, &contracts.HandlerGroup{
		ID: "sales", TenantID: "acme", Strategy: contracts.StrategyLeastLoaded,
		Members: []contracts.Member{{ID: "ann", Kind: contracts.HandlerHuman, Active: true}},
		Load:    map[string]int64{"ann": 2},
	}))
	load := func() int64 {
		g, err := repo.GetGroup(ctx, "acme", "sales")
		require.NoError(t, err)
		return g.Load["ann"]
	}
	before := load()

	a, err := router.Route(ctx, "acme", "sales")
	require.NoError(t, err)
	require.Len(t, a.Handlers, 1)
	assert.Equal(t, before+1, load())

	sub := &contracts.Submission{ID: "s1", TenantID: "acme", FormID: "f", Status: contracts.StatusProcessing, Handlers: a.Handlers}
	require.NoError(t, repo.CreateSubmission(ctx, sub))
	d, err := m.CreateDraft(ctx, sub, plan())
	require.NoError(t, err)

	_, err = m.Reject(ctx, "acme", d.ID, "op-1", "not a fit")
	require.NoError(t, err)
	assert.Equal(t, before, load())
}

func TestOverride(t *testing.T) {
	ctx := context.Background()
	m, repo, _, _ := setup(t)
	sub := createSub(t, repo, "s1", contracts.StatusNeedsHumanReview)
	_, err := m.Open(ctx, sub, "decision service failed", nil)
	require.NoError(t, err)

	_, err = m.Override(ctx, "acme", "s1", "op-1", Override{Status: contracts.StatusProcessing})
	assert.ErrorIs(t, err, ErrInvalidOverride)

	out, err := m.Override(ctx, "acme", "s1", "op-1", Override{Status: contracts.StatusProcessed, Note: "called them back"})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusProcessed, out.Status)

	open, err := m.OpenEscalations(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Contains(t, eventTypes(t, repo), contracts.EventHumanOverride)
}

func TestQueues(t *testing.T) {
	ctx := context.Background()
	m, repo, _, now := setup(t)

	parked := &contracts.Submission{ID: "u1", TenantID: "acme", FormID: "f", Status: contracts.StatusReceived,
		Steps: []contracts.StepEntry{{Step: "route_to_handler", Outcome: contracts.StepSkipped, Detail: "unassigned"}}}
	require.NoError(t, repo.CreateSubmission(ctx, parked))
	createSub(t, repo, "fresh", contracts.StatusReceived)

	unassigned, err := m.UnassignedQueue(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, unassigned, 1)
	assert.Equal(t, "u1", unassigned[0].ID)

	open := now.Add(time.Hour)
	closed := now.Add(-time.Hour)
	require.NoError(t, repo.CreateSubmission(ctx, &contracts.Submission{ID: "w1", TenantID: "acme", Status: contracts.StatusProcessed, ReviewBy: &open}))
	require.NoError(t, repo.CreateSubmission(ctx, &contracts.Submission{ID: "w2", TenantID: "acme", Status: contracts.StatusProcessed, ReviewBy: &closed}))
	createSub(t, repo, "h1", contracts.StatusNeedsHumanReview)

	review, err := m.ReviewQueue(ctx, "acme")
	require.NoError(t, err)
	var ids []string
	for _, s := range review {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{"w1", "h1"}, ids)
}
