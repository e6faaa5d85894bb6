package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
)

func TestRepository_SubmissionLogIsAppendOnly(t *testing.T) {
	repo := NewRepository(NewMemoryBackend())
	ctx := context.Background()
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	sub := &contracts.Submission{ID: "s1", TenantID: "t1", FormID: "f1", Status: contracts.StatusReceived, ReceivedAt: at}
	require.NoError(t, repo.CreateSubmission(ctx, sub))

	_, err := repo.AppendStep(ctx, "t1", "s1", contracts.StepEntry{Step: "send_confirmation", Outcome: contracts.StepOK, At: at})
	require.NoError(t, err)

	_, err = repo.UpdateSubmission(ctx, "t1", "s1", func(s *contracts.Submission) error {
		s.Steps[0].Outcome = contracts.StepFailed
		return nil
	})
	assert.Error(t, err)

	_, err = repo.UpdateSubmission(ctx, "t1", "s1", func(s *contracts.Submission) error {
		s.Steps = nil
		return nil
	})
	assert.Error(t, err)

	got, err := repo.GetSubmission(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, contracts.StepOK, got.Steps[0].Outcome)
}

func TestRepository_ErrorResolutionCanSettle(t *testing.T) {
	repo := NewRepository(NewMemoryBackend())
	ctx := context.Background()
	require.NoError(t, repo.CreateSubmission(ctx, &contracts.Submission{ID: "s1", TenantID: "t1", Status: contracts.StatusProcessing}))

	_, err := repo.AppendError(ctx, "t1", "s1", contracts.ErrorRecord{ID: "e1", SubmissionID: "s1", Type: contracts.ErrorDecisionTimeout, Attempt: 1, Resolution: contracts.ResolutionRetry})
	require.NoError(t, err)

	s, err := repo.UpdateSubmission(ctx, "t1", "s1", func(s *contracts.Submission) error {
		s.Errors[0].Resolved = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, s.Errors[0].Resolved)
}

func TestRepository_StatusQueue(t *testing.T) {
	repo := NewRepository(NewMemoryBackend())
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.CreateSubmission(ctx, &contracts.Submission{ID: id, TenantID: "t1", Status: contracts.StatusReceived}))
	}
	_, err := repo.UpdateSubmission(ctx, "t1", "b", func(s *contracts.Submission) error {
		s.Status = contracts.StatusProcessing
		return nil
	})
	require.NoError(t, err)

	received, err := repo.ListSubmissions(ctx, SubmissionFilter{TenantID: "t1", Status: contracts.StatusReceived})
	require.NoError(t, err)
	require.Len(t, received, 2)
	assert.Equal(t, "a", received[0].ID)
	assert.Equal(t, "c", received[1].ID)
}

func TestRepository_ContactByNormalizedEmail(t *testing.T) {
	repo := NewRepository(NewMemoryBackend())
	ctx := context.Background()
	require.NoError(t, repo.CreateContact(ctx, &contracts.Contact{ID: "c1", TenantID: "t1", Email: "ada@example.com", Status: contracts.ContactLead}))

	c, err := repo.FindContactByEmail(ctx, "t1", "  ADA@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)

	err = repo.CreateContact(ctx, &contracts.Contact{ID: "c2", TenantID: "t1", Email: "Ada@example.com"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRepository_PutGroupKeepsRoutingState(t *testing.T) {
	repo := NewRepository(NewMemoryBackend())
	ctx := context.Background()
	g := &contracts.HandlerGroup{ID: "sales", TenantID: "t1", Strategy: contracts.StrategyRoundRobin}
	require.NoError(t, repo.PutGroup(ctx, g))

	_, err := repo.UpdateGroup(ctx, "t1", "sales", func(g *contracts.HandlerGroup) error {
		g.Cursor = 2
		return nil
	})
	require.NoError(t, err)

	g.Name = "Sales EMEA"
	require.NoError(t, repo.PutGroup(ctx, g))

	got, err := repo.GetGroup(ctx, "t1", "sales")
	require.NoError(t, err)
	assert.Equal(t, "Sales EMEA", got.Name)
	assert.Equal(t, 2, got.Cursor)
}

func TestRepository_EventsSequenced(t *testing.T) {
	repo := NewRepository(NewMemoryBackend())
	ctx := context.Background()

	_, err := repo.LastEvent(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, id := range []string{"e1", "e2", "e3"} {
		e := &contracts.Event{ID: id, TenantID: "t1", Type: contracts.EventSubmissionReceived, At: time.Now()}
		require.NoError(t, repo.AppendEvent(ctx, e))
		assert.NotZero(t, e.Sequence)
	}

	last, err := repo.LastEvent(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "e3", last.ID)

	first, err := repo.ListEvents(ctx, "t1", 0, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	rest, err := repo.ListEvents(ctx, "t1", first[0].Sequence, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "e2", rest[0].ID)
}

func TestRepository_ExperimentStatsCreatedOnDemand(t *testing.T) {
	repo := NewRepository(NewMemoryBackend())
	ctx := context.Background()

	st, err := repo.UpdateExperimentStats(ctx, "t1", "f1", "exp1", func(s *ExperimentStats) error {
		v := s.Variants["control"]
		v.Views++
		s.Variants["control"] = v
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Variants["control"].Views)

	st, err = repo.UpdateExperimentStats(ctx, "t1", "f1", "exp1", func(s *ExperimentStats) error {
		v := s.Variants["control"]
		v.Submissions++
		s.Variants["control"] = v
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, VariantStats{Views: 1, Submissions: 1}, st.Variants["control"])
}
