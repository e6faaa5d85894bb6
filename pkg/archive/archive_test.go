package archive

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

func TestJob_ArchivesSettledSubmissions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	backend := store.NewMemoryBackend().WithClock(func() time.Time { return now.Add(-48 * time.Hour) })
	repo := store.NewRepository(backend)

	require.NoError(t, repo.CreateSubmission(ctx, &contracts.Submission{ID: "old", TenantID: "t1", Status: contracts.StatusProcessed}))
	require.NoError(t, repo.CreateSubmission(ctx, &contracts.Submission{ID: "busy", TenantID: "t1", Status: contracts.StatusProcessing}))

	fa, err := NewFileArchiver(t.TempDir())
	require.NoError(t, err)

	n, err := NewJob(repo, fa).WithClock(func() time.Time { return now }).Run(ctx, "t1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, err := fa.Get(ctx, Key("t1", "old"))
	require.NoError(t, err)
	var sub contracts.Submission
	require.NoError(t, json.Unmarshal(data, &sub))
	assert.Equal(t, "old", sub.ID)

	stored, err := repo.GetSubmission(ctx, "t1", "old")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusArchived, stored.Status)
	require.Len(t, stored.Steps, 1)
	assert.Equal(t, "archive", stored.Steps[0].Step)

	_, err = fa.Get(ctx, Key("t1", "busy"))
	assert.ErrorIs(t, err, ErrNotArchived)
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(context.Background(), Options{Type: "ftp"})
	assert.Error(t, err)
}

func TestNew_S3RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Options{Type: "s3", Region: "us-east-1"})
	assert.Error(t, err)
}
