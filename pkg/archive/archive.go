// Package archive moves settled submissions out of the hot store into
// blob storage (local files, S3 or GCS).
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

// ErrNotArchived is returned by Get when no blob exists for a key.
var ErrNotArchived = errors.New("archive: not found")

// Archiver is the blob sink for archived submissions.
type Archiver interface {
	// Put writes data under key and returns its content hash.
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Key is the blob path of a submission.
func Key(tenantID, submissionID string) string {
	return tenantID + "/" + submissionID + ".json"
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// FileArchiver writes blobs under a local directory.
type FileArchiver struct {
	baseDir string
}

// NewFileArchiver creates the directory if needed.
func NewFileArchiver(baseDir string) (*FileArchiver, error) {
	//nolint:gosec // G301: archive dir is shared with operators
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileArchiver{baseDir: baseDir}, nil
}

func (f *FileArchiver) Put(_ context.Context, key string, data []byte) (string, error) {
	path := filepath.Join(f.baseDir, filepath.FromSlash(key))
	//nolint:gosec // G301
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("archive mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", fmt.Errorf("archive write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("archive rename: %w", err)
	}
	return contentHash(data), nil
}

func (f *FileArchiver) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.baseDir, filepath.FromSlash(key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotArchived
	}
	return data, err
}

// Job archives settled submissions older than a cutoff.
type Job struct {
	repo     *store.Repository
	archiver Archiver
	logger   *slog.Logger
	clock    func() time.Time
}

// NewJob creates an archive job.
func NewJob(repo *store.Repository, archiver Archiver) *Job {
	return &Job{
		repo:     repo,
		archiver: archiver,
		logger:   slog.Default().With("component", "archive"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (j *Job) WithClock(clock func() time.Time) *Job {
	j.clock = clock
	return j
}

// Run writes every processed or failed submission last touched before
// now-olderThan to the archiver and marks it archived. Returns the count.
func (j *Job) Run(ctx context.Context, tenantID string, olderThan time.Duration) (int, error) {
	cutoff := j.clock().Add(-olderThan)
	archived := 0
	for _, status := range []contracts.SubmissionStatus{contracts.StatusProcessed, contracts.StatusFailed} {
		subs, err := j.repo.ListSubmissions(ctx, store.SubmissionFilter{TenantID: tenantID, Status: status, UpdatedBefore: cutoff})
		if err != nil {
			return archived, fmt.Errorf("list %s submissions: %w", status, err)
		}
		for _, sub := range subs {
			data, err := json.Marshal(sub)
			if err != nil {
				return archived, fmt.Errorf("marshal submission %s: %w", sub.ID, err)
			}
			hash, err := j.archiver.Put(ctx, Key(sub.TenantID, sub.ID), data)
			if err != nil {
				return archived, fmt.Errorf("archive submission %s: %w", sub.ID, err)
			}
			_, err = j.repo.UpdateSubmission(ctx, sub.TenantID, sub.ID, func(s *contracts.Submission) error {
				s.Status = contracts.StatusArchived
				s.Steps = append(s.Steps, contracts.StepEntry{
					Step: "archive", Outcome: contracts.StepOK, At: j.clock().UTC(), EntityRef: hash,
				})
				return nil
			})
			if err != nil {
				return archived, fmt.Errorf("mark submission %s archived: %w", sub.ID, err)
			}
			archived++
			j.logger.InfoContext(ctx, "submission archived", "tenant_id", sub.TenantID, "submission_id", sub.ID, "hash", hash)
		}
	}
	return archived, nil
}
