// Package forms serves form definitions to the intake path: a cached
// registry, variant-aware schemas, field validation and experiment counters.
package forms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

var (
	// ErrFormNotFound is returned for unknown form ids.
	ErrFormNotFound = errors.New("form not found")
	// ErrUnknownVariant is returned when an echoed variant id is not part of the experiment.
	ErrUnknownVariant = errors.New("unknown experiment variant")
)

// Registry resolves forms by public id through an expiring LRU cache.
type Registry struct {
	repo      *store.Repository
	cache     *expirable.LRU[string, *contracts.Form]
	validator *Validator
	logger    *slog.Logger

	mu    sync.Mutex
	intn  func(n int) int
	clock func() time.Time
}

// NewRegistry creates a registry caching up to size forms for ttl.
func NewRegistry(repo *store.Repository, validator *Validator, size int, ttl time.Duration) *Registry {
	if size <= 0 {
		size = 1024
	}
	return &Registry{
		repo:      repo,
		cache:     expirable.NewLRU[string, *contracts.Form](size, nil, ttl),
		validator: validator,
		logger:    slog.Default().With("component", "forms"),
		intn:      rand.IntN,
		clock:     time.Now,
	}
}

// WithRand overrides the variant picker's random source for deterministic testing.
func (r *Registry) WithRand(intn func(n int) int) *Registry {
	r.intn = intn
	return r
}

// Validator exposes the field validator.
func (r *Registry) Validator() *Validator { return r.validator }

// Install validates and stores a form definition, replacing any previous version.
func (r *Registry) Install(ctx context.Context, f *contracts.Form) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if err := r.validator.Check(f); err != nil {
		return err
	}
	if err := r.repo.PutForm(ctx, f); err != nil {
		return fmt.Errorf("install form %s: %w", f.ID, err)
	}
	r.cache.Remove(f.ID)
	return nil
}

// Form returns the form with id, active or not.
func (r *Registry) Form(ctx context.Context, id string) (*contracts.Form, error) {
	if f, ok := r.cache.Get(id); ok {
		return f, nil
	}
	f, err := r.repo.GetForm(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrFormNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load form %s: %w", id, err)
	}
	r.cache.Add(id, f)
	return f, nil
}

// Schema returns the form's fields with variantID's override merged in.
// Override fields replace base fields by name; new names are appended.
func Schema(f *contracts.Form, variantID string) ([]contracts.FieldSpec, error) {
	if variantID == "" || f.Experiment == nil {
		if variantID != "" {
			return nil, ErrUnknownVariant
		}
		return f.Fields, nil
	}
	v, ok := f.Experiment.Variant(variantID)
	if !ok {
		return nil, ErrUnknownVariant
	}
	out := append([]contracts.FieldSpec(nil), f.Fields...)
	for _, o := range v.FieldOverride {
		replaced := false
		for i := range out {
			if out[i].Name == o.Name {
				out[i] = o
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, o)
		}
	}
	return out, nil
}

// PickVariant draws a weighted-random variant for an active experiment.
// Returns "" when the form runs no active experiment. Weights persisted by an
// optimized evaluation take precedence over the configured ones.
func (r *Registry) PickVariant(ctx context.Context, f *contracts.Form) (string, error) {
	if f.Experiment == nil || !f.Experiment.Active {
		return "", nil
	}
	weights := make([]int, len(f.Experiment.Variants))
	total := 0
	var shifted map[string]int
	if st, err := r.repo.GetExperimentStats(ctx, f.TenantID, f.ID); err == nil && st.ExperimentID == f.Experiment.ID {
		shifted = st.Weights
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	for i, v := range f.Experiment.Variants {
		w := v.Weight
		if sw, ok := shifted[v.ID]; ok {
			w = sw
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return f.Experiment.Variants[0].ID, nil
	}
	r.mu.Lock()
	n := r.intn(total)
	r.mu.Unlock()
	for i, w := range weights {
		if n < w {
			return f.Experiment.Variants[i].ID, nil
		}
		n -= w
	}
	return f.Experiment.Variants[len(weights)-1].ID, nil
}

// RecordView counts one schema fetch for a variant.
func (r *Registry) RecordView(ctx context.Context, f *contracts.Form, variantID string) error {
	return r.bump(ctx, f, variantID, func(s *store.VariantStats) { s.Views++ })
}

// RecordSubmission counts one accepted submission for a variant.
func (r *Registry) RecordSubmission(ctx context.Context, f *contracts.Form, variantID string) error {
	return r.bump(ctx, f, variantID, func(s *store.VariantStats) { s.Submissions++ })
}

func (r *Registry) bump(ctx context.Context, f *contracts.Form, variantID string, fn func(*store.VariantStats)) error {
	if f.Experiment == nil || variantID == "" {
		return nil
	}
	_, err := r.repo.UpdateExperimentStats(ctx, f.TenantID, f.ID, f.Experiment.ID, func(st *store.ExperimentStats) error {
		if st.ExperimentID != f.Experiment.ID {
			// A new experiment on the same form starts from zero.
			st.ExperimentID = f.Experiment.ID
			st.Variants = map[string]store.VariantStats{}
			st.Weights = nil
		}
		if st.Variants == nil {
			st.Variants = map[string]store.VariantStats{}
		}
		v := st.Variants[variantID]
		fn(&v)
		st.Variants[variantID] = v
		return nil
	})
	return err
}
