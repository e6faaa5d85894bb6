package forms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

// ExperimentState is the outcome of an evaluation.
type ExperimentState string

const (
	ExperimentWaiting   ExperimentState = "waiting"
	ExperimentOptimized ExperimentState = "optimized"
)

// winnerShare is the traffic share, in percent, given to the winning variant
// once an experiment is optimized. The rest is split across the others.
const winnerShare = 80

// VariantResult is one arm's counters.
type VariantResult struct {
	ID             string  `json:"id"`
	Views          int     `json:"views"`
	Submissions    int     `json:"submissions"`
	ConversionRate float64 `json:"conversion_rate"`
	Weight         int     `json:"weight"`
}

// ExperimentResult summarizes an experiment.
type ExperimentResult struct {
	FormID       string          `json:"form_id"`
	ExperimentID string          `json:"experiment_id"`
	State        ExperimentState `json:"state"`
	Winner       string          `json:"winner,omitempty"`
	Summary      string          `json:"summary"`
	Variants     []VariantResult `json:"variants"`
}

// Evaluate compares variants. The result is waiting while any variant has
// fewer submissions than the minimum sample size; otherwise the variant with
// the best conversion rate (submissions per view) wins and traffic weights
// shift towards it.
func (r *Registry) Evaluate(ctx context.Context, f *contracts.Form) (*ExperimentResult, error) {
	if f.Experiment == nil {
		return nil, fmt.Errorf("form %s has no experiment", f.ID)
	}
	st, err := r.repo.GetExperimentStats(ctx, f.TenantID, f.ID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && st.ExperimentID != f.Experiment.ID) {
		st, err = &store.ExperimentStats{Variants: map[string]store.VariantStats{}}, nil
	}
	if err != nil {
		return nil, err
	}

	res := evaluate(f.Experiment, st)
	res.FormID = f.ID
	if res.State != ExperimentOptimized {
		return res, nil
	}

	weights := make(map[string]int, len(res.Variants))
	for _, v := range res.Variants {
		weights[v.ID] = v.Weight
	}
	_, err = r.repo.UpdateExperimentStats(ctx, f.TenantID, f.ID, f.Experiment.ID, func(s *store.ExperimentStats) error {
		s.Weights = weights
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist experiment weights: %w", err)
	}
	r.logger.InfoContext(ctx, "experiment optimized", "form_id", f.ID, "experiment_id", f.Experiment.ID, "winner", res.Winner)
	return res, nil
}

func evaluate(exp *contracts.Experiment, st *store.ExperimentStats) *ExperimentResult {
	res := &ExperimentResult{ExperimentID: exp.ID, State: ExperimentOptimized}
	var parts []string
	for _, v := range exp.Variants {
		c := st.Variants[v.ID]
		vr := VariantResult{ID: v.ID, Views: c.Views, Submissions: c.Submissions, Weight: v.Weight}
		if w, ok := st.Weights[v.ID]; ok {
			vr.Weight = w
		}
		if c.Views > 0 {
			vr.ConversionRate = float64(c.Submissions) / float64(c.Views)
		}
		if c.Submissions < exp.MinSampleSize {
			res.State = ExperimentWaiting
		}
		res.Variants = append(res.Variants, vr)
		parts = append(parts, fmt.Sprintf("%s %d/%d", v.ID, c.Submissions, exp.MinSampleSize))
	}
	if res.State == ExperimentWaiting {
		res.Summary = "waiting for minimum sample: " + strings.Join(parts, ", ")
		return res
	}

	best := 0
	for i, v := range res.Variants {
		if v.ConversionRate > res.Variants[best].ConversionRate {
			best = i
		}
	}
	res.Winner = res.Variants[best].ID
	others := len(res.Variants) - 1
	for i := range res.Variants {
		switch {
		case others == 0:
			res.Variants[i].Weight = 100
		case i == best:
			res.Variants[i].Weight = winnerShare
		default:
			res.Variants[i].Weight = max(1, (100-winnerShare)/others)
		}
	}
	res.Summary = fmt.Sprintf("%s wins at %.1f%% conversion", res.Winner, res.Variants[best].ConversionRate*100)
	return res
}
