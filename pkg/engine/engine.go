// Package engine connects the intake gate to the background pipeline:
// identity resolution and the flow run on the pipeline pool, agent runs on
// a separate agent pool, and the stale-work sweep runs on a ticker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/helm-intake/pkg/agent"
	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/flows"
	"github.com/Mindburn-Labs/helm-intake/pkg/identity"
	"github.com/Mindburn-Labs/helm-intake/pkg/intake"
	"github.com/Mindburn-Labs/helm-intake/pkg/observability"
	"github.com/Mindburn-Labs/helm-intake/pkg/recovery"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
	"github.com/Mindburn-Labs/helm-intake/pkg/worker"
)

// Components are the wired pipeline parts.
type Components struct {
	Repo       *store.Repository
	Forms      flows.FormSource
	Gate       *intake.Gate
	Resolver   *identity.Resolver
	Dispatcher *flows.Dispatcher
	Agent      *agent.Loop
	Recovery   *recovery.Manager
	Telemetry  *observability.Provider
}

// Pools sizes the two worker pools.
type Pools struct {
	PipelineWorkers int
	AgentWorkers    int
	QueueSize       int
	PerTenant       int
}

// Engine owns the background processing of accepted submissions.
type Engine struct {
	c        Components
	pipeline *worker.Pool
	agents   *worker.Pool
	clock    func() time.Time
	logger   *slog.Logger
}

// New starts the pipeline and agent pools.
func New(c Components, p Pools) (*Engine, error) {
	pipeline, err := worker.NewPool(worker.Config{
		Name: "pipeline", Workers: p.PipelineWorkers, QueueSize: p.QueueSize, PerTenant: p.PerTenant,
	})
	if err != nil {
		return nil, err
	}
	agents, err := worker.NewPool(worker.Config{
		Name: "agent", Workers: p.AgentWorkers, QueueSize: p.QueueSize, PerTenant: p.PerTenant,
	})
	if err != nil {
		_ = pipeline.Close(context.Background())
		return nil, err
	}
	return &Engine{
		c:        c,
		pipeline: pipeline,
		agents:   agents,
		clock:    time.Now,
		logger:   slog.Default().With("component", "engine"),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Submit runs the gate and, on acceptance, schedules background work. A
// full pipeline queue does not fail the request: the submission is already
// persisted as received and can be requeued.
func (e *Engine) Submit(ctx context.Context, req intake.SubmitRequest) (*intake.Accepted, error) {
	acc, err := e.c.Gate.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.Enqueue(acc.Submission); err != nil {
		e.logger.ErrorContext(ctx, "pipeline enqueue failed", "tenant_id", acc.Submission.TenantID, "submission_id", acc.Submission.ID, "error", err)
	}
	return acc, nil
}

// Enqueue schedules the pipeline for a received submission.
func (e *Engine) Enqueue(sub *contracts.Submission) error {
	tenantID, subID := sub.TenantID, sub.ID
	return e.pipeline.Submit(worker.Job{
		TenantID: tenantID,
		Name:     "pipeline:" + subID,
		Run: func(ctx context.Context) error {
			return e.Process(ctx, tenantID, subID)
		},
	})
}

// Process resolves identity and runs the form's flow. Agent-guided flows
// that hand off are continued on the agent pool.
func (e *Engine) Process(ctx context.Context, tenantID, submissionID string) (err error) {
	ctx, done := e.c.Telemetry.TrackOperation(ctx, "pipeline.process", attribute.String("tenant_id", tenantID))
	defer func() { done(err) }()

	sub, err := e.c.Repo.GetSubmission(ctx, tenantID, submissionID)
	if err != nil {
		return fmt.Errorf("load submission: %w", err)
	}
	if sub.Status != contracts.StatusReceived {
		e.logger.InfoContext(ctx, "submission already past intake", "submission_id", sub.ID, "status", sub.Status)
		return nil
	}
	form, err := e.c.Forms.Form(ctx, sub.FormID)
	if err != nil {
		return fmt.Errorf("load form: %w", err)
	}

	res, err := e.resolve(ctx, form, sub)
	if err != nil {
		return err
	}

	result, err := e.c.Dispatcher.Execute(ctx, form.Flow, sub, res.Contact, res.Company)
	if err != nil {
		return fmt.Errorf("flow %s: %w", form.Flow, err)
	}
	if !result.Handoff {
		return nil
	}
	if err := e.agents.Submit(worker.Job{
		TenantID: tenantID,
		Name:     "agent:" + submissionID,
		Run: func(ctx context.Context) error {
			return e.RunAgent(ctx, tenantID, submissionID)
		},
	}); err != nil {
		// The submission stays processing; the stale sweep reclaims it.
		return fmt.Errorf("enqueue agent run: %w", err)
	}
	return nil
}

// resolve runs the identity resolver and records the outcome on sub.
func (e *Engine) resolve(ctx context.Context, form *contracts.Form, sub *contracts.Submission) (*identity.Resolution, error) {
	res, err := e.c.Resolver.Resolve(ctx, form, sub)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	entry := contracts.StepEntry{Step: "resolve_identity", Outcome: contracts.StepOK, At: e.clock().UTC()}
	if res.Contact == nil {
		entry.Outcome, entry.Detail = contracts.StepSkipped, "no email"
	} else {
		entry.EntityRef = "contact:" + res.Contact.ID
		if res.IsNew {
			entry.Detail = "created"
		} else {
			entry.Detail = "matched"
		}
	}
	updated, err := e.c.Repo.UpdateSubmission(ctx, sub.TenantID, sub.ID, func(s *contracts.Submission) error {
		if res.Contact != nil {
			s.ContactID = res.Contact.ID
		}
		if res.Company != nil {
			s.CompanyID = res.Company.ID
		}
		s.Steps = append(s.Steps, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record identity: %w", err)
	}
	*sub = *updated
	return res, nil
}

// RunAgent loads a handed-off submission and runs the agent loop on it.
func (e *Engine) RunAgent(ctx context.Context, tenantID, submissionID string) error {
	sub, err := e.c.Repo.GetSubmission(ctx, tenantID, submissionID)
	if err != nil {
		return fmt.Errorf("load submission: %w", err)
	}
	if sub.Status != contracts.StatusProcessing {
		e.logger.InfoContext(ctx, "agent run skipped", "submission_id", sub.ID, "status", sub.Status)
		return nil
	}
	form, err := e.c.Forms.Form(ctx, sub.FormID)
	if err != nil {
		return fmt.Errorf("load form: %w", err)
	}
	var contact *contracts.Contact
	if sub.ContactID != "" {
		contact, err = e.c.Repo.GetContact(ctx, tenantID, sub.ContactID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load contact: %w", err)
		}
	}
	out, err := e.c.Agent.Run(ctx, sub, contact, form)
	if err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "agent run finished",
		"tenant_id", tenantID, "submission_id", submissionID, "status", out.Status,
		"executed", len(out.Executed), "blocked", len(out.Blocked), "elapsed", out.Elapsed)
	return nil
}

// Requeue schedules every submission of tenantID still sitting in received
// that is not parked in the unassigned queue. It returns how many were queued.
func (e *Engine) Requeue(ctx context.Context, tenantID string) (int, error) {
	subs, err := e.c.Repo.ListSubmissions(ctx, store.SubmissionFilter{TenantID: tenantID, Status: contracts.StatusReceived})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range subs {
		if flows.IsUnassigned(s) || len(s.Steps) > 0 {
			continue
		}
		if err := e.Enqueue(s); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Sweep runs the stale-work sweep every interval until ctx ends.
func (e *Engine) Sweep(ctx context.Context, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.c.Recovery.Sweep(ctx, staleAfter)
			if err != nil {
				e.logger.ErrorContext(ctx, "stale sweep failed", "error", err)
				continue
			}
			if n > 0 {
				e.logger.WarnContext(ctx, "stale sweep reclaimed submissions", "count", n)
			}
		}
	}
}

// Close drains the pipeline pool, then the agent pool it feeds.
func (e *Engine) Close(ctx context.Context) error {
	return errors.Join(e.pipeline.Close(ctx), e.agents.Close(ctx))
}
