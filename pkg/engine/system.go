package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-intake/pkg/agent"
	"github.com/Mindburn-Labs/helm-intake/pkg/config"
	"github.com/Mindburn-Labs/helm-intake/pkg/crm"
	"github.com/Mindburn-Labs/helm-intake/pkg/escalation"
	"github.com/Mindburn-Labs/helm-intake/pkg/events"
	"github.com/Mindburn-Labs/helm-intake/pkg/flows"
	"github.com/Mindburn-Labs/helm-intake/pkg/forms"
	"github.com/Mindburn-Labs/helm-intake/pkg/identity"
	"github.com/Mindburn-Labs/helm-intake/pkg/intake"
	"github.com/Mindburn-Labs/helm-intake/pkg/limiter"
	"github.com/Mindburn-Labs/helm-intake/pkg/llm"
	"github.com/Mindburn-Labs/helm-intake/pkg/observability"
	"github.com/Mindburn-Labs/helm-intake/pkg/recovery"
	"github.com/Mindburn-Labs/helm-intake/pkg/routing"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

// Options are the external dependencies of a System.
type Options struct {
	Repo      *store.Repository
	Counters  limiter.WindowCounter
	Decision  llm.Client
	Telemetry *observability.Provider
	Pools     Pools
	Agent     agent.Config

	FormCacheSize int
	FormCacheTTL  time.Duration

	// Clock and Sleep are overridden in tests.
	Clock func() time.Time
	Sleep recovery.Sleeper
}

// System is every long-lived component of a running process.
type System struct {
	Repo        *store.Repository
	Forms       *forms.Registry
	Broker      *events.Broker
	Events      *events.Emitter
	Router      *routing.Router
	Arbiter     *routing.LocalArbiter
	CRM         *crm.Service
	Escalations *escalation.Manager
	Recovery    *recovery.Manager
	Engine      *Engine
}

// Assemble wires the pipeline components together.
func Assemble(opts Options) (*System, error) {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	if opts.FormCacheSize <= 0 {
		opts.FormCacheSize = 256
	}
	if opts.FormCacheTTL <= 0 {
		opts.FormCacheTTL = time.Minute
	}

	rules, err := forms.NewRuleEvaluator()
	if err != nil {
		return nil, fmt.Errorf("rule evaluator: %w", err)
	}
	s := &System{
		Repo:    opts.Repo,
		Forms:   forms.NewRegistry(opts.Repo, forms.NewValidator(rules), opts.FormCacheSize, opts.FormCacheTTL),
		Broker:  events.NewBroker(),
		Router:  routing.NewRouter(opts.Repo),
		Arbiter: routing.NewLocalArbiter(),
		CRM:     crm.NewService(opts.Repo).WithClock(clock),
	}
	s.Events = events.NewEmitter(opts.Repo, s.Broker).WithClock(clock)
	outbox := crm.NewOutbox(s.CRM)
	s.Escalations = escalation.NewManager(opts.Repo, s.Events).WithClock(clock).WithReleaser(s.Router)
	s.Recovery = recovery.NewManager(opts.Repo, s.Events, s.Escalations, outbox).
		WithClock(clock).
		WithReleaser(s.Router)
	if opts.Sleep != nil {
		s.Recovery.WithSleeper(opts.Sleep)
	}

	dispatcher, err := flows.NewDispatcher(flows.Deps{
		Repo: opts.Repo, Forms: s.Forms, CRM: s.CRM, Router: s.Router, Arbiter: s.Arbiter,
		Mailer: outbox, Notifier: outbox, Enroller: outbox, Events: s.Events,
	})
	if err != nil {
		return nil, err
	}
	loop, err := agent.NewLoop(agent.Deps{
		Repo: opts.Repo, Forms: s.Forms, Client: opts.Decision, Recovery: s.Recovery,
		Escalations: s.Escalations, CRM: s.CRM, Mailer: outbox, Notifier: outbox, Enroller: outbox,
		Events: s.Events, Telemetry: opts.Telemetry,
	}, opts.Agent)
	if err != nil {
		return nil, err
	}
	s.Escalations.WithExecutor(loop.WithClock(clock))

	gate := intake.NewGate(s.Forms, opts.Repo, opts.Counters, s.Events).
		WithClock(clock).
		WithObservability(opts.Telemetry)

	s.Engine, err = New(Components{
		Repo:       opts.Repo,
		Forms:      s.Forms,
		Gate:       gate,
		Resolver:   identity.NewResolver(opts.Repo, s.Events).WithClock(clock),
		Dispatcher: dispatcher.WithClock(clock),
		Agent:      loop,
		Recovery:   s.Recovery,
		Telemetry:  opts.Telemetry,
	}, opts.Pools)
	if err != nil {
		return nil, err
	}
	s.Engine.WithClock(clock)
	return s, nil
}

// Close drains the pools and stops the router actors.
func (s *System) Close(ctx context.Context) error {
	err := s.Engine.Close(ctx)
	s.Router.Close()
	return err
}

// Install loads a validated catalog: groups first, then the forms that
// reference them.
func (s *System) Install(ctx context.Context, cat *config.Catalog) error {
	for _, g := range cat.Groups {
		if err := s.Repo.PutGroup(ctx, g); err != nil {
			return fmt.Errorf("install group %s: %w", g.ID, err)
		}
	}
	for _, f := range cat.Forms {
		if err := s.Forms.Install(ctx, f); err != nil {
			return fmt.Errorf("install form %s: %w", f.ID, err)
		}
	}
	return nil
}
