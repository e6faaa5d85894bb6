package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/helm-intake/pkg/agent"
	"github.com/Mindburn-Labs/helm-intake/pkg/config"
	"github.com/Mindburn-Labs/helm-intake/pkg/engine"
	"github.com/Mindburn-Labs/helm-intake/pkg/limiter"
	"github.com/Mindburn-Labs/helm-intake/pkg/llm"
	"github.com/Mindburn-Labs/helm-intake/pkg/observability"
)

// app is an assembled process: the system plus what must be shut down
// after it.
type app struct {
	cfg       *config.Config
	catalog   *config.Catalog
	sys       *engine.System
	telemetry *observability.Provider
}

func loadConfig(catalogOverride string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if catalogOverride != "" {
		cfg.CatalogPath = catalogOverride
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	return cfg, nil
}

// bootstrap opens the store, counters, decision client and telemetry, then
// assembles and installs the catalog.
func bootstrap(ctx context.Context, cfg *config.Config) (*app, error) {
	cat, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = version
	otelCfg.Enabled = cfg.OTelEnabled
	otelCfg.OTLPEndpoint = cfg.OTelEndpoint
	telemetry, err := observability.New(ctx, otelCfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	repo, err := openStore(ctx, cfg)
	if err != nil {
		_ = telemetry.Shutdown(ctx)
		return nil, err
	}

	var counters limiter.WindowCounter = limiter.NewMemoryCounter()
	if cfg.RedisAddr != "" {
		rc := limiter.NewRedisCounter(cfg.RedisAddr, "", 0)
		if err := rc.Ping(ctx); err != nil {
			_ = repo.Backend().Close()
			_ = telemetry.Shutdown(ctx)
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		counters = rc
		slog.Info("redis: connected", "addr", cfg.RedisAddr)
	}

	decision, err := llm.New(llm.Config{
		Provider: cfg.Decision.Provider,
		URL:      cfg.Decision.URL,
		Model:    cfg.Decision.Model,
		APIKey:   cfg.Decision.APIKey,
		Timeout:  cfg.Decision.Timeout,
	})
	if err != nil {
		_ = repo.Backend().Close()
		_ = telemetry.Shutdown(ctx)
		return nil, err
	}

	agentCfg := agent.DefaultConfig()
	agentCfg.RecentTouchpoints = cfg.RecentTouchpoints
	sys, err := engine.Assemble(engine.Options{
		Repo:      repo,
		Counters:  counters,
		Decision:  decision,
		Telemetry: telemetry,
		Pools: engine.Pools{
			PipelineWorkers: cfg.PipelineWorkers,
			AgentWorkers:    cfg.AgentWorkers,
			QueueSize:       cfg.QueueSize,
			PerTenant:       cfg.TenantConcurrency,
		},
		Agent:         agentCfg,
		FormCacheSize: cfg.FormCacheSize,
		FormCacheTTL:  cfg.FormCacheTTL,
	})
	if err != nil {
		_ = repo.Backend().Close()
		_ = telemetry.Shutdown(ctx)
		return nil, fmt.Errorf("assemble: %w", err)
	}
	rt := &app{cfg: cfg, catalog: cat, sys: sys, telemetry: telemetry}
	if err := sys.Install(ctx, cat); err != nil {
		return nil, errors.Join(fmt.Errorf("install catalog: %w", err), rt.close(ctx))
	}
	return rt, nil
}

// tenants lists the distinct tenants the catalog serves.
func (rt *app) tenants() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range rt.catalog.Forms {
		if !seen[f.TenantID] {
			seen[f.TenantID] = true
			out = append(out, f.TenantID)
		}
	}
	return out
}

func (rt *app) close(ctx context.Context) error {
	return errors.Join(
		rt.sys.Close(ctx),
		rt.sys.Repo.Backend().Close(),
		rt.telemetry.Shutdown(ctx),
	)
}
