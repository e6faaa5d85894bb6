package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/helm-intake/pkg/api"
	"github.com/Mindburn-Labs/helm-intake/pkg/events"
)

const shutdownTimeout = 30 * time.Second

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		addr        string
		catalogPath string
	)
	cmd.StringVar(&addr, "addr", "", "Listen address (overrides INTAKE_ADDR)")
	cmd.StringVar(&catalogPath, "catalog", "", "Catalog file (overrides INTAKE_CATALOG)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(catalogPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%sconfig: %v%s\n", ColorRed, err, ColorReset)
		return 2
	}
	if addr != "" {
		cfg.Addr = addr
	}
	proxies, err := api.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%sconfig: %v%s\n", ColorRed, err, ColorReset)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "%shelm-intake starting...%s\n", ColorBold+ColorBlue, ColorReset)
	if cfg.LiteMode() {
		_, _ = fmt.Fprintf(stdout, "DATABASE_URL not set. Falling back to %sLite Mode%s (SQLite).\n", ColorBold+ColorCyan, ColorReset)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return 1
	}
	if cfg.JWTSecret == "" {
		slog.Warn("INTAKE_JWT_SECRET not set; operator endpoints will reject every request")
	}

	for _, tenant := range rt.tenants() {
		n, err := rt.sys.Engine.Requeue(ctx, tenant)
		if err != nil {
			slog.Error("requeue failed", "tenant_id", tenant, "error", err)
			continue
		}
		if n > 0 {
			slog.Info("requeued unprocessed submissions", "tenant_id", tenant, "count", n)
		}
	}
	go rt.sys.Engine.Sweep(ctx, cfg.SweepInterval, cfg.StaleAfter)

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServer(rt.sys, api.Options{
			Validator:      api.NewJWTValidator(cfg.JWTSecret),
			RateLimitRPS:   cfg.RateLimitRPS,
			RateLimitBurst: cfg.RateLimitBurst,
			Heartbeat:      events.DefaultHeartbeat,
			Version:        version,
			TrustedProxies: proxies,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("ready", "addr", cfg.Addr, "forms", len(rt.catalog.Forms), "groups", len(rt.catalog.Groups))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	code := 0
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			slog.Error("http server failed", "error", err)
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
		code = 1
	}
	if err := rt.close(shutdownCtx); err != nil {
		slog.Error("drain failed", "error", err)
		code = 1
	}
	if code == 0 {
		_, _ = fmt.Fprintln(stdout, "stopped")
	}
	return code
}
