package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/helm-intake/pkg/archive"
	"github.com/Mindburn-Labs/helm-intake/pkg/config"
	"github.com/Mindburn-Labs/helm-intake/pkg/forms"
)

func runSweepCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sweep", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		catalogPath string
		staleAfter  time.Duration
	)
	cmd.StringVar(&catalogPath, "catalog", "", "Catalog file (overrides INTAKE_CATALOG)")
	cmd.DurationVar(&staleAfter, "stale-after", 0, "Age after which in-flight work is reclaimed (default INTAKE_STALE_AFTER)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	cfg, err := loadConfig(catalogPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	if staleAfter <= 0 {
		staleAfter = cfg.StaleAfter
	}

	ctx := context.Background()
	rt, err := bootstrap(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}
	defer func() { _ = rt.close(ctx) }()

	n, err := rt.sys.Recovery.Sweep(ctx, staleAfter)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%ssweep failed: %v%s\n", ColorRed, err, ColorReset)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%sreclaimed %d stale submissions%s\n", ColorGreen, n, ColorReset)
	return 0
}

func runArchiveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("archive", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		tenant    string
		olderThan time.Duration
	)
	cmd.StringVar(&tenant, "tenant", "", "Tenant to archive (REQUIRED)")
	cmd.DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Archive submissions untouched for this long")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenant == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --tenant is required")
		cmd.Usage()
		return 2
	}
	cfg, err := loadConfig("")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}

	ctx := context.Background()
	repo, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "store: %v\n", err)
		return 1
	}
	defer func() { _ = repo.Backend().Close() }()

	dir := cfg.Archive.Dir
	if dir == "" {
		dir = cfg.DataDir + "/archive"
	}
	archiver, err := archive.New(ctx, archive.Options{
		Type:     cfg.Archive.Type,
		Dir:      dir,
		Bucket:   cfg.Archive.Bucket,
		Region:   cfg.Archive.Region,
		Endpoint: cfg.Archive.Endpoint,
		Prefix:   cfg.Archive.Prefix,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "archiver: %v\n", err)
		return 1
	}
	n, err := archive.NewJob(repo, archiver).Run(ctx, tenant, olderThan)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%sarchive failed after %d submissions: %v%s\n", ColorRed, n, err, ColorReset)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%sarchived %d submissions%s\n", ColorGreen, n, ColorReset)
	return 0
}

func runExperimentCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("experiment", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		formID      string
		catalogPath string
		jsonOutput  bool
	)
	cmd.StringVar(&formID, "form", "", "Form whose experiment to evaluate (REQUIRED)")
	cmd.StringVar(&catalogPath, "catalog", "", "Catalog file (overrides INTAKE_CATALOG)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if formID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --form is required")
		cmd.Usage()
		return 2
	}
	cfg, err := loadConfig(catalogPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}

	ctx := context.Background()
	rt, err := bootstrap(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}
	defer func() { _ = rt.close(ctx) }()

	form, err := rt.sys.Forms.Form(ctx, formID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "form %s: %v\n", formID, err)
		return 1
	}
	res, err := rt.sys.Forms.Evaluate(ctx, form)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "evaluate: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "%s%s / %s: %s%s\n", ColorBold, res.FormID, res.ExperimentID, res.State, ColorReset)
	_, _ = fmt.Fprintf(stdout, "   %s\n", res.Summary)
	for _, v := range res.Variants {
		marker := " "
		if v.ID == res.Winner {
			marker = "*"
		}
		_, _ = fmt.Fprintf(stdout, " %s %-12s views=%-6d submissions=%-6d rate=%.3f weight=%d\n",
			marker, v.ID, v.Views, v.Submissions, v.ConversionRate, v.Weight)
	}
	return 0
}

// runCheckCatalogCmd validates a catalog without touching any store.
func runCheckCatalogCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("check-catalog", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var catalogPath string
	cmd.StringVar(&catalogPath, "catalog", "catalog.yaml", "Catalog file to validate")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cat, err := config.LoadCatalog(catalogPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s%v%s\n", ColorRed, err, ColorReset)
		return 1
	}
	rules, err := forms.NewRuleEvaluator()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "rule evaluator: %v\n", err)
		return 1
	}
	v := forms.NewValidator(rules)
	failed := 0
	for _, f := range cat.Forms {
		if err := v.Check(f); err != nil {
			_, _ = fmt.Fprintf(stderr, "%s%v%s\n", ColorRed, err, ColorReset)
			failed++
		}
	}
	if failed > 0 {
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%scatalog ok:%s %d forms, %d handler groups\n", ColorGreen, ColorReset, len(cat.Forms), len(cat.Groups))
	return 0
}
