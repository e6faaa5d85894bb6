package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/helm-intake/pkg/config"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

// openStore connects to PostgreSQL when DATABASE_URL is set, otherwise it
// falls back to lite mode on a SQLite file under the data dir.
func openStore(ctx context.Context, cfg *config.Config) (*store.Repository, error) {
	if cfg.LiteMode() {
		return setupLiteMode(ctx, cfg.DataDir)
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("DB ping failed: %w", err)
	}
	pg := store.NewPostgresBackend(db)
	if err := pg.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init postgres store: %w", err)
	}
	slog.Info("postgres: connected")
	return store.NewRepository(pg), nil
}

func setupLiteMode(ctx context.Context, dataDir string) (*store.Repository, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "intake.db")
	slog.Info("lite mode: using sqlite", "path", dbPath)

	backend, err := store.OpenSQLite(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to init sqlite store: %w", err)
	}
	return store.NewRepository(backend), nil
}
