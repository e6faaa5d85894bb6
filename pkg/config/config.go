// Package config loads process configuration from the environment and the
// form/handler catalog from YAML.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds server configuration.
type Config struct {
	Addr     string `env:"INTAKE_ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`

	// DatabaseURL selects PostgreSQL; empty runs lite mode on SQLite under DataDir.
	DatabaseURL string `env:"DATABASE_URL"`
	DataDir     string `env:"DATA_DIR" envDefault:"data"`
	CatalogPath string `env:"INTAKE_CATALOG" envDefault:"catalog.yaml"`
	RedisAddr   string `env:"REDIS_ADDR"`

	PipelineWorkers   int `env:"INTAKE_PIPELINE_WORKERS" envDefault:"8"`
	AgentWorkers      int `env:"INTAKE_AGENT_WORKERS" envDefault:"4"`
	QueueSize         int `env:"INTAKE_QUEUE_SIZE" envDefault:"256"`
	TenantConcurrency int `env:"INTAKE_TENANT_CONCURRENCY" envDefault:"4"`

	Decision DecisionConfig `envPrefix:"DECISION_"`

	StaleAfter        time.Duration `env:"INTAKE_STALE_AFTER" envDefault:"15m"`
	SweepInterval     time.Duration `env:"INTAKE_SWEEP_INTERVAL" envDefault:"1m"`
	RecentTouchpoints int           `env:"INTAKE_RECENT_TOUCHPOINTS" envDefault:"5"`

	JWTSecret      string  `env:"INTAKE_JWT_SECRET"`
	RateLimitRPS   float64 `env:"INTAKE_RATE_LIMIT_RPS" envDefault:"5"`
	RateLimitBurst int     `env:"INTAKE_RATE_LIMIT_BURST" envDefault:"20"`
	// TrustedProxies lists CIDRs or addresses allowed to set X-Forwarded-For.
	TrustedProxies []string `env:"INTAKE_TRUSTED_PROXIES" envSeparator:","`

	FormCacheSize int           `env:"INTAKE_FORM_CACHE_SIZE" envDefault:"1024"`
	FormCacheTTL  time.Duration `env:"INTAKE_FORM_CACHE_TTL" envDefault:"5m"`

	Archive ArchiveConfig `envPrefix:"ARCHIVE_"`

	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
}

// DecisionConfig selects the decision-service backend.
type DecisionConfig struct {
	Provider string        `env:"PROVIDER" envDefault:"openai"` // openai | anthropic
	URL      string        `env:"URL" envDefault:"http://localhost:1234/v1/chat/completions"`
	Model    string        `env:"MODEL" envDefault:"gpt-4o-mini"`
	APIKey   string        `env:"API_KEY"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"30s"`
}

// ArchiveConfig selects the archive sink.
type ArchiveConfig struct {
	Type     string `env:"TYPE" envDefault:"fs"`
	Dir      string `env:"DIR"`
	Bucket   string `env:"BUCKET"`
	Region   string `env:"REGION" envDefault:"us-east-1"`
	Endpoint string `env:"ENDPOINT"`
	Prefix   string `env:"PREFIX"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.PipelineWorkers < 1 || cfg.AgentWorkers < 1 {
		return nil, fmt.Errorf("worker counts must be positive")
	}
	switch cfg.Decision.Provider {
	case "openai", "anthropic":
	default:
		return nil, fmt.Errorf("unknown decision provider %q", cfg.Decision.Provider)
	}
	return &cfg, nil
}

// LiteMode reports whether the process runs on embedded SQLite.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}
