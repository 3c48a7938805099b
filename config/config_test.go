package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultSettings(t *testing.T) {
	cfg := Default()
	if cfg.Environment != EnvProd {
		t.Errorf("Environment = %q, want prod", cfg.Environment)
	}
	if cfg.Database.DSN == "" {
		t.Error("default DSN must not be empty")
	}
	if cfg.Database.MaxConns <= 0 {
		t.Errorf("MaxConns = %d, want >0", cfg.Database.MaxConns)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("METRICSPIPE_ENV", "Staging")
	t.Setenv("METRICSPIPE_DB_DSN", "postgres://test:test@db:5432/pipe")
	t.Setenv("METRICSPIPE_DB_MAX_CONNS", "32")
	t.Setenv("METRICSPIPE_DB_MIGRATE", "false")
	t.Setenv("METRICSPIPE_OTLP_ENDPOINT", "collector:4318")

	cfg := FromEnv()
	if cfg.Environment != EnvStaging {
		t.Errorf("Environment = %q, want staging", cfg.Environment)
	}
	if cfg.Database.DSN != "postgres://test:test@db:5432/pipe" {
		t.Errorf("DSN = %q", cfg.Database.DSN)
	}
	if cfg.Database.MaxConns != 32 {
		t.Errorf("MaxConns = %d, want 32", cfg.Database.MaxConns)
	}
	if cfg.Database.MigrateOnStart {
		t.Error("MigrateOnStart should be disabled")
	}
	if cfg.OTLPEndpoint != "collector:4318" {
		t.Errorf("OTLPEndpoint = %q", cfg.OTLPEndpoint)
	}
}

func TestApplyOptions(t *testing.T) {
	base := Default()
	cfg := Apply(base,
		WithEnvironment(EnvDev),
		WithDatabaseDSN("postgres://dev@localhost/dev"),
		WithOTLPEndpoint("localhost:4318"),
	)
	if cfg.Environment != EnvDev {
		t.Errorf("Environment = %q, want dev", cfg.Environment)
	}
	if cfg.Database.DSN != "postgres://dev@localhost/dev" {
		t.Errorf("DSN = %q", cfg.Database.DSN)
	}
	if base.Environment != EnvProd {
		t.Error("Apply must not mutate the base settings")
	}
}

func TestLoadPipelineConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadPipelineConfig(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadPipelineConfig() error = %v", err)
	}
	if cfg.Queue.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want default 10", cfg.Queue.BatchSize)
	}
	if cfg.Dedup.ClaimTTL != 30*time.Second {
		t.Errorf("ClaimTTL = %v, want 30s", cfg.Dedup.ClaimTTL)
	}
}

func TestLoadPipelineConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	doc := `
queue:
  batchSize: 5
  visibility: 45s
workers:
  count: 4
dedup:
  claimTtl: 60s
  completedRetention: 48h
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadPipelineConfig(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadPipelineConfig() error = %v", err)
	}
	if cfg.Queue.BatchSize != 5 {
		t.Errorf("BatchSize = %d, want 5", cfg.Queue.BatchSize)
	}
	if cfg.Queue.Visibility != 45*time.Second {
		t.Errorf("Visibility = %v, want 45s", cfg.Queue.Visibility)
	}
	if cfg.Workers.Count != 4 {
		t.Errorf("Workers.Count = %d, want 4", cfg.Workers.Count)
	}
	if cfg.Dedup.CompletedRetention != 48*time.Hour {
		t.Errorf("CompletedRetention = %v, want 48h", cfg.Dedup.CompletedRetention)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Aggregator.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want default 5", cfg.Aggregator.MaxAttempts)
	}
}

func TestPipelineConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PipelineConfig)
		wantErr bool
	}{
		{name: "defaults valid", mutate: func(*PipelineConfig) {}},
		{name: "batch too large", mutate: func(c *PipelineConfig) { c.Queue.BatchSize = 11 }, wantErr: true},
		{name: "zero visibility", mutate: func(c *PipelineConfig) { c.Queue.Visibility = 0 }, wantErr: true},
		{name: "claim ttl below visibility floor", mutate: func(c *PipelineConfig) {
			c.Queue.Visibility = 2 * time.Minute
			c.Dedup.ClaimTTL = 30 * time.Second
		}, wantErr: true},
		{name: "no workers", mutate: func(c *PipelineConfig) { c.Workers.Count = 0 }, wantErr: true},
		{name: "backoff inverted", mutate: func(c *PipelineConfig) {
			c.Aggregator.InitialBackoff = time.Second
			c.Aggregator.MaxBackoff = time.Millisecond
		}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultPipelineConfig()
			tt.mutate(&cfg)
			err := cfg.Validate(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
