package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineConfig captures the pipeline tuning configuration tree.
type PipelineConfig struct {
	Queue      QueueConfig      `yaml:"queue"`
	Workers    WorkersConfig    `yaml:"workers"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Janitor    JanitorConfig    `yaml:"janitor"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// QueueConfig governs batch consumption from the event queue.
type QueueConfig struct {
	BatchSize       int           `yaml:"batchSize"`
	WaitTime        time.Duration `yaml:"waitTime"`
	Visibility      time.Duration `yaml:"visibility"`
	MaxReceiveCount int           `yaml:"maxReceiveCount"`
}

// WorkersConfig sizes the worker fleet.
type WorkersConfig struct {
	Count       int     `yaml:"count"`
	Parallelism int     `yaml:"parallelism"`
	PollRate    float64 `yaml:"pollRate"`
}

// DedupConfig controls claim lifetimes on the processed-events store.
type DedupConfig struct {
	ClaimTTL           time.Duration `yaml:"claimTtl"`
	CompletedRetention time.Duration `yaml:"completedRetention"`
}

// AggregatorConfig bounds the optimistic-concurrency retry loop.
type AggregatorConfig struct {
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
}

// JanitorConfig schedules dedup-record retention sweeps.
type JanitorConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchLimit int           `yaml:"batchLimit"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// DefaultPipelineConfig returns the tuning defaults used when no file is present.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Queue: QueueConfig{
			BatchSize:       10,
			WaitTime:        5 * time.Second,
			Visibility:      30 * time.Second,
			MaxReceiveCount: 10,
		},
		Workers: WorkersConfig{
			Count:       2,
			Parallelism: 10,
			PollRate:    0,
		},
		Dedup: DedupConfig{
			ClaimTTL:           30 * time.Second,
			CompletedRetention: 24 * time.Hour,
		},
		Aggregator: AggregatorConfig{
			MaxAttempts:    5,
			InitialBackoff: 20 * time.Millisecond,
			MaxBackoff:     500 * time.Millisecond,
		},
		Janitor: JanitorConfig{
			Interval:   time.Minute,
			BatchLimit: 500,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "metricspipe",
		},
	}
}

// LoadPipelineConfig loads a pipeline configuration YAML document from disk.
// A missing file yields the defaults rather than an error.
func LoadPipelineConfig(ctx context.Context, path string) (PipelineConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("METRICSPIPE_CONFIG")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = "config/pipeline.yaml"
	}

	reader, closer, err := openPipelineFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPipelineConfig(), nil
		}
		return PipelineConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return PipelineConfig{}, fmt.Errorf("read pipeline config: %w", err)
	}

	cfg := DefaultPipelineConfig()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return PipelineConfig{}, fmt.Errorf("unmarshal pipeline config: %w", err)
	}

	if err := cfg.Validate(ctx); err != nil {
		return PipelineConfig{}, err
	}
	return cfg, nil
}

// Validate performs semantic validation on the loaded configuration.
func (c PipelineConfig) Validate(ctx context.Context) error {
	_ = ctx
	if c.Queue.BatchSize <= 0 || c.Queue.BatchSize > 10 {
		return fmt.Errorf("queue batchSize must be in 1..10")
	}
	if c.Queue.WaitTime < 0 {
		return fmt.Errorf("queue waitTime must be >=0")
	}
	if c.Queue.Visibility <= 0 {
		return fmt.Errorf("queue visibility must be >0")
	}
	if c.Queue.MaxReceiveCount < 0 {
		return fmt.Errorf("queue maxReceiveCount must be >=0")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers count must be >0")
	}
	if c.Workers.Parallelism <= 0 {
		return fmt.Errorf("workers parallelism must be >0")
	}
	if c.Workers.PollRate < 0 {
		return fmt.Errorf("workers pollRate must be >=0")
	}
	if c.Dedup.ClaimTTL <= 0 {
		return fmt.Errorf("dedup claimTtl must be >0")
	}
	if c.Dedup.ClaimTTL <= c.Queue.Visibility/2 {
		return fmt.Errorf("dedup claimTtl should exceed half the queue visibility window")
	}
	if c.Dedup.CompletedRetention <= 0 {
		return fmt.Errorf("dedup completedRetention must be >0")
	}
	if c.Aggregator.MaxAttempts <= 0 {
		return fmt.Errorf("aggregator maxAttempts must be >0")
	}
	if c.Aggregator.InitialBackoff <= 0 {
		return fmt.Errorf("aggregator initialBackoff must be >0")
	}
	if c.Aggregator.MaxBackoff < c.Aggregator.InitialBackoff {
		return fmt.Errorf("aggregator maxBackoff must be >= initialBackoff")
	}
	if c.Janitor.Interval <= 0 {
		return fmt.Errorf("janitor interval must be >0")
	}
	if c.Janitor.BatchLimit <= 0 {
		return fmt.Errorf("janitor batchLimit must be >0")
	}
	return nil
}

func openPipelineFile(path string) (io.Reader, func(), error) {
	safePath := filepath.Clean(path)
	file, err := os.Open(safePath) // #nosec G304 -- configuration paths are controlled by operators.
	if err != nil {
		return nil, nil, err
	}
	return file, func() { _ = file.Close() }, nil
}
