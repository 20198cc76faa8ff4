package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rzbill/correlator/pkg/log"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir         string `json:"dataDir" yaml:"dataDir"`
	PartitionCount  int32  `json:"partitionCount" yaml:"partitionCount"`
	Fsync           string `json:"fsync" yaml:"fsync"`
	FsyncIntervalMs int64  `json:"fsyncIntervalMs" yaml:"fsyncIntervalMs"`
	GRPCAddr        string `json:"grpcAddr" yaml:"grpcAddr"`
	HTTPAddr        string `json:"httpAddr" yaml:"httpAddr"`

	Log         log.Config        `json:"log" yaml:"log"`
	Correlation CorrelationConfig `json:"correlation" yaml:"correlation"`
	CommandLog  CommandLogConfig  `json:"commandLog" yaml:"commandLog"`
}

// CorrelationConfig tunes expiry and handshake retries.
type CorrelationConfig struct {
	ExpiryCheckIntervalMs  int64 `json:"expiryCheckIntervalMs" yaml:"expiryCheckIntervalMs"`
	ExpiryBatchLimit       int   `json:"expiryBatchLimit" yaml:"expiryBatchLimit"`
	PendingRetryIntervalMs int64 `json:"pendingRetryIntervalMs" yaml:"pendingRetryIntervalMs"`
	PendingCheckIntervalMs int64 `json:"pendingCheckIntervalMs" yaml:"pendingCheckIntervalMs"`
	// DefaultTTLMs applies to published messages that give no time to live.
	DefaultTTLMs int64 `json:"defaultTtlMs" yaml:"defaultTtlMs"`
}

func (c CorrelationConfig) ExpiryCheckInterval() time.Duration {
	return time.Duration(c.ExpiryCheckIntervalMs) * time.Millisecond
}

func (c CorrelationConfig) PendingRetryInterval() time.Duration {
	return time.Duration(c.PendingRetryIntervalMs) * time.Millisecond
}

func (c CorrelationConfig) PendingCheckInterval() time.Duration {
	return time.Duration(c.PendingCheckIntervalMs) * time.Millisecond
}

// CommandLogConfig controls command log retention.
type CommandLogConfig struct {
	// RetainApplied is how many applied commands are kept for inspection.
	RetainApplied uint64 `json:"retainApplied" yaml:"retainApplied"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir:         DefaultDataDir(),
		PartitionCount:  1,
		Fsync:           "interval",
		FsyncIntervalMs: 5,
		GRPCAddr:        ":26500",
		HTTPAddr:        ":8080",
		Log:             log.Config{Level: "info", Format: "json"},
		Correlation: CorrelationConfig{
			ExpiryCheckIntervalMs:  60_000,
			ExpiryBatchLimit:       1000,
			PendingRetryIntervalMs: 10_000,
			PendingCheckIntervalMs: 1000,
			DefaultTTLMs:           3_600_000,
		},
		CommandLog: CommandLogConfig{RetainApplied: 10_000},
	}
}

// FsyncInterval returns the group-commit interval.
func (c Config) FsyncInterval() time.Duration {
	return time.Duration(c.FsyncIntervalMs) * time.Millisecond
}

// Validate reports settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("dataDir is required"))
	}
	if c.PartitionCount < 1 {
		errs = append(errs, fmt.Errorf("partitionCount must be at least 1, got %d", c.PartitionCount))
	}
	switch c.Fsync {
	case "always", "interval", "never":
	default:
		errs = append(errs, fmt.Errorf("fsync must be always, interval or never, got %q", c.Fsync))
	}
	if c.Correlation.ExpiryBatchLimit < 1 {
		errs = append(errs, errors.New("correlation.expiryBatchLimit must be positive"))
	}
	if c.Correlation.PendingRetryIntervalMs < 1 {
		errs = append(errs, errors.New("correlation.pendingRetryIntervalMs must be positive"))
	}
	if c.Correlation.DefaultTTLMs < 0 {
		errs = append(errs, errors.New("correlation.defaultTtlMs must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Load reads configuration from a JSON or YAML file (by extension) over the
// defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return cfg, nil
}
