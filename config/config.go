// Package config provides configuration loading and management for Triage.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Triage configuration
type Config struct {
	NATS       NATSConfig       `yaml:"nats"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Registry   RegistryConfig   `yaml:"registry"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Expiry     ExpiryConfig     `yaml:"expiry"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
	// ReconnectWait is the delay between reconnect attempts
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// PipelineConfig configures the analysis pipeline shape
type PipelineConfig struct {
	// Stages is the ordered, fixed list of stage names. A service's stage
	// must appear in this list.
	Stages []string `yaml:"stages"`
	// SystemCategory is the reserved category whose services always run
	// and can never be excluded.
	SystemCategory string `yaml:"system_category"`
}

// RegistryConfig configures the service registry view
type RegistryConfig struct {
	// RefreshInterval bounds how stale the cached registry view may be
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// ManifestDir is the directory holding service manifest files
	ManifestDir string `yaml:"manifest_dir"`
	// ManifestPattern matches manifest files under ManifestDir
	ManifestPattern string `yaml:"manifest_pattern"`
}

// DispatcherConfig configures the dispatcher component
type DispatcherConfig struct {
	// RetryBase is the base delay for task retry backoff
	RetryBase time.Duration `yaml:"retry_base"`
	// RetryMax caps the task retry backoff delay
	RetryMax time.Duration `yaml:"retry_max"`
	// RecordTTL is how long results and errors live before expiry
	RecordTTL time.Duration `yaml:"record_ttl"`
}

// ExpiryConfig configures the expiry sweep
type ExpiryConfig struct {
	// Interval is the time between sweeps
	Interval time.Duration `yaml:"interval"`
	// Delay is the grace period past a record's expiry timestamp
	Delay time.Duration `yaml:"delay"`
	// Workers bounds blob-deletion concurrency
	Workers int `yaml:"workers"`
	// DeleteStorage controls whether associated blobs are deleted
	DeleteStorage bool `yaml:"delete_storage"`
}

// ArchiveConfig configures the archiver
type ArchiveConfig struct {
	// Workers bounds blob-copy concurrency
	Workers int `yaml:"workers"`
}

// MetricsConfig configures the Prometheus metrics endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			ReconnectWait: 2 * time.Second,
		},
		Pipeline: PipelineConfig{
			Stages:         []string{"setup", "filter", "pre", "core", "post", "teardown"},
			SystemCategory: "system",
		},
		Registry: RegistryConfig{
			RefreshInterval: 5 * time.Second,
			ManifestDir:     "",
			ManifestPattern: "**/*.yaml",
		},
		Dispatcher: DispatcherConfig{
			RetryBase: 500 * time.Millisecond,
			RetryMax:  time.Minute,
			RecordTTL: 15 * 24 * time.Hour,
		},
		Expiry: ExpiryConfig{
			Interval:      15 * time.Minute,
			Delay:         time.Hour,
			Workers:       8,
			DeleteStorage: true,
		},
		Archive: ArchiveConfig{
			Workers: 4,
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if len(c.Pipeline.Stages) == 0 {
		return fmt.Errorf("pipeline.stages is required")
	}
	seen := make(map[string]bool, len(c.Pipeline.Stages))
	for _, stage := range c.Pipeline.Stages {
		if stage == "" {
			return fmt.Errorf("pipeline.stages contains an empty stage name")
		}
		if seen[stage] {
			return fmt.Errorf("pipeline.stages contains duplicate stage %q", stage)
		}
		seen[stage] = true
	}
	if c.Pipeline.SystemCategory == "" {
		return fmt.Errorf("pipeline.system_category is required")
	}
	if c.Registry.RefreshInterval <= 0 {
		return fmt.Errorf("registry.refresh_interval must be positive")
	}
	if c.Dispatcher.RetryBase <= 0 {
		return fmt.Errorf("dispatcher.retry_base must be positive")
	}
	if c.Dispatcher.RetryMax < c.Dispatcher.RetryBase {
		return fmt.Errorf("dispatcher.retry_max must be at least retry_base")
	}
	if c.Expiry.Workers < 1 {
		return fmt.Errorf("expiry.workers must be at least 1")
	}
	if c.Archive.Workers < 1 {
		return fmt.Errorf("archive.workers must be at least 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge overlays non-zero values from other onto this config
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.ReconnectWait != 0 {
		c.NATS.ReconnectWait = other.NATS.ReconnectWait
	}
	if len(other.Pipeline.Stages) > 0 {
		c.Pipeline.Stages = other.Pipeline.Stages
	}
	if other.Pipeline.SystemCategory != "" {
		c.Pipeline.SystemCategory = other.Pipeline.SystemCategory
	}
	if other.Registry.RefreshInterval != 0 {
		c.Registry.RefreshInterval = other.Registry.RefreshInterval
	}
	if other.Registry.ManifestDir != "" {
		c.Registry.ManifestDir = other.Registry.ManifestDir
	}
	if other.Registry.ManifestPattern != "" {
		c.Registry.ManifestPattern = other.Registry.ManifestPattern
	}
	if other.Dispatcher.RetryBase != 0 {
		c.Dispatcher.RetryBase = other.Dispatcher.RetryBase
	}
	if other.Dispatcher.RetryMax != 0 {
		c.Dispatcher.RetryMax = other.Dispatcher.RetryMax
	}
	if other.Dispatcher.RecordTTL != 0 {
		c.Dispatcher.RecordTTL = other.Dispatcher.RecordTTL
	}
	if other.Expiry.Interval != 0 {
		c.Expiry.Interval = other.Expiry.Interval
	}
	if other.Expiry.Delay != 0 {
		c.Expiry.Delay = other.Expiry.Delay
	}
	if other.Expiry.Workers != 0 {
		c.Expiry.Workers = other.Expiry.Workers
	}
	if other.Expiry.DeleteStorage {
		c.Expiry.DeleteStorage = true
	}
	if other.Archive.Workers != 0 {
		c.Archive.Workers = other.Archive.Workers
	}
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}
