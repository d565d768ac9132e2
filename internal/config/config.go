// Package config loads hub configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the hub's core-relevant configuration.
type Config struct {
	Bind                  string   `yaml:"bind"`
	DataDir               string   `yaml:"data_dir"`
	InsecureHTTP          bool     `yaml:"insecure_http"`
	DebugErrors           bool     `yaml:"debug_errors"`
	HubTimezone           string   `yaml:"hub_timezone"`
	EnrollmentToken       string   `yaml:"enrollment_token"`
	RunRetentionDays      int      `yaml:"run_retention_days"`
	IncompleteCleanupDays int      `yaml:"incomplete_cleanup_days"`
	TrustedProxies        []string `yaml:"trusted_proxies"`

	// Tuning knobs for the scheduler/worker/run builder.
	ZstdThreads           int           `yaml:"zstd_threads"`
	PartSizeBytes         int64         `yaml:"part_size_bytes"`
	DispatchPollInterval  time.Duration `yaml:"dispatch_poll_interval"`
	DispatchDeadline      time.Duration `yaml:"dispatch_deadline"`
	ShutdownGrace         time.Duration `yaml:"shutdown_grace"`
}

// DataDirEnvVar overrides Config.DataDir when set.
const DataDirEnvVar = "BASTION_DATA_DIR"

// EnrollmentTokenEnvVar overrides Config.EnrollmentToken when set. Kept out
// of the YAML file by convention so the enrollment secret isn't committed
// alongside other config.
const EnrollmentTokenEnvVar = "BASTION_ENROLLMENT_TOKEN"

// DefaultConfig returns the hub's baseline configuration.
func DefaultConfig() *Config {
	threads := runtime.NumCPU()
	if threads < 1 {
		threads = 1
	}
	return &Config{
		Bind:                  "127.0.0.1:8080",
		DataDir:               "/var/lib/bastion",
		InsecureHTTP:          false,
		DebugErrors:           false,
		HubTimezone:           "UTC",
		RunRetentionDays:      30,
		IncompleteCleanupDays: 2,
		TrustedProxies:        nil,
		ZstdThreads:           threads,
		PartSizeBytes:         1 << 30, // 1GiB
		DispatchPollInterval:  5 * time.Second,
		DispatchDeadline:      24 * time.Hour,
		ShutdownGrace:         30 * time.Second,
	}
}

// Load reads YAML configuration from path, applying defaults for zero
// fields, then overlays environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overlays environment variable overrides onto cfg in place.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv(DataDirEnvVar); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnrollmentTokenEnvVar); v != "" {
		c.EnrollmentToken = v
	}
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.Bind == "" {
		return fmt.Errorf("config: bind is required")
	}
	if c.RunRetentionDays < 0 {
		return fmt.Errorf("config: run_retention_days must be >= 0")
	}
	if c.IncompleteCleanupDays < 0 {
		return fmt.Errorf("config: incomplete_cleanup_days must be >= 0")
	}
	if c.ZstdThreads < 1 {
		return fmt.Errorf("config: zstd_threads must be >= 1")
	}
	if c.PartSizeBytes <= 0 {
		return fmt.Errorf("config: part_size_bytes must be > 0")
	}
	if _, err := time.LoadLocation(c.HubTimezone); err != nil {
		return fmt.Errorf("config: invalid hub_timezone %q: %w", c.HubTimezone, err)
	}
	return nil
}

// DBPath returns the path to the embedded SQLite database file under
// DataDir.
func (c *Config) DBPath() string {
	return c.DataDir + "/bastion.db"
}
