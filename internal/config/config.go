package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Registry RegistryConfig `yaml:"registry"`
	Storage  StorageConfig  `yaml:"storage"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Build    BuildConfig    `yaml:"build"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
}

// RegistryConfig describes the package registry index to synchronize against.
type RegistryConfig struct {
	// Name identifies the registry in queue entries (registry-of-origin tag).
	Name string `yaml:"name"`
	// IndexURL is the remote git URL of the registry index.
	IndexURL string `yaml:"index_url"`
	// IndexPath is the local mirror path of the index repository.
	IndexPath string `yaml:"index_path"`
	// PollSchedule is the cron expression for the fallback sync poll.
	PollSchedule string `yaml:"poll_schedule,omitempty"`
	// GCSchedule is the cron expression for index repository maintenance.
	GCSchedule string `yaml:"gc_schedule,omitempty"`
}

// StorageConfig holds database and scratch-space locations.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	// TempDir holds per-build sandbox workspaces; wiped on worker startup.
	TempDir string `yaml:"temp_dir"`
	// LockPath is the file lock taken around the sync mutating phase.
	LockPath string `yaml:"lock_path,omitempty"`
}

// DaemonConfig controls the orchestrator daemon.
type DaemonConfig struct {
	Workers    int        `yaml:"workers"`
	ListenAddr string     `yaml:"listen_addr"`
	Webhook    Webhook    `yaml:"webhook"`
	NATS       NATSConfig `yaml:"nats"`
	// RebuildSchedule is the cron expression for queueing background rebuilds.
	RebuildSchedule string `yaml:"rebuild_schedule,omitempty"`
}

// Webhook configures the push-notification HTTP endpoint.
type Webhook struct {
	Path string `yaml:"path,omitempty"`
	// Secret enables HMAC-SHA256 signature verification when non-empty.
	// The payload itself is never trusted; only its arrival matters.
	Secret string `yaml:"secret,omitempty"`
}

// NATSConfig configures the push-notification subscription.
type NATSConfig struct {
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

// BuildConfig controls documentation build execution and retry policy.
type BuildConfig struct {
	// Tool is the documentation build executable.
	Tool string `yaml:"tool"`
	// Args are passed to the tool; the placeholders {package}, {version},
	// {target} and {output} are substituted per invocation.
	Args []string `yaml:"args,omitempty"`
	// Toolchain is recorded on every build attempt.
	Toolchain string `yaml:"toolchain,omitempty"`
	// DefaultTarget is always built and decides the attempt outcome.
	DefaultTarget string `yaml:"default_target"`
	// ExtraTargets are built in addition to the default target, capped by
	// the sandbox target limit.
	ExtraTargets []string `yaml:"extra_targets,omitempty"`
	// MaxAttempts is the queue retry ceiling per (package, version).
	MaxAttempts int `yaml:"max_attempts"`
	// RetryDelaySeconds is the minimum wait between attempts of one entry.
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`
	// MaxQueuedRebuilds bounds how many background rebuilds may be queued.
	MaxQueuedRebuilds int `yaml:"max_queued_rebuilds"`
}

// RetryDelay returns the configured delay between build attempts.
func (b BuildConfig) RetryDelay() time.Duration {
	return time.Duration(b.RetryDelaySeconds) * time.Second
}

// SandboxConfig holds the global sandbox resource defaults. Per-package
// overrides are stored in the database and merged at executor invocation.
type SandboxConfig struct {
	MemoryBytes    int64 `yaml:"memory_bytes"`
	TimeoutSeconds int   `yaml:"timeout_seconds"`
	MaxTargets     int   `yaml:"max_targets"`
	MaxLogSize     int   `yaml:"max_log_size"`
}

// Timeout returns the global wall-clock build timeout.
func (s SandboxConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Load loads configuration from the specified file.
func Load(configPath string) (*Config, error) {
	// Load .env if present; existing process env wins.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Note: .env file not loaded: %v\n", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks cross-field invariants that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Registry.IndexPath == "" {
		return fmt.Errorf("registry.index_path is required")
	}
	if c.Build.Tool == "" {
		return fmt.Errorf("build.tool is required")
	}
	if c.Build.MaxAttempts < 1 {
		return fmt.Errorf("build.max_attempts must be at least 1, got %d", c.Build.MaxAttempts)
	}
	if c.Daemon.Workers < 1 {
		return fmt.Errorf("daemon.workers must be at least 1, got %d", c.Daemon.Workers)
	}
	if c.Sandbox.TimeoutSeconds <= 0 {
		return fmt.Errorf("sandbox.timeout_seconds must be positive, got %d", c.Sandbox.TimeoutSeconds)
	}
	if c.Sandbox.MaxTargets < 1 {
		return fmt.Errorf("sandbox.max_targets must be at least 1, got %d", c.Sandbox.MaxTargets)
	}
	return nil
}
