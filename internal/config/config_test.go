package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
registry:
  index_path: /var/lib/docforge/index
build:
  tool: docgen
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "registry", cfg.Registry.Name)
	assert.Equal(t, 2, cfg.Daemon.Workers)
	assert.Equal(t, DefaultMaxAttempts, cfg.Build.MaxAttempts)
	assert.Equal(t, int64(DefaultMemoryBytes), cfg.Sandbox.MemoryBytes)
	assert.Equal(t, DefaultMaxTargets, cfg.Sandbox.MaxTargets)
	assert.Equal(t, 15*time.Minute, cfg.Sandbox.Timeout())
	assert.Equal(t, time.Minute, cfg.Build.RetryDelay())
	assert.Equal(t, "/webhook/registry", cfg.Daemon.Webhook.Path)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("DOCFORGE_TEST_SECRET", "s3cret")
	path := writeConfig(t, `
registry:
  index_path: /idx
build:
  tool: docgen
daemon:
  webhook:
    secret: ${DOCFORGE_TEST_SECRET}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Daemon.Webhook.Secret)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing index path", func(c *Config) { c.Registry.IndexPath = "" }},
		{"missing tool", func(c *Config) { c.Build.Tool = "" }},
		{"zero attempts", func(c *Config) { c.Build.MaxAttempts = 0 }},
		{"zero workers", func(c *Config) { c.Daemon.Workers = 0 }},
		{"zero timeout", func(c *Config) { c.Sandbox.TimeoutSeconds = 0 }},
		{"zero targets", func(c *Config) { c.Sandbox.MaxTargets = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Registry.IndexPath = "/idx"
			cfg.Build.Tool = "docgen"
			cfg.applyDefaults()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
