package config

// Default resource limits; per-package overrides in the database win.
const (
	DefaultMemoryBytes    = 3 * 1024 * 1024 * 1024 // 3 GiB
	DefaultTimeoutSeconds = 15 * 60
	DefaultMaxTargets     = 10
	DefaultMaxLogSize     = 100 * 1024 // 100 KiB per attempt log
)

// Queue policy defaults.
const (
	DefaultMaxAttempts       = 5
	DefaultRetryDelaySeconds = 60
	DefaultMaxQueuedRebuilds = 50
)

func (c *Config) applyDefaults() {
	if c.Registry.Name == "" {
		c.Registry.Name = "registry"
	}
	if c.Registry.PollSchedule == "" {
		c.Registry.PollSchedule = "*/5 * * * *"
	}
	if c.Registry.GCSchedule == "" {
		c.Registry.GCSchedule = "0 4 * * *"
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "docforge.db"
	}
	if c.Storage.TempDir == "" {
		c.Storage.TempDir = "/tmp/docforge-builds"
	}
	if c.Storage.LockPath == "" {
		c.Storage.LockPath = "/tmp/docforge-sync.lock"
	}
	if c.Daemon.Workers == 0 {
		c.Daemon.Workers = 2
	}
	if c.Daemon.ListenAddr == "" {
		c.Daemon.ListenAddr = ":8480"
	}
	if c.Daemon.Webhook.Path == "" {
		c.Daemon.Webhook.Path = "/webhook/registry"
	}
	if c.Daemon.NATS.Subject == "" {
		c.Daemon.NATS.Subject = "registry.activity"
	}
	if c.Daemon.RebuildSchedule == "" {
		c.Daemon.RebuildSchedule = "0 2 * * *"
	}
	if c.Build.DefaultTarget == "" {
		c.Build.DefaultTarget = "x86_64-unknown-linux-gnu"
	}
	if c.Build.MaxAttempts == 0 {
		c.Build.MaxAttempts = DefaultMaxAttempts
	}
	if c.Build.RetryDelaySeconds == 0 {
		c.Build.RetryDelaySeconds = DefaultRetryDelaySeconds
	}
	if c.Build.MaxQueuedRebuilds == 0 {
		c.Build.MaxQueuedRebuilds = DefaultMaxQueuedRebuilds
	}
	if c.Sandbox.MemoryBytes == 0 {
		c.Sandbox.MemoryBytes = DefaultMemoryBytes
	}
	if c.Sandbox.TimeoutSeconds == 0 {
		c.Sandbox.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.Sandbox.MaxTargets == 0 {
		c.Sandbox.MaxTargets = DefaultMaxTargets
	}
	if c.Sandbox.MaxLogSize == 0 {
		c.Sandbox.MaxLogSize = DefaultMaxLogSize
	}
}
