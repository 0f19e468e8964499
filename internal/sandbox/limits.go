package sandbox

import (
	"time"

	"github.com/docforge/docforge/internal/config"
	"github.com/docforge/docforge/internal/db"
)

// Limits bound a single build's resource usage.
type Limits struct {
	MemoryBytes int64
	Timeout     time.Duration
	MaxTargets  int
	MaxLogSize  int64
}

// LimitsFromConfig derives the default limits from configuration.
func LimitsFromConfig(cfg config.SandboxConfig) Limits {
	return Limits{
		MemoryBytes: cfg.MemoryBytes,
		Timeout:     cfg.Timeout(),
		MaxTargets:  cfg.MaxTargets,
		MaxLogSize:  int64(cfg.MaxLogSize),
	}
}

// WithOverrides applies per-package overrides. An extended timeout without
// an explicit target count restricts the build to a single target, so a slow
// package cannot hold a worker for timeout times targets.
func (l Limits) WithOverrides(o *db.Overrides) Limits {
	if o == nil {
		return l
	}
	if o.MemoryBytes != nil {
		l.MemoryBytes = *o.MemoryBytes
	}
	if o.TimeoutSeconds != nil {
		l.Timeout = time.Duration(*o.TimeoutSeconds) * time.Second
		if o.MaxTargets == nil {
			l.MaxTargets = 1
		}
	}
	if o.MaxTargets != nil {
		l.MaxTargets = *o.MaxTargets
	}
	return l
}
