package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/docforge/docforge/internal/config"
	"github.com/docforge/docforge/internal/db"
)

func baseLimits() Limits {
	return LimitsFromConfig(config.SandboxConfig{
		MemoryBytes:    3 << 30,
		TimeoutSeconds: 900,
		MaxTargets:     10,
		MaxLogSize:     100 * 1024,
	})
}

func TestLimitsFromConfig(t *testing.T) {
	limits := baseLimits()
	assert.Equal(t, int64(3<<30), limits.MemoryBytes)
	assert.Equal(t, 15*time.Minute, limits.Timeout)
	assert.Equal(t, 10, limits.MaxTargets)
	assert.Equal(t, int64(100*1024), limits.MaxLogSize)
}

func TestWithOverridesNil(t *testing.T) {
	limits := baseLimits()
	assert.Equal(t, limits, limits.WithOverrides(nil))
}

func TestWithOverridesMemory(t *testing.T) {
	memory := int64(8 << 30)
	limits := baseLimits().WithOverrides(&db.Overrides{MemoryBytes: &memory})
	assert.Equal(t, memory, limits.MemoryBytes)
	assert.Equal(t, 10, limits.MaxTargets)
}

func TestWithOverridesTimeoutRestrictsTargets(t *testing.T) {
	timeout := 3600
	limits := baseLimits().WithOverrides(&db.Overrides{TimeoutSeconds: &timeout})
	assert.Equal(t, time.Hour, limits.Timeout)
	assert.Equal(t, 1, limits.MaxTargets)
}

func TestWithOverridesTimeoutAndTargets(t *testing.T) {
	timeout := 3600
	targets := 4
	limits := baseLimits().WithOverrides(&db.Overrides{TimeoutSeconds: &timeout, MaxTargets: &targets})
	assert.Equal(t, time.Hour, limits.Timeout)
	assert.Equal(t, 4, limits.MaxTargets)
}

func TestLogBufferCap(t *testing.T) {
	buf := newLogBuffer(10)
	n, err := buf.Write([]byte("0123456789abcdef"))
	assert.NoError(t, err)
	assert.Equal(t, 16, n)
	out := buf.String()
	assert.Contains(t, out, "0123456789")
	assert.Contains(t, out, "truncated")
	assert.Contains(t, out, "6 bytes")
}
