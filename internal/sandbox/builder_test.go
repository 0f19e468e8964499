package sandbox

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docforge/docforge/internal/config"
	"github.com/docforge/docforge/internal/db"
	"github.com/docforge/docforge/internal/queue"
)

func testConfig(t *testing.T, script string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Build = config.BuildConfig{
		Tool:          "/bin/sh",
		Args:          []string{"-c", script},
		Toolchain:     "test-toolchain",
		DefaultTarget: "x86_64-unknown-linux-gnu",
		MaxAttempts:   5,
	}
	cfg.Sandbox = config.SandboxConfig{
		TimeoutSeconds: 10,
		MaxTargets:     2,
		MaxLogSize:     64 * 1024,
	}
	cfg.Storage.TempDir = t.TempDir()
	return cfg
}

func newTestBuilder(t *testing.T, cfg *config.Config) (*Builder, *db.DB) {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBuilder(store, cfg, logger), store
}

func TestBuildReleaseSuccess(t *testing.T) {
	cfg := testConfig(t, `mkdir -p {output} && echo docs > {output}/index.html && echo built {package}-{version} for {target}`)
	builder, store := newTestBuilder(t, cfg)
	ctx := context.Background()

	_, err := store.InitializeRelease(ctx, "serde", "1.0.0", db.ReleaseMeta{IsLibrary: true})
	require.NoError(t, err)

	summary, err := builder.BuildRelease(ctx, queue.Entry{Name: "serde", Version: "1.0.0"}, "w1")
	require.NoError(t, err)
	assert.True(t, summary.Successful)
	assert.Equal(t, []string{"x86_64-unknown-linux-gnu"}, summary.DocTargets)

	release, err := store.GetRelease(ctx, "serde", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "x86_64-unknown-linux-gnu", release.DefaultTarget)

	status, err := store.GetReleaseStatus(ctx, release.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BuildSuccess, status.BuildStatus)

	builds, err := store.BuildsForRelease(ctx, release.ID)
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Contains(t, builds[0].Log, "built serde-1.0.0")
	assert.Equal(t, "test-toolchain", builds[0].ToolchainVersion)
	assert.Equal(t, "w1", builds[0].Worker)
}

func TestBuildReleaseFailure(t *testing.T) {
	cfg := testConfig(t, `echo compile error >&2; exit 1`)
	builder, store := newTestBuilder(t, cfg)
	ctx := context.Background()

	_, err := store.InitializeRelease(ctx, "broken", "0.1.0", db.ReleaseMeta{IsLibrary: true})
	require.NoError(t, err)

	summary, err := builder.BuildRelease(ctx, queue.Entry{Name: "broken", Version: "0.1.0"}, "w1")
	require.NoError(t, err)
	assert.False(t, summary.Successful)

	release, err := store.GetRelease(ctx, "broken", "0.1.0")
	require.NoError(t, err)
	status, err := store.GetReleaseStatus(ctx, release.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BuildFailure, status.BuildStatus)

	builds, err := store.BuildsForRelease(ctx, release.ID)
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Contains(t, builds[0].Log, "compile error")
}

func TestBuildReleaseNoDocOutputFails(t *testing.T) {
	cfg := testConfig(t, `true`)
	builder, store := newTestBuilder(t, cfg)
	ctx := context.Background()

	_, err := store.InitializeRelease(ctx, "empty", "0.1.0", db.ReleaseMeta{IsLibrary: true})
	require.NoError(t, err)

	summary, err := builder.BuildRelease(ctx, queue.Entry{Name: "empty", Version: "0.1.0"}, "w1")
	require.NoError(t, err)
	assert.False(t, summary.Successful)
}

func TestBuildReleaseTimeout(t *testing.T) {
	cfg := testConfig(t, `sleep 30`)
	cfg.Sandbox.TimeoutSeconds = 1
	builder, store := newTestBuilder(t, cfg)
	ctx := context.Background()

	_, err := store.InitializeRelease(ctx, "slow", "0.1.0", db.ReleaseMeta{IsLibrary: true})
	require.NoError(t, err)

	summary, err := builder.BuildRelease(ctx, queue.Entry{Name: "slow", Version: "0.1.0"}, "w1")
	require.NoError(t, err)
	assert.False(t, summary.Successful)

	release, err := store.GetRelease(ctx, "slow", "0.1.0")
	require.NoError(t, err)
	builds, err := store.BuildsForRelease(ctx, release.ID)
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Contains(t, builds[0].Log, "timed out")
}

func TestBuildReleaseNonLibrary(t *testing.T) {
	cfg := testConfig(t, `exit 1`)
	builder, store := newTestBuilder(t, cfg)
	ctx := context.Background()

	_, err := store.InitializeRelease(ctx, "cli-tool", "2.0.0", db.ReleaseMeta{IsLibrary: false})
	require.NoError(t, err)

	// The tool would fail, but it never runs for non-libraries.
	summary, err := builder.BuildRelease(ctx, queue.Entry{Name: "cli-tool", Version: "2.0.0"}, "w1")
	require.NoError(t, err)
	assert.True(t, summary.Successful)
	assert.Empty(t, summary.DocTargets)

	release, err := store.GetRelease(ctx, "cli-tool", "2.0.0")
	require.NoError(t, err)
	status, err := store.GetReleaseStatus(ctx, release.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BuildSuccess, status.BuildStatus)
}

func TestBuildReleaseUnknownReleaseIsRegistered(t *testing.T) {
	cfg := testConfig(t, `mkdir -p {output} && echo docs > {output}/x`)
	builder, store := newTestBuilder(t, cfg)
	ctx := context.Background()

	summary, err := builder.BuildRelease(ctx, queue.Entry{Name: "manual", Version: "0.0.1"}, "w1")
	require.NoError(t, err)
	assert.True(t, summary.Successful)

	release, err := store.GetRelease(ctx, "manual", "0.0.1")
	require.NoError(t, err)
	assert.NotNil(t, release)
}

func TestBuildReleaseExtraTargets(t *testing.T) {
	cfg := testConfig(t, `mkdir -p {output} && echo docs > {output}/index.html`)
	cfg.Build.ExtraTargets = []string{"aarch64-unknown-linux-gnu", "x86_64-pc-windows-msvc"}
	cfg.Sandbox.MaxTargets = 2
	builder, store := newTestBuilder(t, cfg)
	ctx := context.Background()

	_, err := store.InitializeRelease(ctx, "multi", "1.0.0", db.ReleaseMeta{IsLibrary: true})
	require.NoError(t, err)

	summary, err := builder.BuildRelease(ctx, queue.Entry{Name: "multi", Version: "1.0.0"}, "w1")
	require.NoError(t, err)
	assert.True(t, summary.Successful)
	// Capped at two targets: default plus one extra.
	assert.Equal(t, []string{"x86_64-unknown-linux-gnu", "aarch64-unknown-linux-gnu"}, summary.DocTargets)
}

func TestBuildLogIsCapped(t *testing.T) {
	cfg := testConfig(t, `yes spam | head -n 10000; mkdir -p {output} && echo docs > {output}/x`)
	cfg.Sandbox.MaxLogSize = 1024
	builder, store := newTestBuilder(t, cfg)
	ctx := context.Background()

	_, err := store.InitializeRelease(ctx, "noisy", "1.0.0", db.ReleaseMeta{IsLibrary: true})
	require.NoError(t, err)

	_, err = builder.BuildRelease(ctx, queue.Entry{Name: "noisy", Version: "1.0.0"}, "w1")
	require.NoError(t, err)

	release, err := store.GetRelease(ctx, "noisy", "1.0.0")
	require.NoError(t, err)
	builds, err := store.BuildsForRelease(ctx, release.ID)
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.LessOrEqual(t, len(builds[0].Log), 2048)
	assert.Contains(t, builds[0].Log, "log truncated")
}

func TestBuildReleaseToolStartFailureLeavesNoAttempt(t *testing.T) {
	cfg := testConfig(t, `true`)
	cfg.Build.Tool = "/nonexistent/docgen"
	builder, store := newTestBuilder(t, cfg)
	ctx := context.Background()

	_, err := store.InitializeRelease(ctx, "ghost", "1.0.0", db.ReleaseMeta{IsLibrary: true})
	require.NoError(t, err)

	// A tool that cannot start is a transient setup error, not a build
	// outcome: no attempt row may survive and the release must not be
	// marked failed.
	for i := 0; i < 3; i++ {
		_, err = builder.BuildRelease(ctx, queue.Entry{Name: "ghost", Version: "1.0.0"}, "w1")
		require.Error(t, err)
	}

	release, err := store.GetRelease(ctx, "ghost", "1.0.0")
	require.NoError(t, err)
	builds, err := store.BuildsForRelease(ctx, release.ID)
	require.NoError(t, err)
	assert.Empty(t, builds)

	status, err := store.GetReleaseStatus(ctx, release.ID)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, db.BuildInProgress, status.BuildStatus)
}

func TestBuildReleaseWithMemoryLimit(t *testing.T) {
	cfg := testConfig(t, `mkdir -p {output} && echo docs > {output}/index.html && echo built {package}-{version}`)
	cfg.Sandbox.MemoryBytes = 1 << 30
	builder, store := newTestBuilder(t, cfg)
	ctx := context.Background()

	_, err := store.InitializeRelease(ctx, "bounded", "1.0.0", db.ReleaseMeta{IsLibrary: true})
	require.NoError(t, err)

	// The ulimit wrapper must pass the tool and its substituted arguments
	// through unchanged.
	summary, err := builder.BuildRelease(ctx, queue.Entry{Name: "bounded", Version: "1.0.0"}, "w1")
	require.NoError(t, err)
	assert.True(t, summary.Successful)

	release, err := store.GetRelease(ctx, "bounded", "1.0.0")
	require.NoError(t, err)
	builds, err := store.BuildsForRelease(ctx, release.ID)
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Contains(t, builds[0].Log, "built bounded-1.0.0")
}
