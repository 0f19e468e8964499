// Package sandbox executes documentation builds under resource limits. Each
// build runs the configured tool in its own process group inside a throwaway
// workspace, with an address-space cap and a wall-clock timeout.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/docforge/docforge/internal/config"
	"github.com/docforge/docforge/internal/db"
	"github.com/docforge/docforge/internal/logfields"
	"github.com/docforge/docforge/internal/queue"
	"github.com/docforge/docforge/internal/version"
)

// Summary reports one build attempt back to the worker loop.
type Summary struct {
	BuildID    string
	Successful bool
	DocTargets []string
}

// Builder turns queue entries into build attempts. The configuration is
// held behind an atomic pointer so limits and tool arguments can be swapped
// at runtime without pausing workers.
type Builder struct {
	store      *db.DB
	cfg        atomic.Pointer[config.Config]
	detectDocs func(dir string) bool
	logger     *slog.Logger
}

// NewBuilder creates a Builder using the configured tool and limits.
func NewBuilder(store *db.DB, cfg *config.Config, logger *slog.Logger) *Builder {
	b := &Builder{store: store, detectDocs: hasDocOutput, logger: logger}
	b.cfg.Store(cfg)
	return b
}

// SetDocsDetector replaces the predicate deciding whether a target's output
// directory counts as usable documentation. The default accepts any
// non-empty directory.
func (b *Builder) SetDocsDetector(fn func(dir string) bool) {
	if fn != nil {
		b.detectDocs = fn
	}
}

// UpdateConfig swaps the build configuration. Builds already running finish
// under the limits they started with.
func (b *Builder) UpdateConfig(cfg *config.Config) {
	b.cfg.Store(cfg)
}

// BuildRelease runs one documentation build for a queue entry and records
// the attempt. A failed build is a recorded outcome, not an error; errors
// mean the attempt could not be recorded or set up at all.
func (b *Builder) BuildRelease(ctx context.Context, entry queue.Entry, worker string) (Summary, error) {
	cfg := b.cfg.Load()

	release, err := b.store.GetRelease(ctx, entry.Name, entry.Version)
	if err != nil {
		return Summary{}, err
	}
	if release == nil {
		// Manually enqueued entries may predate any sync of the release.
		releaseID, initErr := b.store.InitializeRelease(ctx, entry.Name, entry.Version, db.ReleaseMeta{IsLibrary: true})
		if initErr != nil {
			return Summary{}, initErr
		}
		release, err = b.store.GetRelease(ctx, entry.Name, entry.Version)
		if err != nil {
			return Summary{}, err
		}
		if release == nil {
			return Summary{}, fmt.Errorf("release %d vanished after initialization", releaseID)
		}
	}

	overrides, err := b.store.OverridesForPackage(ctx, entry.Name)
	if err != nil {
		return Summary{}, err
	}
	limits := LimitsFromConfig(cfg.Sandbox).WithOverrides(overrides)

	buildID, err := b.store.InitializeBuild(ctx, release.ID, cfg.Build.Toolchain, version.Version, worker)
	if err != nil {
		return Summary{}, err
	}
	b.logger.Info("build started",
		logfields.BuildID(buildID),
		logfields.Package(release.PackageName),
		logfields.Version(release.Version),
		logfields.Worker(worker),
	)

	output := newLogBuffer(limits.MaxLogSize)
	summary, buildErr := b.run(ctx, cfg, release, limits, output)
	summary.BuildID = buildID
	if buildErr != nil {
		// The tool never ran to completion (workspace or startup failure).
		// Transient infrastructure errors are not build attempts: discard
		// the row so they neither consume retries nor flip the release
		// status.
		if delErr := b.store.DeleteBuild(ctx, buildID); delErr != nil {
			b.logger.Error("discard aborted build",
				logfields.BuildID(buildID), logfields.Error(delErr))
		}
		return Summary{}, buildErr
	}

	status := db.BuildFailure
	if summary.Successful {
		status = db.BuildSuccess
	}
	if err := b.store.FinishBuild(ctx, buildID, status, output.String()); err != nil {
		return summary, err
	}
	if summary.Successful && len(summary.DocTargets) > 0 {
		if err := b.store.FinishReleaseDocs(ctx, release.ID, cfg.Build.DefaultTarget, summary.DocTargets); err != nil {
			return summary, err
		}
	}

	b.logger.Info("build finished",
		logfields.BuildID(buildID),
		logfields.Package(release.PackageName),
		logfields.Version(release.Version),
		slog.String("status", string(status)),
	)
	return summary, buildErr
}

func (b *Builder) run(ctx context.Context, cfg *config.Config, release *db.Release, limits Limits, output *logBuffer) (Summary, error) {
	// Binary-only packages have no API to document; their attempt succeeds
	// without producing docs.
	if !release.IsLibrary {
		fmt.Fprintf(output, "%s-%s is not a library, nothing to document\n", release.PackageName, release.Version)
		return Summary{Successful: true}, nil
	}

	workspace, err := os.MkdirTemp(cfg.Storage.TempDir, "build-")
	if err != nil {
		return Summary{}, fmt.Errorf("create build workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	targets := buildTargets(cfg.Build, limits)
	summary := Summary{}
	for i, target := range targets {
		outDir := filepath.Join(workspace, "doc", target)
		fmt.Fprintf(output, "=== building %s-%s for %s ===\n", release.PackageName, release.Version, target)

		ok, runErr := runTool(ctx, cfg.Build, release, target, outDir, limits, output)
		if runErr != nil {
			return summary, runErr
		}
		if ok && b.detectDocs(outDir) {
			summary.DocTargets = append(summary.DocTargets, target)
		} else if ok {
			fmt.Fprintf(output, "tool exited cleanly but produced no documentation for %s\n", target)
			ok = false
		}

		// The default target decides the attempt; extra targets are best
		// effort.
		if i == 0 {
			summary.Successful = ok
			if !ok {
				break
			}
		}
	}
	return summary, nil
}

// buildTargets returns the build target list: the default target first,
// then extras, capped by the limit.
func buildTargets(build config.BuildConfig, limits Limits) []string {
	targets := []string{build.DefaultTarget}
	for _, extra := range build.ExtraTargets {
		if extra == build.DefaultTarget {
			continue
		}
		targets = append(targets, extra)
	}
	if len(targets) > limits.MaxTargets {
		targets = targets[:limits.MaxTargets]
	}
	return targets
}

// runTool executes one tool invocation under the limits. The returned bool
// is the tool's verdict; a non-nil error means the invocation could not be
// carried out.
func runTool(ctx context.Context, build config.BuildConfig, release *db.Release, target, outDir string, limits Limits, output *logBuffer) (bool, error) {
	args := make([]string, 0, len(build.Args))
	replacer := strings.NewReplacer(
		"{package}", release.PackageName,
		"{version}", release.Version,
		"{target}", target,
		"{output}", outDir,
	)
	for _, arg := range build.Args {
		args = append(args, replacer.Replace(arg))
	}

	cmd := buildCommand(build.Tool, args, limits.MemoryBytes)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start %s: %w", build.Tool, err)
	}
	pgid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(limits.Timeout)
	defer timer.Stop()

	var timedOut, canceled bool
	select {
	case err := <-done:
		if err == nil {
			return true, nil
		}
		fmt.Fprintf(output, "tool failed: %v\n", err)
		return false, nil
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		canceled = true
	}

	killProcessGroup(pgid)
	<-done
	if timedOut {
		fmt.Fprintf(output, "build timed out after %s\n", limits.Timeout)
		return false, nil
	}
	if canceled {
		return false, ctx.Err()
	}
	return false, nil
}

// buildCommand prepares the tool invocation. With a memory ceiling the tool
// runs behind a shell that sets the address-space ulimit and execs, so the
// limit is inherited and in place before the tool's first instruction.
func buildCommand(tool string, args []string, memoryBytes int64) *exec.Cmd {
	if memoryBytes <= 0 {
		return exec.Command(tool, args...)
	}
	kib := (memoryBytes + 1023) / 1024
	shellArgs := append(
		[]string{"-c", `ulimit -v "$0" && exec "$@"`, strconv.FormatInt(kib, 10), tool},
		args...,
	)
	return exec.Command("/bin/sh", shellArgs...)
}

// killProcessGroup kills the tool and everything it spawned.
func killProcessGroup(pgid int) {
	_ = unix.Kill(-pgid, unix.SIGKILL)
}

func hasDocOutput(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}
