package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/docforge/docforge/internal/logfields"
	"github.com/docforge/docforge/internal/metrics"
)

// workerIdlePoll is how long an idle worker waits before checking the queue
// again.
const workerIdlePoll = 5 * time.Second

// runWorker claims and builds queue entries until ctx is done. Each claim is
// exclusive; two workers never build the same release concurrently.
func (d *Daemon) runWorker(ctx context.Context, name string) {
	logger := d.logger.With(logfields.Worker(name))
	logger.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopped")
			return
		default:
		}

		processed, err := d.processNext(ctx, name, logger)
		if err != nil {
			logger.Error("worker iteration failed", logfields.Error(err))
		}
		if !processed {
			select {
			case <-ctx.Done():
			case <-time.After(workerIdlePoll):
			}
		}
	}
}

// processNext handles at most one queue entry. It reports whether an entry
// was processed so the caller can idle when the queue is empty or locked.
func (d *Daemon) processNext(ctx context.Context, worker string, logger *slog.Logger) (bool, error) {
	locked, err := d.queue.IsLocked(ctx)
	if err != nil {
		return false, err
	}
	if locked {
		return false, nil
	}

	entry, err := d.queue.Claim(ctx, worker)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	started := time.Now()
	summary, err := d.builder.BuildRelease(ctx, *entry, worker)
	if err != nil {
		// The attempt could not run at all; hand the entry back without
		// spending one of its attempts and idle before trying again, so a
		// persistent setup failure (missing tool, full disk) does not spin.
		logger.Warn("build aborted, returning entry to queue",
			logfields.Package(entry.Name), logfields.Version(entry.Version),
			logfields.Error(err))
		if releaseErr := d.queue.ReleaseClaim(ctx, entry.ID, worker); releaseErr != nil {
			logger.Error("release claim failed", logfields.Error(releaseErr))
		}
		return false, nil
	}

	d.recorder.ObserveBuildDuration(time.Since(started))
	if summary.Successful {
		d.recorder.IncBuildOutcome(metrics.OutcomeSuccess)
		if err := d.queue.MarkBuilt(ctx, entry.ID); err != nil {
			return true, err
		}
		return true, nil
	}

	d.recorder.IncBuildOutcome(metrics.OutcomeFailure)
	attemptsLeft, err := d.queue.RecordFailure(ctx, entry.ID, worker)
	if err != nil {
		return true, err
	}
	logger.Warn("build failed",
		logfields.Package(entry.Name), logfields.Version(entry.Version),
		logfields.BuildID(summary.BuildID),
		logfields.Attempt(entry.Attempt+1),
		slog.Int("attempts_left", attemptsLeft))
	return true, nil
}
