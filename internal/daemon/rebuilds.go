package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/docforge/docforge/internal/logfields"
	"github.com/docforge/docforge/internal/queue"
)

// rebuildAge is how old a successful build must be before the release
// becomes a rebuild candidate.
const rebuildAge = 90 * 24 * time.Hour

// queueRebuilds tops the queue up with background rebuilds of stale docs.
// Rebuilds run at the lowest priority and never crowd out fresh releases;
// the number queued at once is bounded so the queue stays inspectable.
func (d *Daemon) queueRebuilds(ctx context.Context) error {
	counts, err := d.queue.GetCounts(ctx)
	if err != nil {
		return err
	}
	budget := d.cfg.Build.MaxQueuedRebuilds - counts.ByPriority[queue.RebuildPriority]
	if budget <= 0 {
		return nil
	}

	cutoff := time.Now().Add(-rebuildAge)
	candidates, err := d.store.RebuildCandidates(ctx, cutoff, budget)
	if err != nil {
		return err
	}

	queued := 0
	for _, candidate := range candidates {
		already, err := d.queue.Has(ctx, candidate.Name, candidate.Version)
		if err != nil {
			return err
		}
		if already {
			continue
		}
		if err := d.queue.Add(ctx, candidate.Name, candidate.Version, queue.RebuildPriority, d.cfg.Registry.Name); err != nil {
			return err
		}
		queued++
	}
	if queued > 0 {
		d.recorder.AddEnqueued(queued)
		d.logger.Info("queued background rebuilds", slog.Int("count", queued),
			logfields.Priority(queue.RebuildPriority))
	}
	return nil
}
