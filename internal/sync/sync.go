// Package sync walks the registry index forward and turns its changes into
// queued builds. The position in the index is a checkpoint held in the
// database, so a restarted daemon resumes exactly where it stopped.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"

	"github.com/docforge/docforge/internal/db"
	"github.com/docforge/docforge/internal/logfields"
	"github.com/docforge/docforge/internal/queue"
	"github.com/docforge/docforge/internal/registry"
)

// Stats summarizes one synchronization run.
type Stats struct {
	Checkpoint  string
	Baselined   bool
	Skipped     bool
	Enqueued    int
	Yanked      int
	Deleted     int
	Blacklisted int
}

// Syncer advances the registry checkpoint and enqueues builds for new
// releases.
type Syncer struct {
	store        *db.DB
	buildQueue   *queue.BuildQueue
	index        *registry.Index
	registryName string
	lock         *flock.Flock
	logger       *slog.Logger
}

// New creates a Syncer. lockPath is a filesystem lock shared by every
// process that may sync against the same database.
func New(store *db.DB, buildQueue *queue.BuildQueue, index *registry.Index, registryName, lockPath string, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:        store,
		buildQueue:   buildQueue,
		index:        index,
		registryName: registryName,
		lock:         flock.New(lockPath),
		logger:       logger,
	}
}

// Run performs one synchronization pass: refresh the index clone, diff it
// against the stored checkpoint, apply the changes, and advance the
// checkpoint. Concurrent runs are collapsed; a run that finds the lock held
// returns immediately with Skipped set.
func (s *Syncer) Run(ctx context.Context) (Stats, error) {
	locked, err := s.lock.TryLock()
	if err != nil {
		return Stats{}, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !locked {
		s.logger.Debug("sync already running, skipping", logfields.Registry(s.registryName))
		return Stats{Skipped: true}, nil
	}
	defer func() {
		if unlockErr := s.lock.Unlock(); unlockErr != nil {
			s.logger.Warn("release sync lock", logfields.Error(unlockErr))
		}
	}()

	started := time.Now()
	if err := s.index.Refresh(ctx); err != nil {
		return Stats{}, err
	}

	checkpoint, found, err := s.store.GetConfig(ctx, db.ConfigLastSeenReference)
	if err != nil {
		return Stats{}, err
	}
	if !found {
		return s.baseline(ctx)
	}

	changes, head, err := s.index.Diff(ctx, checkpoint)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Checkpoint: head}
	if changes.Empty() {
		if head != checkpoint {
			if err := s.advanceCheckpoint(ctx, checkpoint, head); err != nil {
				return stats, err
			}
		}
		return stats, nil
	}

	if err := s.apply(ctx, changes, &stats); err != nil {
		return stats, err
	}
	if err := s.advanceCheckpoint(ctx, checkpoint, head); err != nil {
		return stats, err
	}

	s.logger.Info("registry sync finished",
		logfields.Registry(s.registryName),
		logfields.Checkpoint(head),
		logfields.DurationMS(time.Since(started)),
		slog.Int("enqueued", stats.Enqueued),
		slog.Int("yanked", stats.Yanked),
	)
	return stats, nil
}

// baseline records the current index head as the checkpoint without
// enqueueing anything. Backfilling the full index is an operator decision,
// not something a fresh daemon does on its own.
func (s *Syncer) baseline(ctx context.Context) (Stats, error) {
	head, err := s.index.Head()
	if err != nil {
		return Stats{}, err
	}
	ok, err := s.store.CompareAndSetConfig(ctx, db.ConfigLastSeenReference, "", head)
	if err != nil {
		return Stats{}, err
	}
	if !ok {
		s.logger.Debug("checkpoint baselined by another process", logfields.Registry(s.registryName))
		return Stats{Skipped: true}, nil
	}
	s.logger.Info("baselined registry checkpoint",
		logfields.Registry(s.registryName), logfields.Checkpoint(head))
	return Stats{Checkpoint: head, Baselined: true}, nil
}

func (s *Syncer) apply(ctx context.Context, changes *registry.ChangeSet, stats *Stats) error {
	for _, record := range changes.Added {
		enqueued, err := s.applyAddition(ctx, record)
		if err != nil {
			return err
		}
		if enqueued {
			stats.Enqueued++
		} else {
			stats.Blacklisted++
		}
	}

	for _, change := range changes.YankChanges {
		updated, err := s.store.SetYanked(ctx, change.Name, change.Version, change.Yanked)
		if err != nil {
			return err
		}
		if !updated {
			s.logger.Debug("yank change for unknown release",
				logfields.Package(change.Name), logfields.Version(change.Version))
			continue
		}
		stats.Yanked++
	}

	// The index dropping a release never deletes local data. Removal is an
	// explicit administrative action.
	for _, ref := range changes.DeletedReleases {
		s.logger.Warn("release removed from index, keeping local data",
			logfields.Package(ref.Name), logfields.Version(ref.Version))
		stats.Deleted++
	}
	for _, name := range changes.DeletedPackages {
		s.logger.Warn("package removed from index, keeping local data", logfields.Package(name))
	}
	return nil
}

func (s *Syncer) applyAddition(ctx context.Context, record registry.Record) (bool, error) {
	blacklisted, err := s.store.IsBlacklisted(ctx, record.Name)
	if err != nil {
		return false, err
	}
	if blacklisted {
		s.logger.Info("skipping blacklisted package",
			logfields.Package(record.Name), logfields.Version(record.Version))
		return false, nil
	}

	priority, err := s.resolvePriority(ctx, record.Name, record.Version)
	if err != nil {
		return false, err
	}

	meta := db.ReleaseMeta{
		Yanked:       record.Yanked,
		IsLibrary:    record.Library(),
		Dependencies: record.Dependencies,
	}
	if _, err := s.store.InitializeRelease(ctx, record.Name, record.Version, meta); err != nil {
		return false, err
	}
	if err := s.buildQueue.Add(ctx, record.Name, record.Version, priority, s.registryName); err != nil {
		return false, err
	}
	s.logger.Info("enqueued release",
		logfields.Package(record.Name), logfields.Version(record.Version),
		logfields.Priority(priority))
	return true, nil
}

// resolvePriority picks the queue priority for an indexed release. A
// genuinely new release always takes the most urgent priority, even when an
// operator rule matches; rules and the baseline only apply to versions the
// data model already knows (re-synchronized or re-published releases).
func (s *Syncer) resolvePriority(ctx context.Context, name, version string) (int, error) {
	exists, err := s.store.ReleaseExists(ctx, name, version)
	if err != nil {
		return 0, err
	}
	if !exists {
		return queue.NewReleasePriority, nil
	}
	if priority, matched, err := s.store.PriorityForPackage(ctx, name); err != nil {
		return 0, err
	} else if matched {
		return priority, nil
	}
	return queue.DefaultPriority, nil
}

func (s *Syncer) advanceCheckpoint(ctx context.Context, from, to string) error {
	ok, err := s.store.CompareAndSetConfig(ctx, db.ConfigLastSeenReference, from, to)
	if err != nil {
		return err
	}
	if !ok {
		// Enqueueing is idempotent, so a lost checkpoint race only means
		// another process already covered this range.
		s.logger.Warn("checkpoint advanced by another process",
			logfields.Registry(s.registryName), logfields.Checkpoint(to))
	}
	return nil
}
