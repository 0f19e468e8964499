// Package queue implements the persistent build queue. Entries are keyed by
// (name, version) and survive daemon restarts; workers claim entries
// exclusively before building so no release is built twice concurrently.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/docforge/docforge/internal/db"
	"github.com/docforge/docforge/internal/names"
)

// Priorities. Lower values are dequeued first. Newly published releases
// enter at the top of the queue; scheduled rebuilds run behind everything
// a human is waiting on.
const (
	NewReleasePriority = 0
	DefaultPriority    = 5
	RebuildPriority    = 20
)

// Entry is one queued build request.
type Entry struct {
	ID          int64
	Name        string
	Version     string
	Priority    int
	Registry    string
	Attempt     int
	LastAttempt *time.Time
	ClaimedBy   string
	ClaimedAt   *time.Time
	CreatedAt   time.Time
}

// Counts summarizes queue state for status reporting.
type Counts struct {
	Pending    int
	Failed     int
	ByPriority map[int]int
}

// BuildQueue coordinates enqueueing and claiming build work on top of the
// shared database.
type BuildQueue struct {
	store       *db.DB
	maxAttempts int
	retryDelay  time.Duration
}

// New creates a BuildQueue. maxAttempts bounds how often a failing release
// is retried; retryDelay spaces consecutive attempts of the same entry.
func New(store *db.DB, maxAttempts int, retryDelay time.Duration) *BuildQueue {
	return &BuildQueue{store: store, maxAttempts: maxAttempts, retryDelay: retryDelay}
}

// MaxAttempts returns the configured retry bound.
func (q *BuildQueue) MaxAttempts() int { return q.maxAttempts }

// Add enqueues a release. When the version is already queued the existing
// entry keeps its priority and attempt count; the first enqueue wins.
func (q *BuildQueue) Add(ctx context.Context, name, version string, priority int, registry string) error {
	name = names.Normalize(name)
	_, err := q.store.ExecContext(ctx,
		`INSERT INTO queue (name, version, priority, registry, created_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT (name, version) DO UPDATE SET
             registry = COALESCE(excluded.registry, queue.registry)`,
		name, version, priority, nullable(registry), now(),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s-%s: %w", name, version, err)
	}
	return nil
}

// AddForced enqueues a release at the given priority even when it is already
// queued, resetting its attempt counter and dropping any stale claim. Used
// by operators to force a retry.
func (q *BuildQueue) AddForced(ctx context.Context, name, version string, priority int, registry string) error {
	name = names.Normalize(name)
	_, err := q.store.ExecContext(ctx,
		`INSERT INTO queue (name, version, priority, registry, created_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT (name, version) DO UPDATE SET
             priority = excluded.priority,
             registry = COALESCE(excluded.registry, queue.registry),
             attempt = 0,
             last_attempt = NULL,
             claimed_by = NULL,
             claimed_at = NULL`,
		name, version, priority, nullable(registry), now(),
	)
	if err != nil {
		return fmt.Errorf("force enqueue %s-%s: %w", name, version, err)
	}
	return nil
}

// Claim hands the most urgent eligible entry to worker, or nil when nothing
// is eligible. An entry is eligible when it is unclaimed, below the attempt
// bound, and past its retry delay. Entries whose release already built
// successfully are pruned here rather than handed out again.
func (q *BuildQueue) Claim(ctx context.Context, worker string) (*Entry, error) {
	if worker == "" {
		return nil, errors.New("claim: worker name must not be empty")
	}
	for {
		entry, err := q.nextCandidate(ctx)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, nil
		}

		stale, err := q.hasSuccessfulBuild(ctx, entry.Name, entry.Version)
		if err != nil {
			return nil, err
		}
		// Rebuilds carry RebuildPriority and are expected to re-build
		// already-successful releases.
		if stale && entry.Priority != RebuildPriority {
			if err := q.Remove(ctx, entry.ID); err != nil {
				return nil, err
			}
			continue
		}

		res, err := q.store.ExecContext(ctx,
			`UPDATE queue SET claimed_by = ?, claimed_at = ?
             WHERE id = ? AND claimed_by IS NULL`,
			worker, now(), entry.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("claim entry %d: %w", entry.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			// Lost the race to another worker; pick again.
			continue
		}
		entry.ClaimedBy = worker
		return entry, nil
	}
}

func (q *BuildQueue) nextCandidate(ctx context.Context) (*Entry, error) {
	cutoff := time.Now().Add(-q.retryDelay)
	row := q.store.QueryRowContext(ctx,
		`SELECT id, name, version, priority, registry, attempt, last_attempt, claimed_by, claimed_at, created_at
         FROM queue
         WHERE claimed_by IS NULL
           AND attempt < ?
           AND (last_attempt IS NULL OR last_attempt < ?)
         ORDER BY priority ASC, attempt ASC, id ASC
         LIMIT 1`,
		q.maxAttempts, fmtTime(cutoff),
	)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next candidate: %w", err)
	}
	return entry, nil
}

func (q *BuildQueue) hasSuccessfulBuild(ctx context.Context, name, version string) (bool, error) {
	var one int
	err := q.store.QueryRowContext(ctx,
		`SELECT 1 FROM release_build_status s
         JOIN releases r ON r.id = s.release_id
         JOIN packages p ON p.id = r.package_id
         WHERE p.name = ? AND r.version = ? AND s.build_status = 'success'`,
		name, version,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check built %s-%s: %w", name, version, err)
	}
	return true, nil
}

// ReleaseClaim returns a claimed entry to the queue without consuming an
// attempt. Used when a worker hits a transient error before the build ran.
func (q *BuildQueue) ReleaseClaim(ctx context.Context, id int64, worker string) error {
	_, err := q.store.ExecContext(ctx,
		`UPDATE queue SET claimed_by = NULL, claimed_at = NULL
         WHERE id = ? AND claimed_by = ?`,
		id, worker,
	)
	if err != nil {
		return fmt.Errorf("release claim %d: %w", id, err)
	}
	return nil
}

// MarkBuilt removes a completed entry from the queue.
func (q *BuildQueue) MarkBuilt(ctx context.Context, id int64) error {
	return q.Remove(ctx, id)
}

// RecordFailure counts a failed attempt against the entry and returns it to
// the queue. Once the attempt bound is reached the entry stays visible in
// listings but is never claimed again.
func (q *BuildQueue) RecordFailure(ctx context.Context, id int64, worker string) (attemptsLeft int, err error) {
	var attempt int
	err = q.store.QueryRowContext(ctx,
		`UPDATE queue SET attempt = attempt + 1, last_attempt = ?, claimed_by = NULL, claimed_at = NULL
         WHERE id = ? AND claimed_by = ?
         RETURNING attempt`,
		now(), id, worker,
	).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("record failure %d: entry not claimed by %s", id, worker)
	}
	if err != nil {
		return 0, fmt.Errorf("record failure %d: %w", id, err)
	}
	left := q.maxAttempts - attempt
	if left < 0 {
		left = 0
	}
	return left, nil
}

// Remove deletes an entry unconditionally.
func (q *BuildQueue) Remove(ctx context.Context, id int64) error {
	if _, err := q.store.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove entry %d: %w", id, err)
	}
	return nil
}

// Has reports whether (name, version) is currently queued.
func (q *BuildQueue) Has(ctx context.Context, name, version string) (bool, error) {
	var one int
	err := q.store.QueryRowContext(ctx,
		`SELECT 1 FROM queue WHERE name = ? AND version = ?`,
		names.Normalize(name), version,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue lookup %s-%s: %w", name, version, err)
	}
	return true, nil
}

// Entries lists the whole queue in dequeue order, exhausted entries last.
func (q *BuildQueue) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := q.store.QueryContext(ctx,
		`SELECT id, name, version, priority, registry, attempt, last_attempt, claimed_by, claimed_at, created_at
         FROM queue
         ORDER BY (attempt >= ?) ASC, priority ASC, attempt ASC, id ASC`,
		q.maxAttempts,
	)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// GetCounts returns pending and failed totals plus a per-priority breakdown.
func (q *BuildQueue) GetCounts(ctx context.Context) (Counts, error) {
	counts := Counts{ByPriority: map[int]int{}}

	err := q.store.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue WHERE attempt < ?`, q.maxAttempts,
	).Scan(&counts.Pending)
	if err != nil {
		return counts, fmt.Errorf("count pending: %w", err)
	}
	err = q.store.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue WHERE attempt >= ?`, q.maxAttempts,
	).Scan(&counts.Failed)
	if err != nil {
		return counts, fmt.Errorf("count failed: %w", err)
	}

	rows, err := q.store.QueryContext(ctx,
		`SELECT priority, COUNT(*) FROM queue WHERE attempt < ? GROUP BY priority`, q.maxAttempts,
	)
	if err != nil {
		return counts, fmt.Errorf("count by priority: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var priority, count int
		if err := rows.Scan(&priority, &count); err != nil {
			return counts, fmt.Errorf("scan priority count: %w", err)
		}
		counts.ByPriority[priority] = count
	}
	return counts, rows.Err()
}

// Lock pauses all dequeuing until Unlock. Enqueueing stays open.
func (q *BuildQueue) Lock(ctx context.Context) error {
	return q.store.SetConfig(ctx, db.ConfigQueueLocked, "true")
}

// Unlock resumes dequeuing.
func (q *BuildQueue) Unlock(ctx context.Context) error {
	return q.store.SetConfig(ctx, db.ConfigQueueLocked, "false")
}

// IsLocked reports whether dequeuing is paused.
func (q *BuildQueue) IsLocked(ctx context.Context) (bool, error) {
	value, found, err := q.store.GetConfig(ctx, db.ConfigQueueLocked)
	if err != nil {
		return false, err
	}
	return found && value == "true", nil
}

// ReclaimStaleClaims clears claims older than maxAge so entries abandoned by
// a crashed worker become claimable again. Returns how many were reclaimed.
func (q *BuildQueue) ReclaimStaleClaims(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	res, err := q.store.ExecContext(ctx,
		`UPDATE queue SET claimed_by = NULL, claimed_at = NULL
         WHERE claimed_by IS NOT NULL AND claimed_at < ?`,
		fmtTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale claims: %w", err)
	}
	reclaimed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return reclaimed, nil
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*Entry, error) {
	var (
		entry       Entry
		registry    sql.NullString
		lastAttempt sql.NullString
		claimedBy   sql.NullString
		claimedAt   sql.NullString
		createdRaw  string
	)
	if err := scanner.Scan(
		&entry.ID, &entry.Name, &entry.Version, &entry.Priority, &registry,
		&entry.Attempt, &lastAttempt, &claimedBy, &claimedAt, &createdRaw,
	); err != nil {
		return nil, err
	}
	entry.Registry = registry.String
	entry.ClaimedBy = claimedBy.String
	entry.LastAttempt = parseNullableTime(lastAttempt)
	entry.ClaimedAt = parseNullableTime(claimedAt)
	if created, err := time.Parse(time.RFC3339Nano, createdRaw); err == nil {
		entry.CreatedAt = created
	}
	return &entry, nil
}

func parseNullableTime(raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return nil
	}
	return &t
}

// Fixed-width nanoseconds keep the stored strings comparable with < in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func now() string {
	return fmtTime(time.Now())
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
