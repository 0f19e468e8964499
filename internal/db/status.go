package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ReleaseStatus is the aggregated build outcome of a release, derived from
// all of its attempts. One success outweighs any number of failures; a
// failure outweighs attempts still running.
type ReleaseStatus struct {
	ReleaseID     int64
	BuildStatus   BuildStatus
	LastBuildTime *time.Time
}

const recomputeStatusSQL = `
INSERT INTO release_build_status (release_id, build_status, last_build_time)
SELECT r.id,
    CASE
        WHEN EXISTS (SELECT 1 FROM builds b WHERE b.release_id = r.id AND b.status = 'success') THEN 'success'
        WHEN EXISTS (SELECT 1 FROM builds b WHERE b.release_id = r.id AND b.status = 'failure') THEN 'failure'
        ELSE 'in_progress'
    END,
    (SELECT MAX(b.finished_at) FROM builds b WHERE b.release_id = r.id AND b.finished_at IS NOT NULL)
FROM releases r WHERE r.id = ?
ON CONFLICT (release_id) DO UPDATE SET
    build_status = excluded.build_status,
    last_build_time = excluded.last_build_time`

// RecomputeReleaseStatus re-derives the aggregated status row from the
// builds table. It is idempotent; calling it twice yields the same row.
func (d *DB) RecomputeReleaseStatus(ctx context.Context, releaseID int64) error {
	if _, err := d.ExecContext(ctx, recomputeStatusSQL, releaseID); err != nil {
		return fmt.Errorf("recompute release status: %w", err)
	}
	return nil
}

func recomputeReleaseStatusTx(ctx context.Context, tx *sql.Tx, releaseID int64) error {
	if _, err := tx.ExecContext(ctx, recomputeStatusSQL, releaseID); err != nil {
		return fmt.Errorf("recompute release status: %w", err)
	}
	return nil
}

// GetReleaseStatus returns the aggregated status row, or nil when the
// release has no recorded attempts yet.
func (d *DB) GetReleaseStatus(ctx context.Context, releaseID int64) (*ReleaseStatus, error) {
	var (
		status ReleaseStatus
		raw    string
		last   sql.NullString
	)
	err := d.QueryRowContext(ctx,
		`SELECT release_id, build_status, last_build_time FROM release_build_status WHERE release_id = ?`,
		releaseID,
	).Scan(&status.ReleaseID, &raw, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get release status: %w", err)
	}
	status.BuildStatus = BuildStatus(raw)
	status.LastBuildTime = nullableTimePtr(last)
	return &status, nil
}

// RebuildCandidate identifies a release eligible for a scheduled rebuild.
type RebuildCandidate struct {
	ReleaseID int64
	Name      string
	Version   string
}

// RebuildCandidates returns successfully built library releases whose last
// build predates cutoff, oldest build first, up to limit rows.
func (d *DB) RebuildCandidates(ctx context.Context, cutoff time.Time, limit int) ([]RebuildCandidate, error) {
	rows, err := d.QueryContext(ctx,
		`SELECT r.id, p.name, r.version
         FROM release_build_status s
         JOIN releases r ON r.id = s.release_id
         JOIN packages p ON p.id = r.package_id
         WHERE s.build_status = 'success'
           AND s.last_build_time IS NOT NULL
           AND s.last_build_time < ?
           AND r.yanked = 0
           AND r.is_library = 1
         ORDER BY s.last_build_time ASC
         LIMIT ?`,
		fmtTime(cutoff), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list rebuild candidates: %w", err)
	}
	defer rows.Close()

	var candidates []RebuildCandidate
	for rows.Next() {
		var c RebuildCandidate
		if err := rows.Scan(&c.ReleaseID, &c.Name, &c.Version); err != nil {
			return nil, fmt.Errorf("scan rebuild candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}
