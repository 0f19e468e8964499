package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BuildStatus is the lifecycle state of one build attempt.
type BuildStatus string

const (
	BuildInProgress BuildStatus = "in_progress"
	BuildSuccess    BuildStatus = "success"
	BuildFailure    BuildStatus = "failure"
)

// Terminal reports whether the status is a final outcome.
func (s BuildStatus) Terminal() bool {
	return s == BuildSuccess || s == BuildFailure
}

// Build is one attempt at producing documentation for a release.
type Build struct {
	ID               string
	ReleaseID        int64
	Status           BuildStatus
	ToolchainVersion string
	BuilderVersion   string
	Worker           string
	StartedAt        time.Time
	FinishedAt       *time.Time
	Log              string
}

// InitializeBuild records a new in-progress attempt for the release and
// refreshes the release's aggregated status, so observers see the build the
// moment it starts.
func (d *DB) InitializeBuild(ctx context.Context, releaseID int64, toolchain, builderVersion, worker string) (string, error) {
	buildID := uuid.NewString()
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO builds (id, release_id, status, toolchain_version, builder_version, worker, started_at)
             VALUES (?, ?, ?, ?, ?, ?, ?)`,
			buildID, releaseID, string(BuildInProgress),
			nullableString(toolchain), nullableString(builderVersion), nullableString(worker),
			fmtTime(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("insert build: %w", err)
		}
		return recomputeReleaseStatusTx(ctx, tx, releaseID)
	})
	if err != nil {
		return "", err
	}
	return buildID, nil
}

// FinishBuild moves a build to its terminal status, attaches the captured
// log, and recomputes the release's aggregated status in the same
// transaction.
func (d *DB) FinishBuild(ctx context.Context, buildID string, status BuildStatus, log string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish build %s: status %q is not terminal", buildID, status)
	}
	return d.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE builds SET status = ?, finished_at = ?, log = ?
             WHERE id = ? AND status = ?`,
			string(status), fmtTime(time.Now()), nullableString(log),
			buildID, string(BuildInProgress),
		)
		if err != nil {
			return fmt.Errorf("finish build %s: %w", buildID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("finish build %s: no in-progress build found", buildID)
		}

		var releaseID int64
		if err := tx.QueryRowContext(ctx, `SELECT release_id FROM builds WHERE id = ?`, buildID).Scan(&releaseID); err != nil {
			return fmt.Errorf("lookup build release: %w", err)
		}
		return recomputeReleaseStatusTx(ctx, tx, releaseID)
	})
}

// DeleteBuild removes a build row and re-derives the release's aggregated
// status. Used when setup fails before the tool ever ran: such an attempt
// must not count as a failure. Deleting an unknown build is a no-op.
func (d *DB) DeleteBuild(ctx context.Context, buildID string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		var releaseID int64
		err := tx.QueryRowContext(ctx, `SELECT release_id FROM builds WHERE id = ?`, buildID).Scan(&releaseID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup build %s: %w", buildID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM builds WHERE id = ?`, buildID); err != nil {
			return fmt.Errorf("delete build %s: %w", buildID, err)
		}
		return recomputeReleaseStatusTx(ctx, tx, releaseID)
	})
}

// BuildsForRelease lists all attempts for a release, newest first.
func (d *DB) BuildsForRelease(ctx context.Context, releaseID int64) ([]Build, error) {
	rows, err := d.QueryContext(ctx,
		`SELECT id, release_id, status, toolchain_version, builder_version, worker, started_at, finished_at, log
         FROM builds WHERE release_id = ? ORDER BY started_at DESC, id DESC`,
		releaseID,
	)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var builds []Build
	for rows.Next() {
		var (
			b          Build
			status     string
			toolchain  sql.NullString
			builder    sql.NullString
			worker     sql.NullString
			startedRaw string
			finished   sql.NullString
			log        sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.ReleaseID, &status, &toolchain, &builder, &worker, &startedRaw, &finished, &log); err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		b.Status = BuildStatus(status)
		b.ToolchainVersion = toolchain.String
		b.BuilderVersion = builder.String
		b.Worker = worker.String
		if started, parseErr := parseTime(startedRaw); parseErr == nil {
			b.StartedAt = started
		}
		b.FinishedAt = nullableTimePtr(finished)
		b.Log = log.String
		builds = append(builds, b)
	}
	return builds, rows.Err()
}
