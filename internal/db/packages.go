package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/docforge/docforge/internal/names"
)

// Package is a named unit published to the registry.
type Package struct {
	ID              int64
	Name            string
	LatestReleaseID *int64
	Downloads       int64
	CreatedAt       time.Time
}

// Release is one versioned publication of a package.
type Release struct {
	ID            int64
	PackageID     int64
	PackageName   string
	Version       string
	Yanked        bool
	IsLibrary     bool
	DefaultTarget string
	DocTargets    []string
	Dependencies  json.RawMessage
	CreatedAt     time.Time
}

// ReleaseMeta carries the registry metadata recorded when a release is
// first synchronized.
type ReleaseMeta struct {
	Yanked       bool
	IsLibrary    bool
	Dependencies json.RawMessage
}

// InitializePackage upserts a package row and returns its id.
func (d *DB) InitializePackage(ctx context.Context, name string) (int64, error) {
	name = names.Normalize(name)
	_, err := d.ExecContext(ctx,
		`INSERT INTO packages (name, created_at) VALUES (?, ?)
         ON CONFLICT (name) DO NOTHING`,
		name, fmtTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("initialize package %s: %w", name, err)
	}

	var id int64
	if err := d.QueryRowContext(ctx, `SELECT id FROM packages WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup package %s: %w", name, err)
	}
	return id, nil
}

// InitializeRelease upserts a release row and returns its id. Mutable
// registry metadata (the yanked flag) is re-applied idempotently; doc build
// outputs on an existing row are left alone.
func (d *DB) InitializeRelease(ctx context.Context, name, version string, meta ReleaseMeta) (int64, error) {
	packageID, err := d.InitializePackage(ctx, name)
	if err != nil {
		return 0, err
	}

	var deps any
	if len(meta.Dependencies) > 0 {
		deps = string(meta.Dependencies)
	}
	_, err = d.ExecContext(ctx,
		`INSERT INTO releases (package_id, version, yanked, is_library, dependencies, created_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT (package_id, version) DO UPDATE SET
             yanked = excluded.yanked,
             is_library = excluded.is_library,
             dependencies = COALESCE(excluded.dependencies, releases.dependencies)`,
		packageID, version, boolToInt(meta.Yanked), boolToInt(meta.IsLibrary), deps, fmtTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("initialize release %s-%s: %w", name, version, err)
	}

	var id int64
	err = d.QueryRowContext(ctx,
		`SELECT id FROM releases WHERE package_id = ? AND version = ?`, packageID, version,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("lookup release %s-%s: %w", name, version, err)
	}

	if err := d.updateLatestRelease(ctx, packageID); err != nil {
		return 0, err
	}
	return id, nil
}

// GetRelease fetches a release by package name and version, or nil when it
// does not exist.
func (d *DB) GetRelease(ctx context.Context, name, version string) (*Release, error) {
	row := d.QueryRowContext(ctx,
		`SELECT r.id, r.package_id, p.name, r.version, r.yanked, r.is_library,
                r.default_target, r.doc_targets, r.dependencies, r.created_at
         FROM releases r
         JOIN packages p ON p.id = r.package_id
         WHERE p.name = ? AND r.version = ?`,
		names.Normalize(name), version,
	)
	release, err := scanRelease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get release %s-%s: %w", name, version, err)
	}
	return release, nil
}

// ReleaseExists reports whether (name, version) is already known.
func (d *DB) ReleaseExists(ctx context.Context, name, version string) (bool, error) {
	var one int
	err := d.QueryRowContext(ctx,
		`SELECT 1 FROM releases r JOIN packages p ON p.id = r.package_id
         WHERE p.name = ? AND r.version = ?`,
		names.Normalize(name), version,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("release exists %s-%s: %w", name, version, err)
	}
	return true, nil
}

// SetYanked re-synchronizes the yanked flag. It reports whether a matching
// release row was updated; a missing release is not an error because the
// queue may still hold the version (the builder re-reads yank state).
func (d *DB) SetYanked(ctx context.Context, name, version string, yanked bool) (bool, error) {
	res, err := d.ExecContext(ctx,
		`UPDATE releases SET yanked = ?
         WHERE version = ?
           AND package_id = (SELECT id FROM packages WHERE name = ?)`,
		boolToInt(yanked), version, names.Normalize(name),
	)
	if err != nil {
		return false, fmt.Errorf("set yanked %s-%s: %w", name, version, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		var packageID int64
		if err := d.QueryRowContext(ctx, `SELECT id FROM packages WHERE name = ?`, names.Normalize(name)).Scan(&packageID); err == nil {
			if err := d.updateLatestRelease(ctx, packageID); err != nil {
				return true, err
			}
		}
	}
	return affected > 0, nil
}

// FinishReleaseDocs records documentation build outputs on the release.
func (d *DB) FinishReleaseDocs(ctx context.Context, releaseID int64, defaultTarget string, docTargets []string) error {
	var targets any
	if len(docTargets) > 0 {
		encoded, err := json.Marshal(docTargets)
		if err != nil {
			return fmt.Errorf("marshal doc targets: %w", err)
		}
		targets = string(encoded)
	}
	_, err := d.ExecContext(ctx,
		`UPDATE releases SET default_target = ?, doc_targets = ? WHERE id = ?`,
		nullableString(defaultTarget), targets, releaseID,
	)
	if err != nil {
		return fmt.Errorf("finish release docs: %w", err)
	}
	return nil
}

// DeletePackage removes a package and all dependent rows. Administrative
// removal only; synchronization never calls this.
func (d *DB) DeletePackage(ctx context.Context, name string) (bool, error) {
	res, err := d.ExecContext(ctx, `DELETE FROM packages WHERE name = ?`, names.Normalize(name))
	if err != nil {
		return false, fmt.Errorf("delete package %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// updateLatestRelease repoints the package's latest release at the most
// recently created non-yanked release (or the newest release when all are
// yanked). Semantic-version resolution is the web layer's concern.
func (d *DB) updateLatestRelease(ctx context.Context, packageID int64) error {
	_, err := d.ExecContext(ctx,
		`UPDATE packages SET latest_release_id = COALESCE(
            (SELECT id FROM releases WHERE package_id = ? AND yanked = 0 ORDER BY id DESC LIMIT 1),
            (SELECT id FROM releases WHERE package_id = ? ORDER BY id DESC LIMIT 1)
         ) WHERE id = ?`,
		packageID, packageID, packageID,
	)
	if err != nil {
		return fmt.Errorf("update latest release: %w", err)
	}
	return nil
}

func scanRelease(scanner interface{ Scan(dest ...any) error }) (*Release, error) {
	var (
		rel           Release
		yanked        int
		isLibrary     int
		defaultTarget sql.NullString
		docTargets    sql.NullString
		deps          sql.NullString
		createdRaw    string
	)
	if err := scanner.Scan(
		&rel.ID, &rel.PackageID, &rel.PackageName, &rel.Version,
		&yanked, &isLibrary, &defaultTarget, &docTargets, &deps, &createdRaw,
	); err != nil {
		return nil, err
	}
	rel.Yanked = yanked != 0
	rel.IsLibrary = isLibrary != 0
	rel.DefaultTarget = defaultTarget.String
	if docTargets.Valid && docTargets.String != "" {
		if err := json.Unmarshal([]byte(docTargets.String), &rel.DocTargets); err != nil {
			return nil, fmt.Errorf("unmarshal doc targets: %w", err)
		}
	}
	if deps.Valid {
		rel.Dependencies = json.RawMessage(deps.String)
	}
	if created, err := parseTime(createdRaw); err == nil {
		rel.CreatedAt = created
	}
	return &rel, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
