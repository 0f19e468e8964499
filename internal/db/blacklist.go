package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/docforge/docforge/internal/names"
)

// IsBlacklisted reports whether the package is excluded from building.
func (d *DB) IsBlacklisted(ctx context.Context, name string) (bool, error) {
	var one int
	err := d.QueryRowContext(ctx,
		`SELECT 1 FROM blacklist WHERE name = ?`, names.Normalize(name),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blacklist lookup %s: %w", name, err)
	}
	return true, nil
}

// AddToBlacklist excludes a package from building. Adding a package that is
// already listed is an error so operators notice redundant entries.
func (d *DB) AddToBlacklist(ctx context.Context, name string) error {
	name = names.Normalize(name)
	res, err := d.ExecContext(ctx,
		`INSERT INTO blacklist (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, name,
	)
	if err != nil {
		return fmt.Errorf("blacklist add %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("blacklist add %s: already blacklisted", name)
	}
	return nil
}

// RemoveFromBlacklist re-enables building for a package. Removing a package
// that is not listed is not an error.
func (d *DB) RemoveFromBlacklist(ctx context.Context, name string) error {
	if _, err := d.ExecContext(ctx, `DELETE FROM blacklist WHERE name = ?`, names.Normalize(name)); err != nil {
		return fmt.Errorf("blacklist remove %s: %w", name, err)
	}
	return nil
}

// ListBlacklist returns all blacklisted package names, sorted.
func (d *DB) ListBlacklist(ctx context.Context) ([]string, error) {
	rows, err := d.QueryContext(ctx, `SELECT name FROM blacklist ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("blacklist list: %w", err)
	}
	defer rows.Close()

	var listed []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan blacklist row: %w", err)
		}
		listed = append(listed, name)
	}
	return listed, rows.Err()
}
