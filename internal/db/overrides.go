package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/docforge/docforge/internal/names"
)

// Overrides relaxes or tightens sandbox limits for a single package. Nil
// fields leave the configured default in place.
type Overrides struct {
	MemoryBytes    *int64
	TimeoutSeconds *int
	MaxTargets     *int
}

// OverridesForPackage returns the stored overrides for a package, or nil
// when none exist.
func (d *DB) OverridesForPackage(ctx context.Context, name string) (*Overrides, error) {
	var (
		memory  sql.NullInt64
		timeout sql.NullInt64
		targets sql.NullInt64
	)
	err := d.QueryRowContext(ctx,
		`SELECT memory_bytes, timeout_seconds, max_targets FROM sandbox_overrides WHERE name = ?`,
		names.Normalize(name),
	).Scan(&memory, &timeout, &targets)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("overrides lookup %s: %w", name, err)
	}

	var o Overrides
	if memory.Valid {
		v := memory.Int64
		o.MemoryBytes = &v
	}
	if timeout.Valid {
		v := int(timeout.Int64)
		o.TimeoutSeconds = &v
	}
	if targets.Valid {
		v := int(targets.Int64)
		o.MaxTargets = &v
	}
	return &o, nil
}

// SaveOverrides stores overrides for a package, replacing any existing row.
func (d *DB) SaveOverrides(ctx context.Context, name string, o Overrides) error {
	var memory, timeout, targets any
	if o.MemoryBytes != nil {
		memory = *o.MemoryBytes
	}
	if o.TimeoutSeconds != nil {
		timeout = *o.TimeoutSeconds
	}
	if o.MaxTargets != nil {
		targets = *o.MaxTargets
	}
	_, err := d.ExecContext(ctx,
		`INSERT INTO sandbox_overrides (name, memory_bytes, timeout_seconds, max_targets)
         VALUES (?, ?, ?, ?)
         ON CONFLICT (name) DO UPDATE SET
             memory_bytes = excluded.memory_bytes,
             timeout_seconds = excluded.timeout_seconds,
             max_targets = excluded.max_targets`,
		names.Normalize(name), memory, timeout, targets,
	)
	if err != nil {
		return fmt.Errorf("save overrides %s: %w", name, err)
	}
	return nil
}

// RemoveOverrides drops the overrides row for a package if present.
func (d *DB) RemoveOverrides(ctx context.Context, name string) error {
	if _, err := d.ExecContext(ctx, `DELETE FROM sandbox_overrides WHERE name = ?`, names.Normalize(name)); err != nil {
		return fmt.Errorf("remove overrides %s: %w", name, err)
	}
	return nil
}
