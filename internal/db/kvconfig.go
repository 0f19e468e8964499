package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ConfigKey names a row in the config table.
type ConfigKey string

const (
	// ConfigLastSeenReference is the sync checkpoint: the registry index
	// commit up to which changes have been enqueued.
	ConfigLastSeenReference ConfigKey = "last_seen_reference"
	// ConfigQueueLocked pauses all dequeuing while set to "true".
	ConfigQueueLocked ConfigKey = "queue_locked"
)

// GetConfig returns the stored value for key, reporting whether it exists.
func (d *DB) GetConfig(ctx context.Context, key ConfigKey) (string, bool, error) {
	var value string
	err := d.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, string(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get config %s: %w", key, err)
	}
	return value, true, nil
}

// SetConfig stores value for key unconditionally.
func (d *DB) SetConfig(ctx context.Context, key ConfigKey, value string) error {
	_, err := d.ExecContext(ctx,
		`INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
         ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(key), value, fmtTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// CompareAndSetConfig advances key from expected to value. It reports false
// without error when another writer got there first; the row is never
// overwritten with a stale value. A missing row matches expected == "".
func (d *DB) CompareAndSetConfig(ctx context.Context, key ConfigKey, expected, value string) (bool, error) {
	if expected == "" {
		res, err := d.ExecContext(ctx,
			`INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
             ON CONFLICT (key) DO NOTHING`,
			string(key), value, fmtTime(time.Now()),
		)
		if err != nil {
			return false, fmt.Errorf("insert config %s: %w", key, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("rows affected: %w", err)
		}
		return affected == 1, nil
	}

	res, err := d.ExecContext(ctx,
		`UPDATE config SET value = ?, updated_at = ? WHERE key = ? AND value = ?`,
		value, fmtTime(time.Now()), string(key), expected,
	)
	if err != nil {
		return false, fmt.Errorf("compare-and-set config %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}
