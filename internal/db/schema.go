package db

import "context"

// Schema notes: builds reference releases, releases reference packages.
// queue is keyed by (name, version) rather than release id because entries
// routinely exist before the release row does.
const schema = `
CREATE TABLE IF NOT EXISTS packages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    latest_release_id INTEGER REFERENCES releases(id),
    downloads INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS releases (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    package_id INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
    version TEXT NOT NULL,
    yanked INTEGER NOT NULL DEFAULT 0,
    is_library INTEGER NOT NULL DEFAULT 1,
    default_target TEXT,
    doc_targets TEXT,
    dependencies TEXT,
    created_at TEXT NOT NULL,
    UNIQUE (package_id, version)
);
CREATE INDEX IF NOT EXISTS idx_releases_package ON releases(package_id);

CREATE TABLE IF NOT EXISTS builds (
    id TEXT PRIMARY KEY,
    release_id INTEGER NOT NULL REFERENCES releases(id) ON DELETE CASCADE,
    status TEXT NOT NULL CHECK (status IN ('in_progress', 'success', 'failure')),
    toolchain_version TEXT,
    builder_version TEXT,
    worker TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    log TEXT
);
CREATE INDEX IF NOT EXISTS idx_builds_release ON builds(release_id);

CREATE TABLE IF NOT EXISTS release_build_status (
    release_id INTEGER PRIMARY KEY REFERENCES releases(id) ON DELETE CASCADE,
    build_status TEXT NOT NULL CHECK (build_status IN ('in_progress', 'success', 'failure')),
    last_build_time TEXT
);

CREATE TABLE IF NOT EXISTS queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    version TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    registry TEXT,
    attempt INTEGER NOT NULL DEFAULT 0,
    last_attempt TEXT,
    claimed_by TEXT,
    claimed_at TEXT,
    created_at TEXT NOT NULL,
    UNIQUE (name, version)
);

CREATE TABLE IF NOT EXISTS priority_rules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pattern TEXT NOT NULL UNIQUE,
    priority INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blacklist (
    name TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS sandbox_overrides (
    name TEXT PRIMARY KEY,
    memory_bytes INTEGER,
    timeout_seconds INTEGER,
    max_targets INTEGER
);

CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`

func (d *DB) applySchema(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, schema); err != nil {
		return err
	}
	return nil
}
