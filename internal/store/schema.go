package store

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS pins (
	id TEXT PRIMARY KEY,
	pin_hash TEXT NOT NULL UNIQUE,
	query TEXT NOT NULL,
	title TEXT,
	description TEXT,
	creator_name TEXT,
	creator_id TEXT,
	board_name TEXT,
	board_id TEXT,
	image_urls TEXT,
	largest_image_url TEXT,
	stats TEXT,
	raw_data TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS download_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pin_id TEXT NOT NULL REFERENCES pins(id) ON UPDATE CASCADE,
	pin_hash TEXT NOT NULL,
	image_url TEXT NOT NULL,
	local_path TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	file_size INTEGER,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scraping_sessions (
	id TEXT PRIMARY KEY,
	query TEXT NOT NULL,
	target_count INTEGER NOT NULL DEFAULT 0,
	actual_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'running',
	output_dir TEXT,
	download_images INTEGER NOT NULL DEFAULT 1,
	stats TEXT,
	started_at TEXT NOT NULL,
	completed_at TEXT
);

CREATE TABLE IF NOT EXISTS cache_metadata (
	query TEXT PRIMARY KEY,
	pin_count INTEGER NOT NULL DEFAULT 0,
	last_updated TEXT NOT NULL,
	cache_version TEXT NOT NULL DEFAULT '1.0'
);

CREATE INDEX IF NOT EXISTS idx_pins_query_created ON pins(query, created_at);
CREATE INDEX IF NOT EXISTS idx_pins_creator ON pins(creator_id);
CREATE INDEX IF NOT EXISTS idx_pins_board ON pins(board_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON download_tasks(status, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_pin_status ON download_tasks(pin_id, status);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON scraping_sessions(status, started_at);
`

// Databases written by older tooling may hold the same (pin, url) task
// more than once; keep the oldest before adding the unique index.
const dedupTasks = `
DELETE FROM download_tasks
WHERE id NOT IN (SELECT MIN(id) FROM download_tasks GROUP BY pin_id, image_url);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_pin_url ON download_tasks(pin_id, image_url);
`

// CacheVersion is written to cache_metadata rows.
const CacheVersion = "1.0"

func migrate(ctx context.Context, db *sql.DB) error {
	return RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}

		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_tasks_pin_url'`).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to inspect indexes: %w", err)
		}
		if exists == 0 {
			if _, err := tx.ExecContext(ctx, dedupTasks); err != nil {
				return fmt.Errorf("failed to dedup download tasks: %w", err)
			}
		}
		return nil
	})
}

// Migrate creates the schema on db. Recovery uses it to prepare fresh files.
func Migrate(ctx context.Context, db *sql.DB) error {
	return migrate(ctx, db)
}
