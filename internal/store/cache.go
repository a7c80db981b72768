package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const upsertCacheSQL = `
INSERT INTO cache_metadata (query, pin_count, last_updated, cache_version)
VALUES (?, (SELECT COUNT(*) FROM pins WHERE query = ?), ?, ?)
ON CONFLICT(query) DO UPDATE SET
	pin_count = excluded.pin_count,
	last_updated = excluded.last_updated,
	cache_version = excluded.cache_version
`

// RefreshCacheMetadata recomputes the cached pin count of query on ex.
func RefreshCacheMetadata(ctx context.Context, ex Execer, query string) error {
	if _, err := ex.ExecContext(ctx, upsertCacheSQL, query, query, formatTime(time.Now()), CacheVersion); err != nil {
		return fmt.Errorf("failed to update cache metadata for %q: %w", query, err)
	}
	return nil
}

// UpdateCacheMetadata recomputes the cached pin count of query.
func (r *Repository) UpdateCacheMetadata(ctx context.Context, query string) error {
	return RefreshCacheMetadata(ctx, r.mgr.DB(), query)
}

// CacheMetadata returns the cached count for query. ok is false when the
// query has never been recorded.
func (r *Repository) CacheMetadata(ctx context.Context, query string) (md CacheMetadata, ok bool, err error) {
	var updated timeCol
	err = r.mgr.DB().QueryRowContext(ctx, `SELECT query, pin_count, last_updated, cache_version
		FROM cache_metadata WHERE query = ?`, query).
		Scan(&md.Query, &md.PinCount, &updated, &md.CacheVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheMetadata{}, false, nil
	}
	if err != nil {
		return CacheMetadata{}, false, fmt.Errorf("failed to read cache metadata: %w", err)
	}
	md.LastUpdated = updated.Time
	return md, true, nil
}
