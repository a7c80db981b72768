package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/ibeckermayer/pinscrape/internal/pin"
)

// Repository is the query and update surface over one database. It is
// either routed to a keyword database through a Factory, or bound to a
// single legacy database file.
type Repository struct {
	mgr    *Manager
	saver  *Saver
	logger *slog.Logger
	owned  bool
}

// OpenRepository routes to the keyword's database under outputDir.
func OpenRepository(ctx context.Context, f *Factory, keyword, outputDir string, opts ...pin.Option) (*Repository, error) {
	m, err := f.Get(ctx, keyword, outputDir)
	if err != nil {
		return nil, err
	}
	return NewRepository(m, f.base, opts...), nil
}

// GlobalDBPath is the pre-keyword single database location.
func GlobalDBPath(outputDir string) string {
	return filepath.Join(outputDir, DBFileName)
}

// OpenGlobalRepository opens the legacy single database at path. The
// repository owns the manager and closes it on Close.
func OpenGlobalRepository(ctx context.Context, path string, logger *slog.Logger, opts ...pin.Option) (*Repository, error) {
	m, err := OpenManager(ctx, path, WithLogger(logger))
	if err != nil {
		return nil, err
	}
	r := NewRepository(m, logger, opts...)
	r.owned = true
	return r, nil
}

// NewRepository wraps an open manager.
func NewRepository(m *Manager, logger *slog.Logger, opts ...pin.Option) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		mgr:    m,
		saver:  NewSaver(m.DB(), logger, opts...),
		logger: logger.With("component", "repository", "keyword", m.Keyword()),
	}
}

// Manager returns the underlying manager.
func (r *Repository) Manager() *Manager { return r.mgr }

// Saver returns the repository's saver.
func (r *Repository) Saver() *Saver { return r.saver }

// Close closes the manager when the repository owns it. Factory-routed
// repositories leave lifecycle to the factory.
func (r *Repository) Close() error {
	if !r.owned {
		return nil
	}
	return r.mgr.Close()
}

// SavePinsBatch saves raws one by one, then refreshes the cached pin count
// and the session's actual count. Per-pin failures are in the outcome; the
// error is only set when the bookkeeping queries fail.
func (r *Repository) SavePinsBatch(ctx context.Context, raws []pin.Raw, query, sessionID string) (BatchOutcome, error) {
	out := r.saver.SaveBatch(ctx, raws, query, sessionID)
	if out.Successful() == 0 {
		return out, nil
	}
	return out, r.refresh(ctx, query, sessionID, len(out.Saved))
}

// SavePinImmediately saves a single record and refreshes bookkeeping.
func (r *Repository) SavePinImmediately(ctx context.Context, raw pin.Raw, query, sessionID string) ItemResult {
	res := r.saver.SavePin(ctx, raw, query, sessionID)
	if res.OK() {
		if err := r.refresh(ctx, query, sessionID, 1); err != nil {
			r.logger.Warn("failed to refresh bookkeeping after save", "pin_id", res.Key, "error", err)
		}
	}
	return res
}

// refresh updates the cached pin count and credits the session with the
// saved pins of this call only.
func (r *Repository) refresh(ctx context.Context, query, sessionID string, saved int) error {
	if err := r.UpdateCacheMetadata(ctx, query); err != nil {
		return err
	}
	if sessionID == "" || saved == 0 {
		return nil
	}
	return r.AddSessionProgress(ctx, sessionID, saved)
}

// PinColumns is the column list ScanPin expects.
const PinColumns = `id, pin_hash, query, title, description, creator_name, creator_id,
	board_name, board_id, image_urls, largest_image_url, stats, raw_data, created_at, updated_at`

// RowScanner is satisfied by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// ScanPin reads one row selected with PinColumns.
func ScanPin(row RowScanner) (pin.Pin, error) {
	var (
		p                                   pin.Pin
		title, desc, cName, cID, bName, bID sql.NullString
		imageURLs, largest, stats, rawData  sql.NullString
		created, updated                    timeCol
	)
	err := row.Scan(&p.ID, &p.Hash, &p.Query, &title, &desc, &cName, &cID, &bName, &bID,
		&imageURLs, &largest, &stats, &rawData, &created, &updated)
	if err != nil {
		return pin.Pin{}, err
	}

	p.Title = nullPtr(title)
	p.Description = nullPtr(desc)
	p.CreatorName = nullPtr(cName)
	p.CreatorID = nullPtr(cID)
	p.BoardName = nullPtr(bName)
	p.BoardID = nullPtr(bID)
	p.LargestImageURL = nullPtr(largest)
	p.RawData = rawData.String
	p.CreatedAt = created.Time
	p.UpdatedAt = updated.Time

	if imageURLs.Valid && imageURLs.String != "" {
		if err := json.Unmarshal([]byte(imageURLs.String), &p.ImageURLs); err != nil {
			return pin.Pin{}, fmt.Errorf("failed to decode image_urls of %s: %w", p.ID, err)
		}
	}
	if stats.Valid && stats.String != "" {
		if err := json.Unmarshal([]byte(stats.String), &p.Stats); err != nil {
			return pin.Pin{}, fmt.Errorf("failed to decode stats of %s: %w", p.ID, err)
		}
	}
	return p, nil
}

func nullPtr(s sql.NullString) *string {
	if !s.Valid || s.String == "" {
		return nil
	}
	v := s.String
	return &v
}

func (r *Repository) queryPins(ctx context.Context, q string, args ...any) ([]pin.Pin, error) {
	rows, err := r.mgr.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pins: %w", err)
	}
	defer rows.Close()

	var pins []pin.Pin
	for rows.Next() {
		p, err := ScanPin(rows)
		if err != nil {
			return nil, err
		}
		pins = append(pins, p)
	}
	return pins, rows.Err()
}

// limitArg turns a non-positive limit into "no limit".
func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// LoadPinsByQuery returns the query's pins, newest first.
func (r *Repository) LoadPinsByQuery(ctx context.Context, query string, limit, offset int) ([]pin.Pin, error) {
	return r.queryPins(ctx, `SELECT `+PinColumns+` FROM pins
		WHERE query = ?
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?`, query, limitArg(limit), max(offset, 0))
}

// LoadPinsWithImages returns pins that carry an image URL, newest first.
func (r *Repository) LoadPinsWithImages(ctx context.Context, query string, limit, offset int) ([]pin.Pin, error) {
	return r.queryPins(ctx, `SELECT `+PinColumns+` FROM pins
		WHERE query = ?
		  AND ((largest_image_url IS NOT NULL AND largest_image_url != '')
		    OR (image_urls IS NOT NULL AND image_urls NOT IN ('', '{}', 'null')))
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?`, query, limitArg(limit), max(offset, 0))
}

// LoadPinsMissingImages returns pins without any image URL whose id is
// already decoded; these are the candidates for detail enhancement.
func (r *Repository) LoadPinsMissingImages(ctx context.Context, query string, limit, offset int) ([]pin.Pin, error) {
	return r.queryPins(ctx, `SELECT `+PinColumns+` FROM pins
		WHERE query = ?
		  AND (largest_image_url IS NULL OR largest_image_url = '')
		  AND (image_urls IS NULL OR image_urls IN ('', '{}', 'null'))
		  AND id NOT LIKE ?
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?`, query, pin.EncodedPrefix+"%", limitArg(limit), max(offset, 0))
}

// GetPin returns one pin by id, or sql.ErrNoRows.
func (r *Repository) GetPin(ctx context.Context, id string) (pin.Pin, error) {
	row := r.mgr.DB().QueryRowContext(ctx, `SELECT `+PinColumns+` FROM pins WHERE id = ?`, id)
	return ScanPin(row)
}

// PinCountByQuery counts the query's pins.
func (r *Repository) PinCountByQuery(ctx context.Context, query string) (int, error) {
	var n int
	if err := r.mgr.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM pins WHERE query = ?`, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pins: %w", err)
	}
	return n, nil
}

// CountPins counts every pin in the database.
func (r *Repository) CountPins(ctx context.Context) (int, error) {
	var n int
	if err := r.mgr.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM pins`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pins: %w", err)
	}
	return n, nil
}

// CountEncodedPins counts pins still stored under a base64 id.
func (r *Repository) CountEncodedPins(ctx context.Context) (int, error) {
	var n int
	err := r.mgr.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM pins WHERE id LIKE ?`, pin.EncodedPrefix+"%").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count encoded pins: %w", err)
	}
	return n, nil
}

// Queries lists the distinct queries stored in the database.
func (r *Repository) Queries(ctx context.Context) ([]string, error) {
	rows, err := r.mgr.DB().QueryContext(ctx, `SELECT DISTINCT query FROM pins ORDER BY query`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
