package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ibeckermayer/pinscrape/internal/pin"
)

// ItemStatus is the fate of one record in a save.
type ItemStatus string

const (
	ItemSaved   ItemStatus = "saved"
	ItemFailed  ItemStatus = "failed"
	ItemSkipped ItemStatus = "skipped"
)

// ErrorKind classifies a per-item failure.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindStorage    ErrorKind = "storage"
	KindCancelled  ErrorKind = "cancelled"
)

// ItemResult is the outcome of saving one record.
type ItemResult struct {
	Key    string
	Status ItemStatus
	Kind   ErrorKind
	Err    error
}

// OK reports whether the record was written.
func (r ItemResult) OK() bool { return r.Status == ItemSaved }

// ItemError is a failed record inside a batch.
type ItemError struct {
	Key  string    `json:"pin_id"`
	Kind ErrorKind `json:"kind"`
	Err  error     `json:"-"`
}

// MarshalJSON includes the error text.
func (e ItemError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		Key   string    `json:"pin_id"`
		Kind  ErrorKind `json:"kind"`
		Error string    `json:"error"`
	}{e.Key, e.Kind, msg})
}

// BatchOutcome aggregates per-item results. A batch never fails as a
// whole; each record succeeds or fails on its own.
type BatchOutcome struct {
	Saved   []string    `json:"saved"`
	Skipped []string    `json:"skipped"`
	Errors  []ItemError `json:"errors"`
}

// Add folds r into the outcome.
func (o *BatchOutcome) Add(r ItemResult) {
	switch r.Status {
	case ItemSaved:
		o.Saved = append(o.Saved, r.Key)
	case ItemSkipped:
		o.Skipped = append(o.Skipped, r.Key)
	default:
		o.Errors = append(o.Errors, ItemError{Key: r.Key, Kind: r.Kind, Err: r.Err})
	}
}

// Merge folds another outcome into o.
func (o *BatchOutcome) Merge(other BatchOutcome) {
	o.Saved = append(o.Saved, other.Saved...)
	o.Skipped = append(o.Skipped, other.Skipped...)
	o.Errors = append(o.Errors, other.Errors...)
}

func (o BatchOutcome) Successful() int   { return len(o.Saved) }
func (o BatchOutcome) Failed() int       { return len(o.Errors) }
func (o BatchOutcome) SkippedCount() int { return len(o.Skipped) }
func (o BatchOutcome) Total() int        { return len(o.Saved) + len(o.Skipped) + len(o.Errors) }

// SuccessRate is Successful/Total, or 0 for an empty batch.
func (o BatchOutcome) SuccessRate() float64 {
	if o.Total() == 0 {
		return 0
	}
	return float64(o.Successful()) / float64(o.Total())
}

// SaverStats are cumulative counters over a saver's lifetime.
type SaverStats struct {
	Processed  int64 `json:"total_processed"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
}

// Saver writes normalized pins, one transaction per pin.
type Saver struct {
	db     *sql.DB
	logger *slog.Logger
	opts   []pin.Option

	processed  atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
	skipped    atomic.Int64
}

// NewSaver returns a saver writing to db. opts are passed to pin.Normalize.
func NewSaver(db *sql.DB, logger *slog.Logger, opts ...pin.Option) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "saver")
	return &Saver{
		db:     db,
		logger: logger,
		opts:   append([]pin.Option{pin.WithLogger(logger)}, opts...),
	}
}

// SavePin normalizes, validates and writes one record. The pin row and its
// pending download task are written in a single transaction. SavePin never
// panics or returns an error; failures are reported in the result.
func (s *Saver) SavePin(ctx context.Context, raw pin.Raw, query, sessionID string) (res ItemResult) {
	res.Key = recordKey(raw, -1)
	s.processed.Add(1)

	defer func() {
		if r := recover(); r != nil {
			res.Status, res.Kind, res.Err = ItemFailed, KindStorage, fmt.Errorf("panic while saving pin: %v", r)
		}
		s.count(res)
		if res.Status == ItemFailed {
			s.logger.Warn("failed to save pin", "pin_id", res.Key, "query", query, "session", sessionID, "kind", res.Kind, "error", res.Err)
		}
	}()

	if len(raw) == 0 {
		res.Status = ItemSkipped
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Status, res.Kind, res.Err = ItemFailed, KindCancelled, err
		return res
	}

	p, err := pin.Normalize(raw, query, s.opts...)
	if err != nil {
		res.Status, res.Kind, res.Err = ItemFailed, KindValidation, err
		return res
	}
	res.Key = p.ID
	if err := pin.Validate(p); err != nil {
		res.Status, res.Kind, res.Err = ItemFailed, KindValidation, err
		return res
	}

	err = RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := UpsertPin(ctx, tx, p); err != nil {
			return err
		}
		return UpsertPinTask(ctx, tx, p)
	})
	if err != nil {
		kind := KindStorage
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			kind = KindCancelled
		}
		res.Status, res.Kind, res.Err = ItemFailed, kind, err
		return res
	}

	res.Status = ItemSaved
	return res
}

// SaveBatch saves each record independently. Once ctx ends the remaining
// records are reported as skipped.
func (s *Saver) SaveBatch(ctx context.Context, raws []pin.Raw, query, sessionID string) BatchOutcome {
	var out BatchOutcome
	for i, raw := range raws {
		if ctx.Err() != nil {
			for j := i; j < len(raws); j++ {
				out.Add(ItemResult{Key: recordKey(raws[j], j), Status: ItemSkipped})
				s.skipped.Add(1)
				s.processed.Add(1)
			}
			break
		}
		r := s.SavePin(ctx, raw, query, sessionID)
		if r.Key == "" {
			r.Key = recordKey(raw, i)
		}
		out.Add(r)
	}

	s.logger.Debug("batch saved",
		"query", query, "session", sessionID,
		"successful", out.Successful(), "failed", out.Failed(), "skipped", out.SkippedCount())
	return out
}

// Stats returns the cumulative counters.
func (s *Saver) Stats() SaverStats {
	return SaverStats{
		Processed:  s.processed.Load(),
		Successful: s.successful.Load(),
		Failed:     s.failed.Load(),
		Skipped:    s.skipped.Load(),
	}
}

func (s *Saver) count(r ItemResult) {
	switch r.Status {
	case ItemSaved:
		s.successful.Add(1)
	case ItemSkipped:
		s.skipped.Add(1)
	default:
		s.failed.Add(1)
	}
}

func recordKey(raw pin.Raw, index int) string {
	if id := pin.Stringify(raw["id"]); id != "" {
		return id
	}
	if index >= 0 {
		return fmt.Sprintf("#%d", index)
	}
	return ""
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const upsertPinSQL = `
INSERT INTO pins (id, pin_hash, query, title, description,
	creator_name, creator_id, board_name, board_id,
	image_urls, largest_image_url, stats, raw_data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	pin_hash = excluded.pin_hash,
	query = excluded.query,
	title = excluded.title,
	description = excluded.description,
	creator_name = excluded.creator_name,
	creator_id = excluded.creator_id,
	board_name = excluded.board_name,
	board_id = excluded.board_id,
	image_urls = excluded.image_urls,
	largest_image_url = excluded.largest_image_url,
	stats = excluded.stats,
	raw_data = excluded.raw_data,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at
`

// UpsertPin writes p, replacing every column of an existing row with the
// same id.
func UpsertPin(ctx context.Context, ex Execer, p pin.Pin) error {
	imageURLs, err := jsonColumn(p.ImageURLs, len(p.ImageURLs) > 0)
	if err != nil {
		return fmt.Errorf("failed to encode image urls: %w", err)
	}
	stats, err := jsonColumn(p.Stats, len(p.Stats) > 0)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}

	_, err = ex.ExecContext(ctx, upsertPinSQL,
		p.ID, p.Hash, p.Query, p.Title, p.Description,
		p.CreatorName, p.CreatorID, p.BoardName, p.BoardID,
		imageURLs, p.LargestImageURL, stats, nullString(p.RawData),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert pin %s: %w", p.ID, err)
	}
	return nil
}

const upsertTaskSQL = `
INSERT INTO download_tasks (pin_id, pin_hash, image_url, status, retry_count, created_at, updated_at)
VALUES (?, ?, ?, 'pending', 0, ?, ?)
ON CONFLICT(pin_id, image_url) DO UPDATE SET
	pin_hash = excluded.pin_hash,
	updated_at = excluded.updated_at
`

// Pending tasks follow the pin's current image. The first stale one is
// moved to the new URL; any others are dropped.
const (
	retargetTaskSQL = `
UPDATE OR IGNORE download_tasks SET image_url = ?, pin_hash = ?, updated_at = ?
WHERE pin_id = ? AND status = 'pending' AND image_url <> ?`
	dropStaleTasksSQL = `
DELETE FROM download_tasks WHERE pin_id = ? AND status = 'pending' AND image_url <> ?`
)

// UpsertPinTask records a pending download for p's image. A task that
// already exists keeps its status; a pending task for an older image URL is
// retargeted. Pins without an image are ignored.
func UpsertPinTask(ctx context.Context, ex Execer, p pin.Pin) error {
	if p.LargestImageURL == nil || *p.LargestImageURL == "" {
		return nil
	}
	url := *p.LargestImageURL
	now := formatTime(p.UpdatedAt)
	if _, err := ex.ExecContext(ctx, retargetTaskSQL, url, p.Hash, now, p.ID, url); err != nil {
		return fmt.Errorf("failed to retarget download task for %s: %w", p.ID, err)
	}
	if _, err := ex.ExecContext(ctx, dropStaleTasksSQL, p.ID, url); err != nil {
		return fmt.Errorf("failed to drop stale download tasks for %s: %w", p.ID, err)
	}
	if _, err := ex.ExecContext(ctx, upsertTaskSQL, p.ID, p.Hash, url, now, now); err != nil {
		return fmt.Errorf("failed to upsert download task for %s: %w", p.ID, err)
	}
	return nil
}

func jsonColumn(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
