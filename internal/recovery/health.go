package recovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ibeckermayer/pinscrape/internal/pin"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

// MissingImageThreshold is the share of pins with raw data but no image
// URL above which RepairImageURLs should run.
const MissingImageThreshold = 0.10

// ImageHealth summarizes image URL coverage of a database.
type ImageHealth struct {
	Total   int `json:"total"`
	WithRaw int `json:"with_raw"`
	// Missing counts pins that have raw data but no image URL.
	Missing int     `json:"missing"`
	Ratio   float64 `json:"ratio"`
}

// NeedsRepair reports whether Missing/WithRaw exceeds the threshold.
func (h ImageHealth) NeedsRepair() bool {
	return h.WithRaw > 0 && h.Ratio > MissingImageThreshold
}

const noImage = `(largest_image_url IS NULL OR largest_image_url = '')
	AND (image_urls IS NULL OR image_urls IN ('', '{}', 'null'))`

const hasRaw = `raw_data IS NOT NULL AND raw_data NOT IN ('', '{}', 'null')`

// CheckImageHealth measures image URL coverage.
func CheckImageHealth(ctx context.Context, db *sql.DB) (ImageHealth, error) {
	var h ImageHealth
	err := db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN `+hasRaw+` THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN `+hasRaw+` AND `+noImage+` THEN 1 ELSE 0 END), 0)
		FROM pins`).Scan(&h.Total, &h.WithRaw, &h.Missing)
	if err != nil {
		return h, fmt.Errorf("failed to measure image health: %w", err)
	}
	if h.WithRaw > 0 {
		h.Ratio = float64(h.Missing) / float64(h.WithRaw)
	}
	return h, nil
}

// ImageRepairStats counts what RepairImageURLs did.
type ImageRepairStats struct {
	Scanned    int    `json:"scanned"`
	Repaired   int    `json:"repaired"`
	BackupPath string `json:"backup_path,omitempty"`
}

// imageRepairCommitEvery is the number of rows per repair transaction.
const imageRepairCommitEvery = 100

type imageFix struct {
	p       pin.Pin
	urls    map[string]string
	largest string
}

// RepairImageURLs re-extracts image URLs from raw_data for every pin that
// has none. The database file is copied to a timestamped backup first.
// Updates are committed every 100 rows, and each repaired pin gets a
// pending download task.
func RepairImageURLs(ctx context.Context, m *store.Manager, logger *slog.Logger, now time.Time) (ImageRepairStats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var st ImageRepairStats

	if _, err := m.Checkpoint(ctx); err != nil {
		logger.Warn("checkpoint before image repair failed", "error", err)
	}
	st.BackupPath = m.Path() + backupInfix + now.Format(backupStamp)
	if err := copyFile(m.Path(), st.BackupPath); err != nil {
		return st, fmt.Errorf("failed to back up before image repair: %w", err)
	}

	rows, err := m.DB().QueryContext(ctx, `SELECT `+store.PinColumns+` FROM pins WHERE `+hasRaw+` AND `+noImage)
	if err != nil {
		return st, fmt.Errorf("failed to find pins without images: %w", err)
	}
	var fixes []imageFix
	for rows.Next() {
		p, err := store.ScanPin(rows)
		if err != nil {
			logger.Warn("skipping unreadable pin", "error", err)
			continue
		}
		st.Scanned++
		urls := pin.ExtractImageURLs(p.Raw())
		if len(urls) == 0 {
			continue
		}
		fixes = append(fixes, imageFix{p: p, urls: urls, largest: pin.LargestImageURL(urls)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}

	for start := 0; start < len(fixes); start += imageRepairCommitEvery {
		end := min(start+imageRepairCommitEvery, len(fixes))
		err := store.RunTx(ctx, m.DB(), func(tx *sql.Tx) error {
			for _, f := range fixes[start:end] {
				data, err := json.Marshal(f.urls)
				if err != nil {
					return err
				}
				p := f.p
				p.ImageURLs = f.urls
				p.LargestImageURL = pin.Ptr(f.largest)
				p.Hash = pin.Hash(p.ID, pin.Deref(p.Title), pin.Deref(p.Description), f.largest)
				p.UpdatedAt = now.UTC()
				if _, err := tx.ExecContext(ctx, `UPDATE pins
					SET image_urls = ?, largest_image_url = ?, pin_hash = ?, updated_at = ?
					WHERE id = ?`,
					string(data), f.largest, p.Hash, store.FormatTimestamp(p.UpdatedAt), p.ID); err != nil {
					return fmt.Errorf("failed to update pin %s: %w", p.ID, err)
				}
				if err := store.UpsertPinTask(ctx, tx, p); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return st, err
		}
		st.Repaired += end - start
	}

	logger.Info("image urls repaired", "scanned", st.Scanned, "repaired", st.Repaired, "backup", st.BackupPath)
	return st, nil
}
