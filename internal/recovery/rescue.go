package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/ibeckermayer/pinscrape/internal/pin"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

// ErrUnrecoverable is returned when a rescue yields no rows.
var ErrUnrecoverable = errors.New("recovery: no rows could be rescued")

// RescueOptions configures Rescue.
type RescueOptions struct {
	// Keyword fills rows whose query column is empty.
	Keyword string
	// ChunkSize is the number of rows per write transaction.
	ChunkSize int
	// ScanBatch is the number of rows read per source query.
	ScanBatch int
	Logger    *slog.Logger
	Now       func() time.Time
}

func (o RescueOptions) withDefaults() RescueOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 500
	}
	if o.ScanBatch <= 0 {
		o.ScanBatch = 1000
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// RescueStats counts what a rescue read and wrote.
type RescueStats struct {
	PinsRead        int `json:"pins_read"`
	PinsInvalid     int `json:"pins_invalid"`
	PinsWritten     int `json:"pins_written"`
	Decoded         int `json:"decoded"`
	Collisions      int `json:"collisions"`
	TasksRead       int `json:"tasks_read"`
	TasksWritten    int `json:"tasks_written"`
	TasksDropped    int `json:"tasks_dropped"`
	SessionsWritten int `json:"sessions_written"`
	// Jumps counts unreadable regions the scan skipped over.
	Jumps int `json:"jumps"`
}

type rescuedPin struct {
	p        pin.Pin
	storedID string
}

// Rescue copies every readable row of the database at srcPath into a fresh
// database at dstPath. The source is read from a padded copy next to
// dstPath and is never modified. Rows that cannot be read are skipped, never
// reconstructed. Pins are re-normalized, Base64 ids are decoded and
// colliding rows are resolved with pin.Prefer. Download tasks follow their
// pin's id and are dropped when no row for it survived. The new file must
// pass quick_check. A rescue that writes no pins returns ErrUnrecoverable.
func Rescue(ctx context.Context, srcPath, dstPath string, opts RescueOptions) (RescueStats, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "rescue", "src", srcPath)
	var st RescueStats

	staged := dstPath + ".source"
	if err := stageSource(srcPath, staged); err != nil {
		return st, fmt.Errorf("%w: %w", ErrUnrecoverable, err)
	}
	defer func() {
		if err := removeDB(staged); err != nil {
			logger.Warn("failed to remove staged source", "error", err)
		}
	}()

	src, err := openInspect(ctx, staged, 5*time.Second)
	if err != nil {
		return st, fmt.Errorf("%w: %w", ErrUnrecoverable, err)
	}
	defer src.DB().Close()

	// pins
	best := make(map[string]*rescuedPin)
	now := opts.Now()
	pinScan, err := scanTable(ctx, src.DB(), "pins", pinCols, opts.ScanBatch, func(vals []any) error {
		p, storedID, err := rebuildPin(vals, opts.Keyword, now)
		if err != nil {
			st.PinsInvalid++
			return nil
		}
		if p.ID != storedID {
			st.Decoded++
		}
		cur, ok := best[p.ID]
		if !ok {
			best[p.ID] = &rescuedPin{p: p, storedID: storedID}
			return nil
		}
		st.Collisions++
		if pin.Prefer(pin.Candidate{StoredID: storedID, CreatedAt: p.CreatedAt},
			pin.Candidate{StoredID: cur.storedID, CreatedAt: cur.p.CreatedAt}) {
			best[p.ID] = &rescuedPin{p: p, storedID: storedID}
		}
		return nil
	})
	st.PinsRead = pinScan.read
	st.Jumps += pinScan.jumps
	if err != nil {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		logger.Warn("pins table unreadable", "error", err)
	}

	// download tasks
	var tasks [][]any
	taskScan, err := scanTable(ctx, src.DB(), "download_tasks", taskCols, opts.ScanBatch, func(vals []any) error {
		pinID := pin.CanonicalID(asText(vals[0]))
		if _, ok := best[pinID]; !ok || asText(vals[2]) == "" {
			st.TasksDropped++
			return nil
		}
		vals[0] = pinID
		tasks = append(tasks, vals)
		return nil
	})
	st.TasksRead = taskScan.read
	st.Jumps += taskScan.jumps
	if err != nil {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		logger.Warn("download_tasks table unreadable", "error", err)
	}

	// sessions
	var sessions [][]any
	sessScan, err := scanTable(ctx, src.DB(), "scraping_sessions", sessionCols, opts.ScanBatch, func(vals []any) error {
		if asText(vals[0]) == "" {
			return nil
		}
		sessions = append(sessions, vals)
		return nil
	})
	st.Jumps += sessScan.jumps
	if err != nil {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		logger.Warn("scraping_sessions table unreadable", "error", err)
	}

	if len(best) == 0 {
		return st, ErrUnrecoverable
	}

	if err := removeDB(dstPath); err != nil {
		return st, err
	}
	dst, err := store.OpenManager(ctx, dstPath, store.WithLogger(opts.Logger))
	if err != nil {
		return st, fmt.Errorf("failed to create rescue target: %w", err)
	}
	closed := false
	defer func() {
		if !closed {
			dst.Close()
		}
	}()

	pins := make([]pin.Pin, 0, len(best))
	for _, r := range best {
		pins = append(pins, r.p)
	}
	sort.Slice(pins, func(i, j int) bool { return pins[i].ID < pins[j].ID })

	written, err := writePins(ctx, dst.DB(), pins, opts.ChunkSize, logger)
	st.PinsWritten = written
	if err != nil {
		return st, err
	}
	if st.PinsWritten == 0 {
		return st, ErrUnrecoverable
	}

	if st.TasksWritten, err = writeTasks(ctx, dst.DB(), tasks, opts.ChunkSize); err != nil {
		return st, err
	}
	if st.SessionsWritten, err = writeSessions(ctx, dst.DB(), sessions, now); err != nil {
		return st, err
	}

	queries := lo.Uniq(lo.Map(pins, func(p pin.Pin, _ int) string { return p.Query }))
	err = store.RunTx(ctx, dst.DB(), func(tx *sql.Tx) error {
		for _, q := range queries {
			if err := store.RefreshCacheMetadata(ctx, tx, q); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return st, err
	}

	problems, err := QuickCheck(ctx, dst)
	if err != nil {
		return st, fmt.Errorf("failed to verify rescued database: %w", err)
	}
	if len(problems) > 0 {
		return st, fmt.Errorf("rescued database failed quick_check: %s", problems[0])
	}

	closed = true
	if err := dst.Close(); err != nil {
		return st, fmt.Errorf("failed to close rescued database: %w", err)
	}

	logger.Info("rescue finished",
		"pins_read", st.PinsRead, "pins_written", st.PinsWritten,
		"decoded", st.Decoded, "collisions", st.Collisions,
		"tasks_written", st.TasksWritten, "tasks_dropped", st.TasksDropped, "jumps", st.Jumps)
	return st, nil
}

// writePins upserts pins in chunked transactions. A chunk that fails is
// retried row by row so one bad row cannot sink its neighbours.
func writePins(ctx context.Context, db *sql.DB, pins []pin.Pin, chunkSize int, logger *slog.Logger) (int, error) {
	written := 0
	for _, chunk := range lo.Chunk(pins, chunkSize) {
		err := store.RunTx(ctx, db, func(tx *sql.Tx) error {
			for _, p := range chunk {
				if err := store.UpsertPin(ctx, tx, p); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			written += len(chunk)
			continue
		}
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		logger.Warn("rescue chunk failed, writing rows individually", "error", err)
		for _, p := range chunk {
			if err := store.UpsertPin(ctx, db, p); err != nil {
				logger.Warn("dropping unwritable pin", "pin_id", p.ID, "error", err)
				continue
			}
			written++
		}
	}
	return written, nil
}

const insertTaskSQL = `
INSERT INTO download_tasks (pin_id, pin_hash, image_url, local_path, status, retry_count,
	error_message, file_size, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(pin_id, image_url) DO NOTHING`

func writeTasks(ctx context.Context, db *sql.DB, tasks [][]any, chunkSize int) (int, error) {
	written := 0
	for _, chunk := range lo.Chunk(tasks, chunkSize) {
		n := 0
		err := store.RunTx(ctx, db, func(tx *sql.Tx) error {
			n = 0
			for _, v := range chunk {
				status := store.TaskStatus(asText(v[4]))
				if !status.Valid() {
					status = store.TaskPending
				}
				created, ok := store.ParseTimestamp(v[8])
				if !ok {
					created = time.Now()
				}
				updated, ok := store.ParseTimestamp(v[9])
				if !ok {
					updated = created
				}
				hash := asText(v[1])
				if hash == "" {
					hash = asText(v[0])
				}
				res, err := tx.ExecContext(ctx, insertTaskSQL,
					v[0], hash, asText(v[2]), nullText(asText(v[3])), string(status), asInt(v[5]),
					nullText(asText(v[6])), nullInt(asInt(v[7])),
					store.FormatTimestamp(created), store.FormatTimestamp(updated))
				if err != nil {
					return fmt.Errorf("failed to insert rescued task: %w", err)
				}
				if k, _ := res.RowsAffected(); k > 0 {
					n++
				}
			}
			return nil
		})
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

const insertSessionSQL = `
INSERT OR IGNORE INTO scraping_sessions (id, query, target_count, actual_count, status,
	output_dir, download_images, stats, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func writeSessions(ctx context.Context, db *sql.DB, sessions [][]any, now time.Time) (int, error) {
	if len(sessions) == 0 {
		return 0, nil
	}
	written := 0
	err := store.RunTx(ctx, db, func(tx *sql.Tx) error {
		written = 0
		for _, v := range sessions {
			status := asText(v[4])
			if status == "" {
				status = string(store.SessionInterrupted)
			}
			started, ok := store.ParseTimestamp(v[8])
			if !ok {
				started = now
			}
			var completed any
			if t, ok := store.ParseTimestamp(v[9]); ok {
				completed = store.FormatTimestamp(t)
			}
			download := int64(1)
			if v[6] != nil {
				download = asInt(v[6])
			}
			res, err := tx.ExecContext(ctx, insertSessionSQL,
				asText(v[0]), asText(v[1]), asInt(v[2]), asInt(v[3]), status,
				nullText(asText(v[5])), download, nullText(asText(v[7])),
				store.FormatTimestamp(started), completed)
			if err != nil {
				return fmt.Errorf("failed to insert rescued session: %w", err)
			}
			if k, _ := res.RowsAffected(); k > 0 {
				written++
			}
		}
		return nil
	})
	return written, err
}

func nullText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

// removeDB deletes path and its WAL sidecars.
func removeDB(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}
