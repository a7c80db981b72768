package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ibeckermayer/pinscrape/internal/interrupt"
	"github.com/ibeckermayer/pinscrape/internal/pin"
	"github.com/ibeckermayer/pinscrape/internal/retry"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

// ConvertOptions configures a Converter.
type ConvertOptions struct {
	// Workers bounds the decode pool. Zero means min(8, NumCPU+4).
	Workers int
	// CheckpointEvery is the number of applied pins between interruption
	// checks and WAL checkpoints.
	CheckpointEvery  int
	CheckpointPolicy retry.Policy
	Now              func() time.Time
}

func (o ConvertOptions) withDefaults() ConvertOptions {
	if o.Workers <= 0 {
		o.Workers = min(8, runtime.NumCPU()+4)
	}
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = 100
	}
	if o.CheckpointPolicy.MaxAttempts == 0 {
		o.CheckpointPolicy = DefaultOptions().CheckpointPolicy
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// ConvertStats counts what a conversion did.
type ConvertStats struct {
	Found       int `json:"found"`
	Converted   int `json:"converted"`
	Collisions  int `json:"collisions"`
	Replaced    int `json:"replaced"`
	Failed      int `json:"failed"`
	Undecodable int `json:"undecodable"`
}

// Converter rewrites Base64 pin ids in a live keyword database to their
// numeric form.
type Converter struct {
	factory   *store.Factory
	outputDir string
	interrupt *interrupt.Manager
	opts      ConvertOptions
	logger    *slog.Logger
}

// NewConverter returns a converter that opens databases through f.
func NewConverter(f *store.Factory, outputDir string, im *interrupt.Manager, logger *slog.Logger, opts ConvertOptions) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{
		factory:   f,
		outputDir: outputDir,
		interrupt: im,
		opts:      opts.withDefaults(),
		logger:    logger.With("component", "convert"),
	}
}

type conversion struct {
	oldID string
	p     pin.Pin
	ok    bool
}

// Convert decodes every encoded pin id of keyword's database. Decoding runs
// on a bounded worker pool; rows are then applied one transaction per pin.
// When the numeric id already exists, pin.Prefer decides which row
// survives. Download tasks follow their pin to the new id.
func (c *Converter) Convert(ctx context.Context, keyword string) (ConvertStats, error) {
	var st ConvertStats
	logger := c.logger.With("keyword", keyword)

	m, err := c.factory.Get(ctx, keyword, c.outputDir)
	if err != nil {
		return st, err
	}
	db := m.DB()

	encoded, err := loadEncoded(ctx, db, logger, &st)
	if err != nil {
		return st, err
	}
	st.Found = len(encoded)
	if st.Found == 0 {
		return st, nil
	}
	logger.Info("converting encoded pin ids", "count", st.Found, "workers", c.opts.Workers)

	results := make([]conversion, len(encoded))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for i, p := range encoded {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = decodePin(p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return st, err
	}

	now := c.opts.Now().UTC()
	applied := 0
	queries := make(map[string]struct{})
	defer func() {
		if len(queries) > 0 {
			c.refreshQueries(context.WithoutCancel(ctx), db, queries, logger)
		}
	}()

	for _, r := range results {
		if !r.ok {
			st.Undecodable++
			continue
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}

		r.p.UpdatedAt = now
		collided, replaced, err := applyConversion(ctx, db, r)
		if err != nil {
			st.Failed++
			logger.Warn("pin conversion failed", "pin_id", r.oldID, "error", err)
			continue
		}
		st.Converted++
		if collided {
			st.Collisions++
		}
		if replaced {
			st.Replaced++
		}
		queries[r.p.Query] = struct{}{}

		applied++
		if applied%c.opts.CheckpointEvery == 0 {
			if err := c.checkpoint(ctx, db, logger); err != nil {
				return st, err
			}
		}
	}

	if _, err := retry.Do(ctx, c.opts.CheckpointPolicy, func(ctx context.Context) error {
		_, err := store.Checkpoint(ctx, db)
		return err
	}); err != nil {
		logger.Warn("final wal checkpoint failed", "error", err)
	}

	logger.Info("conversion finished",
		"converted", st.Converted, "collisions", st.Collisions,
		"failed", st.Failed, "undecodable", st.Undecodable)
	return st, nil
}

func (c *Converter) checkpoint(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if c.interrupt != nil {
		if err := c.interrupt.Checkpoint(interrupt.EveryNItems); err != nil {
			return err
		}
	}
	_, err := retry.Do(ctx, c.opts.CheckpointPolicy, func(ctx context.Context) error {
		_, err := store.Checkpoint(ctx, db)
		return err
	})
	if err != nil && ctx.Err() == nil {
		logger.Warn("wal checkpoint failed", "error", err)
		return nil
	}
	return ctx.Err()
}

func (c *Converter) refreshQueries(ctx context.Context, db *sql.DB, queries map[string]struct{}, logger *slog.Logger) {
	err := store.RunTx(ctx, db, func(tx *sql.Tx) error {
		for q := range queries {
			if err := store.RefreshCacheMetadata(ctx, tx, q); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Warn("cache metadata refresh failed", "error", err)
	}
}

func loadEncoded(ctx context.Context, db *sql.DB, logger *slog.Logger, st *ConvertStats) ([]pin.Pin, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+store.PinColumns+` FROM pins WHERE id LIKE ? ORDER BY id`,
		pin.EncodedPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to find encoded pins: %w", err)
	}
	defer rows.Close()

	var out []pin.Pin
	for rows.Next() {
		p, err := store.ScanPin(rows)
		if err != nil {
			st.Failed++
			logger.Warn("skipping unreadable pin", "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func decodePin(p pin.Pin) conversion {
	num, ok := pin.DecodeID(p.ID)
	if !ok {
		return conversion{oldID: p.ID}
	}
	old := p.ID
	p.ID = num
	p.Hash = pin.Hash(p.ID, pin.Deref(p.Title), pin.Deref(p.Description), pin.Deref(p.LargestImageURL))
	return conversion{oldID: old, p: p, ok: true}
}

// applyConversion moves one pin to its numeric id in a single transaction.
func applyConversion(ctx context.Context, db *sql.DB, r conversion) (collided, replaced bool, err error) {
	err = store.RunTx(ctx, db, func(tx *sql.Tx) error {
		collided, replaced = false, false

		var created any
		err := tx.QueryRowContext(ctx, `SELECT created_at FROM pins WHERE id = ?`, r.p.ID).Scan(&created)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if err := store.UpsertPin(ctx, tx, r.p); err != nil {
				return err
			}
		case err != nil:
			return fmt.Errorf("failed to look up %s: %w", r.p.ID, err)
		default:
			collided = true
			existing, _ := store.ParseTimestamp(created)
			if pin.Prefer(pin.Candidate{StoredID: r.oldID, CreatedAt: r.p.CreatedAt},
				pin.Candidate{StoredID: r.p.ID, CreatedAt: existing}) {
				if err := store.UpsertPin(ctx, tx, r.p); err != nil {
					return err
				}
				replaced = true
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE OR IGNORE download_tasks SET pin_id = ? WHERE pin_id = ?`, r.p.ID, r.oldID); err != nil {
			return fmt.Errorf("failed to move download tasks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM download_tasks WHERE pin_id = ?`, r.oldID); err != nil {
			return fmt.Errorf("failed to drop duplicate download tasks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pins WHERE id = ?`, r.oldID); err != nil {
			return fmt.Errorf("failed to remove %s: %w", r.oldID, err)
		}
		if collided && !replaced {
			return nil
		}
		return store.UpsertPinTask(ctx, tx, r.p)
	})
	return collided, replaced, err
}
