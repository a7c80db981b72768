// Package store owns the per-keyword SQLite databases: opening and caching
// them, saving pins atomically and the repository queries built on top.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoDatabase is returned when a database file cannot be created or opened.
var ErrNoDatabase = errors.New("store: cannot open database")

// DBFileName is the database file inside each keyword directory.
const DBFileName = "pinterest.db"

type openOptions struct {
	busyTimeout    time.Duration
	synchronous    string
	journalMode    string
	autocheckpoint int
	migrate        bool
	mkdir          bool
	ping           bool
	keyword        string
	logger         *slog.Logger
}

// Option configures OpenManager.
type Option func(*openOptions)

// WithBusyTimeout sets how long a connection waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *openOptions) { o.busyTimeout = d }
}

// WithSynchronous sets PRAGMA synchronous (OFF, NORMAL, FULL).
func WithSynchronous(mode string) Option {
	return func(o *openOptions) { o.synchronous = mode }
}

// WithJournalMode sets PRAGMA journal_mode. An empty mode leaves the file's
// journal mode untouched, which keeps inspection opens read-only.
func WithJournalMode(mode string) Option {
	return func(o *openOptions) { o.journalMode = mode }
}

// WithAutocheckpoint sets PRAGMA wal_autocheckpoint in pages.
func WithAutocheckpoint(pages int) Option {
	return func(o *openOptions) { o.autocheckpoint = pages }
}

// WithoutMigrate skips schema creation.
func WithoutMigrate() Option {
	return func(o *openOptions) { o.migrate = false }
}

// WithoutMkdir fails instead of creating the parent directory.
func WithoutMkdir() Option {
	return func(o *openOptions) { o.mkdir = false }
}

// WithKeyword records the keyword the database belongs to.
func WithKeyword(k string) Option {
	return func(o *openOptions) { o.keyword = k }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *openOptions) { o.logger = l }
}

func defaultOpenOptions() openOptions {
	return openOptions{
		busyTimeout:    30 * time.Second,
		synchronous:    "NORMAL",
		journalMode:    "WAL",
		autocheckpoint: 1000,
		migrate:        true,
		mkdir:          true,
		ping:           true,
		logger:         slog.Default(),
	}
}

// dsn builds a modernc DSN whose pragmas run on every pooled connection.
func dsn(path string, o openOptions) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", o.busyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	if o.journalMode != "" {
		q.Add("_pragma", "journal_mode("+o.journalMode+")")
	}
	if o.synchronous != "" {
		q.Add("_pragma", "synchronous("+o.synchronous+")")
	}
	if o.autocheckpoint > 0 {
		q.Add("_pragma", "wal_autocheckpoint("+strconv.Itoa(o.autocheckpoint)+")")
	}
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

// Manager owns the connection pool of one keyword database.
type Manager struct {
	keyword string
	path    string
	db      *sql.DB
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// OpenManager opens (creating if needed) the database at path, applies the
// connection pragmas, migrates the schema and checks the connection with a
// round trip.
func OpenManager(ctx context.Context, path string, opts ...Option) (*Manager, error) {
	o := defaultOpenOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	if o.mkdir {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: failed to create directory for %s: %w", ErrNoDatabase, path, err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path, o))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoDatabase, path, err)
	}

	m := &Manager{
		keyword: o.keyword,
		path:    path,
		db:      db,
		logger:  o.logger.With("component", "store", "db", path),
	}

	if o.migrate {
		if err := migrate(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: failed to migrate %s: %w", ErrNoDatabase, path, err)
		}
	}
	if o.ping {
		if err := m.Ping(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %w", ErrNoDatabase, path, err)
		}
	}

	return m, nil
}

// DB returns the connection pool.
func (m *Manager) DB() *sql.DB { return m.db }

// Path returns the database file path.
func (m *Manager) Path() string { return m.path }

// Keyword returns the keyword the manager was opened for.
func (m *Manager) Keyword() string { return m.keyword }

// Ping runs a trivial query round trip.
func (m *Manager) Ping(ctx context.Context) error {
	var one int
	if err := m.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("liveness query failed: %w", err)
	}
	return nil
}

// CheckpointResult mirrors the row returned by PRAGMA wal_checkpoint.
type CheckpointResult struct {
	Busy         int
	LogFrames    int
	Checkpointed int
}

// Checkpoint flushes the WAL into the main file and truncates it.
func (m *Manager) Checkpoint(ctx context.Context) (CheckpointResult, error) {
	return Checkpoint(ctx, m.db)
}

// Checkpoint runs PRAGMA wal_checkpoint(TRUNCATE) on db.
func Checkpoint(ctx context.Context, db *sql.DB) (CheckpointResult, error) {
	var r CheckpointResult
	err := db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`).Scan(&r.Busy, &r.LogFrames, &r.Checkpointed)
	if err != nil {
		return r, fmt.Errorf("failed to checkpoint wal: %w", err)
	}
	if r.Busy != 0 {
		return r, fmt.Errorf("failed to checkpoint wal: %w", errCheckpointBusy)
	}
	return r, nil
}

var errCheckpointBusy = errors.New("database is locked (checkpoint blocked by a reader)")

// Close checkpoints the WAL and closes the pool. Safe to call repeatedly.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := m.Checkpoint(ctx); err != nil {
			m.logger.Debug("checkpoint before close failed", "error", err)
		}
		m.closeErr = m.db.Close()
	})
	return m.closeErr
}
