package recovery

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ibeckermayer/pinscrape/internal/store"
)

// DetectOptions tunes the corruption heuristics.
type DetectOptions struct {
	// WALSuspectBytes is the WAL size above which a database is suspect.
	// Smaller WAL files are normal for actively written databases.
	WALSuspectBytes int64
	// OpenTimeout bounds the trial open and round trip.
	OpenTimeout time.Duration
}

// DefaultDetectOptions flags WAL files over 10 MB and opens that take
// longer than five seconds.
func DefaultDetectOptions() DetectOptions {
	return DetectOptions{
		WALSuspectBytes: 10 * 1024 * 1024,
		OpenTimeout:     5 * time.Second,
	}
}

// Diagnosis is the result of Detect.
type Diagnosis struct {
	Path     string   `json:"path"`
	Exists   bool     `json:"exists"`
	WALBytes int64    `json:"wal_bytes"`
	Reasons  []string `json:"reasons,omitempty"`
}

// Suspect reports whether any heuristic fired.
func (d Diagnosis) Suspect() bool { return len(d.Reasons) > 0 }

// Detect inspects the database at path. A missing file
// is healthy: there is nothing to repair.
func Detect(ctx context.Context, path string, opts DetectOptions) Diagnosis {
	d := Diagnosis{Path: path}
	if _, err := os.Stat(path); err != nil {
		return d
	}
	d.Exists = true

	if fi, err := os.Stat(path + "-wal"); err == nil {
		d.WALBytes = fi.Size()
		if opts.WALSuspectBytes > 0 && fi.Size() > opts.WALSuspectBytes {
			d.Reasons = append(d.Reasons, fmt.Sprintf("wal is %s (limit %s)",
				humanize.IBytes(uint64(fi.Size())), humanize.IBytes(uint64(opts.WALSuspectBytes))))
		}
	}

	if err := ctx.Err(); err != nil {
		return d
	}

	checkCtx := ctx
	if opts.OpenTimeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, opts.OpenTimeout)
		defer cancel()
	}

	m, err := openInspect(checkCtx, path, opts.OpenTimeout)
	if err != nil {
		d.Reasons = append(d.Reasons, fmt.Sprintf("open failed: %v", err))
		return d
	}
	defer m.DB().Close()

	problems, err := QuickCheck(checkCtx, m)
	switch {
	case err != nil:
		d.Reasons = append(d.Reasons, fmt.Sprintf("quick_check failed: %v", err))
	case len(problems) > 0:
		d.Reasons = append(d.Reasons, "quick_check: "+problems[0])
	}
	return d
}

// openInspect opens an existing file without creating schema or switching
// its journal mode.
func openInspect(ctx context.Context, path string, busy time.Duration) (*store.Manager, error) {
	opts := []store.Option{store.WithoutMigrate(), store.WithoutMkdir(), store.WithJournalMode("")}
	if busy > 0 {
		opts = append(opts, store.WithBusyTimeout(busy))
	}
	return store.OpenManager(ctx, path, opts...)
}

// maxCheckMessages caps the quick_check messages collected.
const maxCheckMessages = 10

// QuickCheck runs PRAGMA quick_check and returns the problems it reports.
// A healthy database yields no problems.
func QuickCheck(ctx context.Context, m *store.Manager) ([]string, error) {
	rows, err := m.DB().QueryContext(ctx, `PRAGMA quick_check`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var problems []string
	for rows.Next() && len(problems) < maxCheckMessages {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return problems, err
		}
		if msg != "ok" {
			problems = append(problems, msg)
		}
	}
	return problems, rows.Err()
}
