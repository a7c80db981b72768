package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionParams describes a scrape about to start.
type SessionParams struct {
	Query          string
	TargetCount    int
	OutputDir      string
	DownloadImages bool
}

// SessionUpdate carries the optional fields of a status change.
type SessionUpdate struct {
	ActualCount *int
	Stats       map[string]any
}

const sessionColumns = `id, query, target_count, actual_count, status, output_dir,
	download_images, stats, started_at, completed_at`

// CreateSession records a running session and returns its id.
func (r *Repository) CreateSession(ctx context.Context, p SessionParams) (string, error) {
	id := uuid.NewString()
	_, err := r.mgr.DB().ExecContext(ctx, `INSERT INTO scraping_sessions
		(id, query, target_count, actual_count, status, output_dir, download_images, started_at)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?)`,
		id, p.Query, p.TargetCount, string(SessionRunning), nullString(p.OutputDir), p.DownloadImages,
		formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	r.logger.Info("session started", "session", id, "query", p.Query, "target", p.TargetCount)
	return id, nil
}

// UpdateSessionStatus moves a session to status. Terminal statuses stamp
// completed_at.
func (r *Repository) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, u SessionUpdate) error {
	sets := []string{"status = ?"}
	args := []any{string(status)}

	if u.ActualCount != nil {
		sets = append(sets, "actual_count = ?")
		args = append(args, *u.ActualCount)
	}
	if u.Stats != nil {
		data, err := json.Marshal(u.Stats)
		if err != nil {
			return fmt.Errorf("failed to encode session stats: %w", err)
		}
		sets = append(sets, "stats = ?")
		args = append(args, string(data))
	}
	if status.Terminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, formatTime(time.Now()))
	}
	args = append(args, id)

	res, err := r.mgr.DB().ExecContext(ctx,
		`UPDATE scraping_sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// UpdateSessionProgress sets the session's actual count without touching
// its status.
func (r *Repository) UpdateSessionProgress(ctx context.Context, id string, count int) error {
	_, err := r.mgr.DB().ExecContext(ctx,
		`UPDATE scraping_sessions SET actual_count = ? WHERE id = ?`, count, id)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	return nil
}

// AddSessionProgress adds n to the session's actual count.
func (r *Repository) AddSessionProgress(ctx context.Context, id string, n int) error {
	_, err := r.mgr.DB().ExecContext(ctx,
		`UPDATE scraping_sessions SET actual_count = actual_count + ? WHERE id = ?`, n, id)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	return nil
}

// GetSession returns one session, or sql.ErrNoRows.
func (r *Repository) GetSession(ctx context.Context, id string) (Session, error) {
	row := r.mgr.DB().QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM scraping_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// IncompleteSessions returns running or interrupted sessions, oldest first.
// An empty query matches every query.
func (r *Repository) IncompleteSessions(ctx context.Context, query string) ([]Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM scraping_sessions WHERE status IN (?, ?)`
	args := []any{string(SessionRunning), string(SessionInterrupted)}
	if query != "" {
		q += ` AND query = ?`
		args = append(args, query)
	}
	q += ` ORDER BY started_at`
	return r.listSessions(ctx, q, args...)
}

// RecentSessions returns up to limit sessions, newest first.
func (r *Repository) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	return r.listSessions(ctx, `SELECT `+sessionColumns+` FROM scraping_sessions
		ORDER BY started_at DESC LIMIT ?`, limitArg(limit))
}

func (r *Repository) listSessions(ctx context.Context, q string, args ...any) ([]Session, error) {
	rows, err := r.mgr.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row RowScanner) (Session, error) {
	var (
		s                  Session
		status             string
		outputDir, stats   sql.NullString
		started, completed timeCol
	)
	err := row.Scan(&s.ID, &s.Query, &s.TargetCount, &s.ActualCount, &status, &outputDir,
		&s.DownloadImages, &stats, &started, &completed)
	if err != nil {
		return Session{}, err
	}
	s.Status = SessionStatus(status)
	s.OutputDir = outputDir.String
	s.StartedAt = started.Time
	if completed.Valid {
		t := completed.Time
		s.CompletedAt = &t
	}
	if stats.Valid && stats.String != "" {
		if err := json.Unmarshal([]byte(stats.String), &s.Stats); err != nil {
			return Session{}, fmt.Errorf("failed to decode stats of session %s: %w", s.ID, err)
		}
	}
	return s, nil
}
