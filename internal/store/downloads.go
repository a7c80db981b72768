package store

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultPendingLimit caps PendingDownloadTasks when no limit is given.
const DefaultPendingLimit = 100

// TaskUpdate carries the optional fields of a task status change.
type TaskUpdate struct {
	LocalPath    string
	ErrorMessage string
	FileSize     int64
}

const taskColumns = `id, pin_id, pin_hash, image_url, local_path, status, retry_count,
	error_message, file_size, created_at, updated_at`

func scanTask(row RowScanner) (DownloadTask, error) {
	var (
		t                   DownloadTask
		status              string
		localPath, errorMsg sql.NullString
		size                sql.NullInt64
		created, updated    timeCol
	)
	err := row.Scan(&t.ID, &t.PinID, &t.PinHash, &t.ImageURL, &localPath, &status, &t.RetryCount,
		&errorMsg, &size, &created, &updated)
	if err != nil {
		return DownloadTask{}, err
	}
	t.Status = TaskStatus(status)
	t.LocalPath = localPath.String
	t.ErrorMessage = errorMsg.String
	t.FileSize = size.Int64
	t.CreatedAt = created.Time
	t.UpdatedAt = updated.Time
	return t, nil
}

func (r *Repository) listTasks(ctx context.Context, q string, args ...any) ([]DownloadTask, error) {
	rows, err := r.mgr.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query download tasks: %w", err)
	}
	defer rows.Close()

	var out []DownloadTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PendingDownloadTasks returns pending tasks, oldest first. A non-positive
// limit means DefaultPendingLimit.
func (r *Repository) PendingDownloadTasks(ctx context.Context, limit int) ([]DownloadTask, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	return r.listTasks(ctx, `SELECT `+taskColumns+` FROM download_tasks
		WHERE status = ? ORDER BY created_at, id LIMIT ?`, string(TaskPending), limit)
}

// RetryableDownloadTasks returns failed tasks that have been tried fewer
// than maxRetries times.
func (r *Repository) RetryableDownloadTasks(ctx context.Context, maxRetries, limit int) ([]DownloadTask, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	return r.listTasks(ctx, `SELECT `+taskColumns+` FROM download_tasks
		WHERE status = ? AND retry_count < ? ORDER BY updated_at, id LIMIT ?`,
		string(TaskFailed), maxRetries, limit)
}

func taskHash(pinID string) string {
	sum := md5.Sum([]byte(pinID))
	return hex.EncodeToString(sum[:])
}

// CreateDownloadTask records a pending fetch of imageURL for pinID and
// returns the task id. Creating the same (pin, url) twice returns the
// existing task unchanged.
func (r *Repository) CreateDownloadTask(ctx context.Context, pinID, imageURL string) (int64, error) {
	now := formatTime(time.Now())
	_, err := r.mgr.DB().ExecContext(ctx, `INSERT INTO download_tasks
		(pin_id, pin_hash, image_url, status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(pin_id, image_url) DO NOTHING`,
		pinID, taskHash(pinID), imageURL, string(TaskPending), now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to create download task for %s: %w", pinID, err)
	}
	t, err := r.DownloadTaskByPinAndURL(ctx, pinID, imageURL)
	if err != nil {
		return 0, err
	}
	return t.ID, nil
}

// DownloadTaskByPinAndURL returns the task for (pinID, imageURL), or
// sql.ErrNoRows.
func (r *Repository) DownloadTaskByPinAndURL(ctx context.Context, pinID, imageURL string) (DownloadTask, error) {
	row := r.mgr.DB().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM download_tasks
		WHERE pin_id = ? AND image_url = ?`, pinID, imageURL)
	return scanTask(row)
}

// UpdateDownloadTaskStatus moves a task to status. A move to failed
// increments retry_count.
func (r *Repository) UpdateDownloadTaskStatus(ctx context.Context, id int64, status TaskStatus, u TaskUpdate) error {
	if !status.Valid() {
		return fmt.Errorf("unknown task status %q", status)
	}
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), formatTime(time.Now())}

	if u.LocalPath != "" {
		sets = append(sets, "local_path = ?")
		args = append(args, u.LocalPath)
	}
	if u.ErrorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, u.ErrorMessage)
	}
	if u.FileSize > 0 {
		sets = append(sets, "file_size = ?")
		args = append(args, u.FileSize)
	}
	if status == TaskFailed {
		sets = append(sets, "retry_count = retry_count + 1")
	}
	args = append(args, id)

	res, err := r.mgr.DB().ExecContext(ctx,
		`UPDATE download_tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update download task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("download task %d: %w", id, sql.ErrNoRows)
	}
	return nil
}

// ResetStaleDownloads returns tasks left in downloading by an aborted run
// to pending.
func (r *Repository) ResetStaleDownloads(ctx context.Context) (int, error) {
	res, err := r.mgr.DB().ExecContext(ctx, `UPDATE download_tasks SET status = ?, updated_at = ?
		WHERE status = ?`, string(TaskPending), formatTime(time.Now()), string(TaskDownloading))
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale downloads: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// EnsureDownloadTasks creates a pending task for every pin of query that
// has a largest image URL but no task for it yet. It returns how many
// tasks were created.
func (r *Repository) EnsureDownloadTasks(ctx context.Context, query string) (int, error) {
	rows, err := r.mgr.DB().QueryContext(ctx, `SELECT p.id, p.largest_image_url FROM pins p
		WHERE p.query = ?
		  AND p.largest_image_url IS NOT NULL AND p.largest_image_url != ''
		  AND NOT EXISTS (SELECT 1 FROM download_tasks t
		                  WHERE t.pin_id = p.id AND t.image_url = p.largest_image_url)`, query)
	if err != nil {
		return 0, fmt.Errorf("failed to find pins without tasks: %w", err)
	}
	type missing struct{ id, url string }
	var todo []missing
	for rows.Next() {
		var m missing
		if err := rows.Scan(&m.id, &m.url); err != nil {
			rows.Close()
			return 0, err
		}
		todo = append(todo, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	created := 0
	for _, m := range todo {
		if _, err := r.CreateDownloadTask(ctx, m.id, m.url); err != nil {
			if errors.Is(err, context.Canceled) {
				return created, err
			}
			r.logger.Warn("failed to create download task", "pin_id", m.id, "error", err)
			continue
		}
		created++
	}
	return created, nil
}

// TaskCounts returns the number of tasks per status.
func (r *Repository) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := r.mgr.DB().QueryContext(ctx, `SELECT status, COUNT(*) FROM download_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count download tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[TaskStatus]int)
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[TaskStatus(s)] = n
	}
	return out, rows.Err()
}
