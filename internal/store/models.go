package store

import "time"

// TaskStatus is the lifecycle state of a download task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskDownloading TaskStatus = "downloading"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskDownloading, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// DownloadTask is one image fetch owed for a pin.
type DownloadTask struct {
	ID           int64      `json:"id"`
	PinID        string     `json:"pin_id"`
	PinHash      string     `json:"pin_hash"`
	ImageURL     string     `json:"image_url"`
	LocalPath    string     `json:"local_path,omitempty"`
	Status       TaskStatus `json:"status"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	FileSize     int64      `json:"file_size,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// SessionStatus is the lifecycle state of a scraping session.
type SessionStatus string

const (
	SessionRunning     SessionStatus = "running"
	SessionCompleted   SessionStatus = "completed"
	SessionFailed      SessionStatus = "failed"
	SessionInterrupted SessionStatus = "interrupted"
)

// Terminal reports whether the status ends a session.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionInterrupted
}

// Session is one scrape invocation.
type Session struct {
	ID             string         `json:"id"`
	Query          string         `json:"query"`
	TargetCount    int            `json:"target_count"`
	ActualCount    int            `json:"actual_count"`
	Status         SessionStatus  `json:"status"`
	OutputDir      string         `json:"output_dir,omitempty"`
	DownloadImages bool           `json:"download_images"`
	Stats          map[string]any `json:"stats,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// CacheMetadata is the recomputed pin count for a query.
type CacheMetadata struct {
	Query        string    `json:"query"`
	PinCount     int       `json:"pin_count"`
	LastUpdated  time.Time `json:"last_updated"`
	CacheVersion string    `json:"cache_version"`
}
