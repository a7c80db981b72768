// Package download fetches pin images to disk.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/time/rate"

	"github.com/ibeckermayer/pinscrape/internal/retry"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

// MaxImageBytes caps a single download.
const MaxImageBytes = 50 << 20

// ErrNotImage is returned when the response body is not an image.
var ErrNotImage = errors.New("download: response is not an image")

var errBadURL = errors.New("download: bad image url")

// Options configures a Downloader.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	// Backoff is the wait before the first retry.
	Backoff           time.Duration
	RequestsPerSecond float64
	UserAgent         string
	Client            *http.Client
}

// Downloader fetches images with a shared rate limit.
type Downloader struct {
	client    *http.Client
	limiter   *rate.Limiter
	policy    retry.Policy
	userAgent string
	logger    *slog.Logger
}

// Result describes one download.
type Result struct {
	TaskID int64  `json:"task_id"`
	PinID  string `json:"pin_id"`
	Path   string `json:"path,omitempty"`
	Bytes  int64  `json:"bytes"`
	MIME   string `json:"mime,omitempty"`
	// Skipped is set when the image was already on disk.
	Skipped  bool  `json:"skipped,omitempty"`
	Attempts int   `json:"attempts"`
	Err      error `json:"-"`
}

// OK reports whether the image is on disk.
func (r Result) OK() bool { return r.Err == nil }

// statusError is a non-2xx response.
type statusError struct{ code int }

func (e statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

func retryable(err error) bool {
	var se statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return !errors.Is(err, ErrNotImage) && !errors.Is(err, errBadURL)
}

// New returns a Downloader.
func New(opts Options, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &Downloader{
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		policy: retry.Policy{
			MaxAttempts: max(opts.MaxRetries, 0) + 1,
			Initial:     opts.Backoff,
			Max:         8 * opts.Backoff,
			Multiplier:  2,
			Jitter:      0.2,
			Retryable:   retryable,
		},
		userAgent: opts.UserAgent,
		logger:    logger.With("component", "download"),
	}
}

// Existing returns the file already downloaded for pinID, if any.
func Existing(imagesDir, pinID string) (string, bool) {
	matches, _ := filepath.Glob(filepath.Join(imagesDir, fileStem(pinID)+".*"))
	for _, m := range matches {
		if strings.HasPrefix(filepath.Base(m), ".") {
			continue
		}
		if fi, err := os.Stat(m); err == nil && fi.Size() > 0 {
			return m, true
		}
	}
	return "", false
}

// fileStem makes pinID safe to use as a file name.
func fileStem(pinID string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(`\/:*?"<>|`, r) || r < 0x20 {
			return '_'
		}
		return r
	}, pinID)
}

// Download stores task's image as imagesDir/<pin_id>.<ext>. The extension
// comes from the detected content type and the file is written atomically.
func (d *Downloader) Download(ctx context.Context, task store.DownloadTask, imagesDir string) Result {
	res := Result{TaskID: task.ID, PinID: task.PinID}
	if path, ok := Existing(imagesDir, task.PinID); ok {
		res.Path, res.Skipped = path, true
		if fi, err := os.Stat(path); err == nil {
			res.Bytes = fi.Size()
		}
		return res
	}

	body, out, err := retry.DoValue(ctx, d.policy, func(ctx context.Context) ([]byte, error) {
		return d.fetch(ctx, task.ImageURL)
	})
	res.Attempts = out.Attempts
	if err != nil {
		res.Err = err
		return res
	}

	mt := mimetype.Detect(body)
	res.MIME = mt.String()
	if err := verify(body, mt); err != nil {
		res.Err = err
		return res
	}

	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		res.Err = err
		return res
	}
	path := filepath.Join(imagesDir, fileStem(task.PinID)+mt.Extension())
	if err := writeAtomic(path, body); err != nil {
		res.Err = err
		return res
	}
	res.Path = path
	res.Bytes = int64(len(body))
	d.logger.Debug("image saved", "pin_id", task.PinID, "size", humanize.Bytes(uint64(res.Bytes)), "path", path)
	return res
}

func (d *Downloader) fetch(ctx context.Context, url string) ([]byte, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadURL, err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")
	req.Header.Set("Referer", "https://www.pinterest.com/")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, statusError{code: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > MaxImageBytes {
		return nil, fmt.Errorf("%w: larger than %s", ErrNotImage, humanize.Bytes(MaxImageBytes))
	}
	return body, nil
}

// verify rejects bodies that are not images, and decodes the formats
// imaging understands to catch truncated files.
func verify(body []byte, mt *mimetype.MIME) error {
	if len(body) == 0 || !strings.HasPrefix(mt.String(), "image/") {
		return fmt.Errorf("%w: got %s", ErrNotImage, mt.String())
	}
	switch {
	case mt.Is("image/jpeg"), mt.Is("image/png"), mt.Is("image/gif"), mt.Is("image/bmp"), mt.Is("image/tiff"):
		if _, err := imaging.Decode(bytes.NewReader(body)); err != nil {
			return fmt.Errorf("%w: %w", ErrNotImage, err)
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".dl-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
