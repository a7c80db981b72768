package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ibeckermayer/pinscrape/internal/retry"
)

// Sidecar suffixes written next to a repaired database.
const (
	CorruptedSuffix = ".corrupted_backup"
	ReadySuffix     = ".repaired_ready"
	backupInfix     = ".backup_"
	backupStamp     = "20060102_150405"
)

// ErrSwapFailed is returned when the repaired file could not be moved into
// place. The repaired file is left at path + ReadySuffix.
var ErrSwapFailed = errors.New("recovery: atomic swap failed")

// rename is swapped out in tests to simulate a locked file.
var rename = os.Rename

// SwapResult lists the files a swap produced.
type SwapResult struct {
	BackupPath    string `json:"backup_path,omitempty"`
	CorruptedPath string `json:"corrupted_path,omitempty"`
	ReadyPath     string `json:"ready_path,omitempty"`
	Attempts      int    `json:"attempts"`
}

// DefaultSwapPolicy retries a swap five times starting at half a second.
func DefaultSwapPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 5,
		Initial:     500 * time.Millisecond,
		Max:         4 * time.Second,
		Multiplier:  2,
	}
}

// Swap replaces the database at path with repaired. The original is first
// copied to a timestamped backup, then renamed to path + CorruptedSuffix,
// together with its WAL sidecars, before repaired is renamed into place.
// Each attempt either completes or restores the original. When every
// attempt fails, repaired is moved to path + ReadySuffix and ErrSwapFailed
// is returned.
func Swap(ctx context.Context, path, repaired string, p retry.Policy, now time.Time) (SwapResult, error) {
	res := SwapResult{
		BackupPath:    path + backupInfix + now.Format(backupStamp),
		CorruptedPath: path + CorruptedSuffix,
	}

	if err := copyFile(path, res.BackupPath); err != nil {
		if !os.IsNotExist(err) {
			return res, fmt.Errorf("failed to back up %s: %w", path, err)
		}
		res.BackupPath = ""
	}

	out, err := retry.Do(ctx, p, func(context.Context) error {
		return swapOnce(path, repaired, res.CorruptedPath)
	})
	res.Attempts = out.Attempts
	if err == nil {
		return res, nil
	}

	ready := path + ReadySuffix
	if rerr := moveFile(repaired, ready); rerr != nil {
		return res, fmt.Errorf("%w: %w (repaired file kept at %s: %v)", ErrSwapFailed, err, repaired, rerr)
	}
	res.ReadyPath = ready
	return res, fmt.Errorf("%w: %w", ErrSwapFailed, err)
}

func swapOnce(path, repaired, corrupted string) error {
	if _, err := os.Stat(repaired); err != nil {
		return fmt.Errorf("repaired file missing: %w", err)
	}

	hadOriginal := true
	for _, p := range []string{corrupted, corrupted + "-wal", corrupted + "-shm"} {
		os.Remove(p)
	}
	if err := rename(path, corrupted); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to move original aside: %w", err)
		}
		hadOriginal = false
	}
	// A WAL left beside the new file would be replayed into it.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := rename(path+suffix, corrupted+suffix); err != nil && !os.IsNotExist(err) {
			os.Remove(path + suffix)
		}
	}

	if err := rename(repaired, path); err != nil {
		if hadOriginal {
			rename(corrupted, path)
			for _, suffix := range []string{"-wal", "-shm"} {
				rename(corrupted+suffix, path+suffix)
			}
		}
		return fmt.Errorf("failed to move repaired file into place: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(repaired + suffix)
	}
	return nil
}

// AdoptReady installs a repaired file a previous run could not swap in. It
// reports whether one was installed.
func AdoptReady(ctx context.Context, path string, p retry.Policy, now time.Time) (bool, SwapResult, error) {
	ready := path + ReadySuffix
	if _, err := os.Stat(ready); err != nil {
		return false, SwapResult{}, nil
	}

	m, err := openInspect(ctx, ready, 5*time.Second)
	if err != nil {
		return false, SwapResult{}, fmt.Errorf("leftover %s is unusable: %w", ready, err)
	}
	problems, err := QuickCheck(ctx, m)
	m.DB().Close()
	if err != nil || len(problems) > 0 {
		return false, SwapResult{}, fmt.Errorf("leftover %s fails quick_check", ready)
	}

	staged := path + ".adopting"
	if err := moveFile(ready, staged); err != nil {
		return false, SwapResult{}, err
	}
	res, err := Swap(ctx, path, staged, p, now)
	if err != nil {
		return false, res, err
	}
	return true, res, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// moveFile renames src to dst, falling back to copy and delete.
func moveFile(src, dst string) error {
	if err := rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", src, dst, err)
	}
	os.Remove(src)
	return nil
}
