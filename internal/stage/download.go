package stage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ibeckermayer/pinscrape/internal/download"
	"github.com/ibeckermayer/pinscrape/internal/interrupt"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

// ImagesDirName is the per-keyword image directory.
const ImagesDirName = "images"

// Downloader fetches one task's image into dir.
type Downloader interface {
	Download(ctx context.Context, task store.DownloadTask, dir string) download.Result
}

// DownloadStage fetches the images owed by pending and retryable tasks.
type DownloadStage struct {
	Downloader    Downloader
	MaxConcurrent int
	// MaxRetries is the number of failed attempts after which a task is
	// left alone.
	MaxRetries int
}

func (s *DownloadStage) Name() string { return "download" }

// ImagesDir returns keyword's image directory.
func ImagesDir(outputDir, keyword string) string {
	return filepath.Join(store.KeywordDir(outputDir, keyword), ImagesDirName)
}

func (s *DownloadStage) Execute(ctx context.Context, env *Env) (Stats, error) {
	var stats Stats
	err := forEachKeyword(ctx, env, &stats, func(kw string) error {
		repo, err := openRepo(ctx, env, kw)
		if err != nil {
			return err
		}
		if n, err := repo.ResetStaleDownloads(ctx); err != nil {
			return err
		} else if n > 0 {
			stats.Add("reset", n)
		}

		queries, err := repo.Queries(ctx)
		if err != nil {
			return err
		}
		for _, q := range queries {
			n, err := repo.EnsureDownloadTasks(ctx, q)
			if err != nil {
				return err
			}
			stats.Add("tasks_created", n)
		}

		return s.drain(ctx, env, repo, ImagesDir(env.OutputDir, kw), &stats)
	})
	return stats, err
}

// drain works through the task queue in chunks until nothing is left
// that may be tried again.
func (s *DownloadStage) drain(ctx context.Context, env *Env, repo *store.Repository, dir string, stats *Stats) error {
	chunk := env.every()
	tried := make(map[int64]bool)
	for {
		pending, err := repo.PendingDownloadTasks(ctx, chunk)
		if err != nil {
			return err
		}
		retryable, err := repo.RetryableDownloadTasks(ctx, s.MaxRetries, chunk)
		if err != nil {
			return err
		}

		var todo []store.DownloadTask
		for _, t := range append(pending, retryable...) {
			if !tried[t.ID] {
				tried[t.ID] = true
				todo = append(todo, t)
			}
		}
		if len(todo) == 0 {
			return nil
		}
		if err := s.run(ctx, repo, todo, dir, stats); err != nil {
			return err
		}
		if err := env.checkpoint(ctx, interrupt.EveryNItems); err != nil {
			return err
		}
	}
}

func (s *DownloadStage) run(ctx context.Context, repo *store.Repository, tasks []store.DownloadTask, dir string, stats *Stats) error {
	var mu sync.Mutex
	add := func(name string, n int) {
		mu.Lock()
		stats.Add(name, n)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.MaxConcurrent, 1))
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := repo.UpdateDownloadTaskStatus(gctx, t.ID, store.TaskDownloading, store.TaskUpdate{}); err != nil {
				add("failed", 1)
				return nil
			}

			res := s.Downloader.Download(gctx, t, dir)
			// Status updates must land even when the run is being stopped.
			uctx := context.WithoutCancel(gctx)
			if !res.OK() {
				if gctx.Err() != nil {
					_ = repo.UpdateDownloadTaskStatus(uctx, t.ID, store.TaskPending, store.TaskUpdate{})
					return gctx.Err()
				}
				add("failed", 1)
				return repo.UpdateDownloadTaskStatus(uctx, t.ID, store.TaskFailed,
					store.TaskUpdate{ErrorMessage: res.Err.Error()})
			}
			if res.Skipped {
				add("already_present", 1)
			} else {
				add("downloaded", 1)
				add("bytes", int(res.Bytes))
			}
			return repo.UpdateDownloadTaskStatus(uctx, t.ID, store.TaskCompleted,
				store.TaskUpdate{LocalPath: res.Path, FileSize: res.Bytes})
		})
	}
	return g.Wait()
}

// Verify checks that no task was left in the downloading state.
func (s *DownloadStage) Verify(ctx context.Context, env *Env) error {
	keywords, err := env.Keywords()
	if err != nil {
		return err
	}
	var errs []error
	for _, kw := range keywords {
		repo, err := openRepo(ctx, env, kw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		counts, err := repo.TaskCounts(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n := counts[store.TaskDownloading]; n > 0 {
			errs = append(errs, fmt.Errorf("%s: %d tasks stuck downloading", kw, n))
		}
	}
	return errors.Join(errs...)
}

var (
	_ Stage = (*RepairStage)(nil)
	_ Stage = (*ConvertStage)(nil)
	_ Stage = (*EnhanceStage)(nil)
	_ Stage = (*DownloadStage)(nil)
)
