package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibeckermayer/pinscrape/internal/download"
	"github.com/ibeckermayer/pinscrape/internal/pin"
	"github.com/ibeckermayer/pinscrape/internal/recovery"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func imageRaw(id, title string) pin.Raw {
	return pin.Raw{
		"id":    id,
		"title": title,
		"images": map[string]any{
			"orig": map[string]any{"url": "https://i.pinimg.com/originals/" + id + ".jpg"},
		},
	}
}

func seedRepo(t *testing.T, env *Env, kw string) *store.Repository {
	t.Helper()
	repo, err := openRepo(context.Background(), env, kw)
	require.NoError(t, err)
	return repo
}

func upsert(t *testing.T, repo *store.Repository, pins ...pin.Pin) {
	t.Helper()
	ctx := context.Background()
	for _, p := range pins {
		require.NoError(t, store.UpsertPin(ctx, repo.Manager().DB(), p))
		require.NoError(t, store.UpsertPinTask(ctx, repo.Manager().DB(), p))
	}
}

// bareRow is a stored pin without image columns. raw is its raw_data.
func bareRow(id, query, raw string) pin.Pin {
	p := pin.Pin{ID: id, Query: query, Title: pin.Ptr("pin " + id), RawData: raw, CreatedAt: t0, UpdatedAt: t0}
	p.Hash = pin.Hash(p.ID, "pin "+id, "", "")
	return p
}

type fakeDownloader struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func (d *fakeDownloader) Download(ctx context.Context, task store.DownloadTask, dir string) download.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calls == nil {
		d.calls = make(map[string]int)
	}
	d.calls[task.PinID]++
	if d.fail[task.PinID] {
		return download.Result{TaskID: task.ID, PinID: task.PinID, Err: errors.New("status 503")}
	}
	return download.Result{TaskID: task.ID, PinID: task.PinID, Path: dir + "/" + task.PinID + ".jpg", Bytes: 100}
}

func TestDownloadStage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	repo := seedRepo(t, env, "cats")
	out, err := repo.SavePinsBatch(ctx, []pin.Raw{imageRaw("1", "one"), imageRaw("2", "two"), imageRaw("3", "three")}, "cats", "")
	require.NoError(t, err)
	require.Equal(t, 3, out.Successful())
	// a pin whose task went missing gets one again
	_, err = repo.Manager().DB().ExecContext(ctx, `DELETE FROM download_tasks WHERE pin_id = '3'`)
	require.NoError(t, err)
	// left over from an aborted run
	_, err = repo.Manager().DB().ExecContext(ctx, `UPDATE download_tasks SET status = 'downloading' WHERE pin_id = '1'`)
	require.NoError(t, err)

	dl := &fakeDownloader{fail: map[string]bool{"2": true}}
	st := &DownloadStage{Downloader: dl, MaxConcurrent: 2, MaxRetries: 3}
	res, err := NewRunner(env, 0).Run(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status, res.Error)
	assert.Equal(t, 1, res.Stats.Get("reset"))
	assert.Equal(t, 1, res.Stats.Get("tasks_created"))
	assert.Equal(t, 2, res.Stats.Get("downloaded"))
	assert.Equal(t, 1, res.Stats.Get("failed"))
	assert.Equal(t, map[string]int{"1": 1, "2": 1, "3": 1}, dl.calls, "each task tried once per run")

	repo = seedRepo(t, env, "cats")
	counts, err := repo.TaskCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[store.TaskCompleted])
	assert.Equal(t, 1, counts[store.TaskFailed])

	task, err := repo.DownloadTaskByPinAndURL(ctx, "2", "https://i.pinimg.com/originals/2.jpg")
	require.NoError(t, err)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, "status 503", task.ErrorMessage)

	task, err = repo.DownloadTaskByPinAndURL(ctx, "1", "https://i.pinimg.com/originals/1.jpg")
	require.NoError(t, err)
	assert.Equal(t, ImagesDir(env.OutputDir, "cats")+"/1.jpg", task.LocalPath)

	// the failed task is retried on the next run
	dl.fail = nil
	res, err = NewRunner(env, 0).Run(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Get("downloaded"))
	assert.Equal(t, 2, dl.calls["2"])
}

type fakeFetcher struct {
	mu      sync.Mutex
	fetched []string
	missing map[string]bool
}

func (f *fakeFetcher) FetchPin(ctx context.Context, id string) (pin.Raw, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, id)
	f.mu.Unlock()
	if f.missing[id] {
		return nil, fmt.Errorf("pin %s: not found", id)
	}
	raw := imageRaw(id, "")
	delete(raw, "title")
	raw["description"] = "fetched " + id
	return raw, nil
}

func TestEnhanceStage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	repo := seedRepo(t, env, "cats")
	upsert(t, repo,
		bareRow("1", "cats", `{"id":"1","title":"pin 1"}`),
		bareRow("2", "cats", `{"id":"2","title":"pin 2"}`),
		bareRow("3", "cats", `{"id":"3"}`),
		bareRow(pin.EncodeID("4"), "cats", `{}`),
	)

	f := &fakeFetcher{missing: map[string]bool{"3": true}}
	st := &EnhanceStage{Fetcher: f, MaxConcurrent: 2, BatchSize: 1}
	res, err := NewRunner(env, 0).Run(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status, res.Error)
	assert.Equal(t, 2, res.Stats.Get("enhanced"))
	assert.Equal(t, 1, res.Stats.Get("fetch_failed"))
	assert.ElementsMatch(t, []string{"1", "2", "3"}, f.fetched, "encoded ids are not fetched")

	repo = seedRepo(t, env, "cats")
	p, err := repo.GetPin(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "pin 1", pin.Deref(p.Title))
	assert.Equal(t, "fetched 1", pin.Deref(p.Description))
	assert.Equal(t, "https://i.pinimg.com/originals/1.jpg", pin.Deref(p.LargestImageURL))
	assert.Equal(t, pin.Hash("1", "pin 1", "fetched 1", "https://i.pinimg.com/originals/1.jpg"), p.Hash)

	missing, err := repo.LoadPinsMissingImages(ctx, "cats", 0, 0)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "3", missing[0].ID)

	counts, err := repo.TaskCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[store.TaskPending])
}

func TestRepairStage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	repo := seedRepo(t, env, "cats")
	withImages := `{"id":"%s","images":{"236x":{"url":"https://i.pinimg.com/236x/%s.jpg"},"736x":{"url":"https://i.pinimg.com/736x/%s.jpg"}}}`
	upsert(t, repo,
		bareRow("1", "cats", fmt.Sprintf(withImages, "1", "1", "1")),
		bareRow("2", "cats", fmt.Sprintf(withImages, "2", "2", "2")),
	)
	dogs := seedRepo(t, env, "dogs")
	dbPath := dogs.Manager().Path()
	env.Factory.CleanupAll()
	require.NoError(t, os.WriteFile(dbPath, bytes.Repeat([]byte("X"), 4096), 0o644))

	opts := recovery.DefaultOptions()
	opts.ReleasePause = 0
	opts.Now = func() time.Time { return t0 }
	st := &RepairStage{
		Engine: recovery.NewEngine(env.Factory, env.OutputDir, nil, opts),
		Now:    opts.Now,
	}

	res, err := NewRunner(env, 0).Run(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status, res.Error)
	assert.Equal(t, 2, res.Stats.Keywords)
	assert.Equal(t, 1, res.Stats.Get("healthy"))
	assert.Equal(t, 2, res.Stats.Get("image_urls_repaired"))
	assert.Contains(t, res.Stats.Errors, "dogs")

	repo = seedRepo(t, env, "cats")
	p, err := repo.GetPin(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, "https://i.pinimg.com/736x/2.jpg", pin.Deref(p.LargestImageURL))
}

func TestConvertStage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	repo := seedRepo(t, env, "cats")
	upsert(t, repo,
		bareRow(pin.EncodeID("10"), "cats", `{}`),
		bareRow(pin.EncodeID("20"), "cats", `{}`),
		bareRow("30", "cats", `{}`),
	)

	st := &ConvertStage{Converter: recovery.NewConverter(env.Factory, env.OutputDir, env.Interrupt, nil,
		recovery.ConvertOptions{Workers: 2})}
	res, err := NewRunner(env, 0).Run(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status, res.Error)
	assert.Equal(t, 2, res.Stats.Get("found"))
	assert.Equal(t, 2, res.Stats.Get("converted"))

	repo = seedRepo(t, env, "cats")
	n, err := repo.CountEncodedPins(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = repo.GetPin(ctx, "10")
	assert.NoError(t, err)
}
