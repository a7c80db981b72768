package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibeckermayer/pinscrape/internal/config"
	"github.com/ibeckermayer/pinscrape/internal/interrupt"
	"github.com/ibeckermayer/pinscrape/internal/pin"
	"github.com/ibeckermayer/pinscrape/internal/scraper"
	"github.com/ibeckermayer/pinscrape/internal/stage"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

// staticPage shows the same results grid no matter how far it scrolls.
type staticPage struct {
	mu      sync.Mutex
	html    string
	visited []string
	closed  bool
}

func (p *staticPage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visited = append(p.visited, url)
	return nil
}

func (p *staticPage) ScrollBy(context.Context, int) error { return nil }

func (p *staticPage) HTML(context.Context) (string, error) { return p.html, nil }

func (p *staticPage) Responses() [][]byte { return nil }

func (p *staticPage) Close() error {
	p.closed = true
	return nil
}

func grid(ids ...int) string {
	var b strings.Builder
	b.WriteString(`<html><body><div role="list">`)
	for _, id := range ids {
		fmt.Fprintf(&b, `<div data-test-id="pin"><a href="/pin/%d/"><img src="https://i.pinimg.com/236x/%d.jpg"></a></div>`, id, id)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}

func newTestApp(t *testing.T, page *staticPage) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Dir = t.TempDir()
	cfg.Scraping.ScrollPauseMS = 0
	cfg.Scraping.MaxIdleScrolls = 2
	cfg.Pipeline.CleanupPauseMS = 0

	a := New(Options{
		Config: cfg,
		OpenPage: func(context.Context, scraper.ChromeOptions) (scraper.Page, error) {
			return page, nil
		},
	})
	t.Cleanup(a.Close)
	return a
}

func sessions(t *testing.T, a *App, keyword string) []store.Session {
	t.Helper()
	repo, err := store.OpenRepository(context.Background(), a.Factory(), keyword, a.OutputDir())
	require.NoError(t, err)
	list, err := repo.RecentSessions(context.Background(), 10)
	require.NoError(t, err)
	return list
}

func TestScrape_SavesPinsAndRecordsSession(t *testing.T) {
	page := &staticPage{html: grid(1001, 1002, 1003)}
	a := newTestApp(t, page)
	ctx := context.Background()

	res, err := a.Scrape(ctx, "cats", 2)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, res.Status)
	assert.Equal(t, 2, res.Saved)
	assert.Equal(t, scraper.StopTarget, res.Collect.StopReason)
	assert.True(t, page.closed)
	assert.Equal(t, scraper.SearchURL+"cats", page.visited[0])
	assert.Zero(t, a.Factory().Count(), "connections released")

	// Pins already stored are not collected again.
	res, err = a.Scrape(ctx, "cats", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Saved)
	assert.Equal(t, scraper.StopExhausted, res.Collect.StopReason)

	list := sessions(t, a, "cats")
	require.Len(t, list, 2)
	for _, s := range list {
		assert.Equal(t, store.SessionCompleted, s.Status)
		assert.NotNil(t, s.CompletedAt)
	}

	repo, err := store.OpenRepository(ctx, a.Factory(), "cats", a.OutputDir())
	require.NoError(t, err)
	n, err := repo.CountPins(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	p, err := repo.GetPin(ctx, "1001")
	require.NoError(t, err)
	assert.NotEmpty(t, pin.Deref(p.LargestImageURL))
}

func TestScrape_Interrupted(t *testing.T) {
	page := &staticPage{html: grid(1)}
	a := newTestApp(t, page)
	a.Interrupt().Set("test")

	res, err := a.Scrape(context.Background(), "dogs", 5)
	require.Error(t, err)
	assert.True(t, interrupt.Is(err))
	assert.Equal(t, store.SessionInterrupted, res.Status)

	list := sessions(t, a, "dogs")
	require.Len(t, list, 1)
	assert.Equal(t, store.SessionInterrupted, list[0].Status)
}

func TestRunPipeline(t *testing.T) {
	page := &staticPage{html: grid(2001, 2002)}
	a := newTestApp(t, page)
	ctx := context.Background()

	_, err := a.Scrape(ctx, "birds", 2)
	require.NoError(t, err)

	rep, err := a.RunPipeline(ctx, PipelineOptions{Stages: []string{"repair", "convert"}})
	require.NoError(t, err)
	assert.Equal(t, stage.StatusCompleted, rep.Status)
	require.Len(t, rep.Stages, 2)
	assert.Equal(t, 0, rep.ExitCode())
	assert.FileExists(t, rep.ReportPath)
	assert.Equal(t, filepath.Join(a.OutputDir(), store.ReportsDirName, stage.ReportName), filepath.Dir(rep.ReportPath))

	_, err = a.RunPipeline(ctx, PipelineOptions{Stages: []string{"digest"}})
	assert.ErrorContains(t, err, `unknown stage "digest"`)
}

func TestStages_DefaultOrder(t *testing.T) {
	a := newTestApp(t, &staticPage{})
	stages, closeStages, err := a.Stages()
	require.NoError(t, err)
	defer closeStages()

	var names []string
	for _, s := range stages {
		names = append(names, s.Name())
	}
	assert.Equal(t, StageNames, names)
}

func TestJob_Scrape(t *testing.T) {
	page := &staticPage{html: grid(3001)}
	a := newTestApp(t, page)

	job := a.Job(config.JobEntry{Name: "fish", Kind: "scrape", Keyword: "fish", TargetCount: 1})
	require.NoError(t, job(context.Background()))
	assert.Len(t, sessions(t, a, "fish"), 1)
}

func TestScheduler_LoadsConfiguredJobs(t *testing.T) {
	a := newTestApp(t, &staticPage{})
	a.Config().Schedule.Timezone = "UTC"
	a.Config().Schedule.Jobs = []config.JobEntry{
		{Name: "nightly", Cron: "0 3 * * *", Kind: "pipeline"},
		{Name: "cats", Cron: "@hourly", Kind: "scrape", Keyword: "cats"},
	}

	s, err := a.Scheduler(context.Background())
	require.NoError(t, err)
	jobs := s.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "cats", jobs[0].Name)
}

func TestPath(t *testing.T) {
	a := newTestApp(t, &staticPage{})
	p, err := a.Path("reports")
	require.NoError(t, err)
	assert.Equal(t, store.ReportsDir(a.OutputDir(), stage.ReportName), p)

	_, err = a.Path("cache")
	assert.Error(t, err)
}

func TestReloadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := config.Default()
	cfg.Output.Dir = "first"
	require.NoError(t, cfg.Save(path))

	a := New(Options{Config: cfg, ConfigPath: path})
	defer a.Close()

	cfg2 := config.Default()
	cfg2.Output.Dir = "second"
	require.NoError(t, cfg2.Save(path))
	require.NoError(t, a.ReloadConfig())
	assert.Equal(t, "second", a.OutputDir())
}
