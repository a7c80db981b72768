// Package app wires configuration, storage, the browser and the pipeline
// stages together for the command line and the scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/pkg/browser"
	"golang.org/x/time/rate"

	"github.com/ibeckermayer/pinscrape/internal/auth"
	"github.com/ibeckermayer/pinscrape/internal/config"
	"github.com/ibeckermayer/pinscrape/internal/download"
	"github.com/ibeckermayer/pinscrape/internal/interrupt"
	"github.com/ibeckermayer/pinscrape/internal/pin"
	"github.com/ibeckermayer/pinscrape/internal/recovery"
	"github.com/ibeckermayer/pinscrape/internal/retry"
	"github.com/ibeckermayer/pinscrape/internal/scheduler"
	"github.com/ibeckermayer/pinscrape/internal/scraper"
	"github.com/ibeckermayer/pinscrape/internal/stage"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

// StageNames lists the pipeline stages in run order.
var StageNames = []string{"repair", "convert", "enhance", "download"}

// maxDetailPages bounds the browsers opened for the enhance stage.
const maxDetailPages = 4

// PageOpener starts a browser page.
type PageOpener func(ctx context.Context, opts scraper.ChromeOptions) (scraper.Page, error)

func openChrome(ctx context.Context, opts scraper.ChromeOptions) (scraper.Page, error) {
	return scraper.NewChrome(ctx, opts)
}

// App holds the application state.
type App struct {
	mu sync.RWMutex

	// Immutable after creation.
	configPath  string
	logger      *slog.Logger
	factory     *store.Factory
	interrupt   *interrupt.Manager
	authManager *auth.Manager
	openPage    PageOpener

	// Mutable - use getSnapshot() for concurrent access.
	config *config.Config
}

// snapshot holds fields that may be replaced by ReloadConfig.
type snapshot struct {
	config *config.Config
}

func (a *App) getSnapshot() snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return snapshot{config: a.config}
}

// Options configures New. Only Config is required.
type Options struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
	Interrupt  *interrupt.Manager
	Auth       *auth.Manager
	// OpenPage replaces the Chrome page opener.
	OpenPage PageOpener
}

// New creates a new App instance. Database settings are read once here;
// ReloadConfig does not change them.
func New(opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	im := opts.Interrupt
	if im == nil {
		im = interrupt.New()
	}
	open := opts.OpenPage
	if open == nil {
		open = openChrome
	}
	db := opts.Config.Database
	f := store.NewFactory(logger,
		store.WithBusyTimeout(db.BusyTimeout()),
		store.WithAutocheckpoint(db.WALAutocheckpoint),
	)
	return &App{
		configPath:  opts.ConfigPath,
		logger:      logger,
		factory:     f,
		interrupt:   im,
		authManager: opts.Auth,
		openPage:    open,
		config:      opts.Config,
	}
}

// Config returns the current configuration.
func (a *App) Config() *config.Config { return a.getSnapshot().config }

func (a *App) Factory() *store.Factory { return a.factory }

func (a *App) Interrupt() *interrupt.Manager { return a.interrupt }

func (a *App) Logger() *slog.Logger { return a.logger }

// OutputDir returns the configured output directory.
func (a *App) OutputDir() string { return a.getSnapshot().config.Output.Dir }

// Close releases every open database.
func (a *App) Close() {
	if n := a.factory.CleanupAll(); n > 0 {
		a.logger.Debug("closed databases", "count", n)
	}
}

// ReloadConfig re-reads the config file and swaps it in.
func (a *App) ReloadConfig() error {
	cfg, err := config.LoadOrDefault(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	a.config = cfg
	a.mu.Unlock()
	a.logger.Info("config reloaded", "path", a.configPath)
	return nil
}

// cookies returns the stored login cookies, or none when logged out.
func (a *App) cookies() []*network.Cookie {
	if a.authManager == nil {
		return nil
	}
	cookies, err := a.authManager.GetCookies()
	if err != nil {
		a.logger.Warn("could not load login cookies", "error", err)
		return nil
	}
	if cookies == nil {
		a.logger.Info("not logged in, scraping anonymously")
	}
	return cookies
}

func (a *App) pageOptions(cfg *config.Config, cookies []*network.Cookie) scraper.ChromeOptions {
	return scraper.ChromeOptions{
		Headless:  cfg.Scraping.Headless,
		UserAgent: cfg.Download.UserAgent,
		Cookies:   cookies,
		Timeout:   cfg.Scraping.PageTimeout(),
		Logger:    a.logger,
	}
}

// Login opens a visible browser for the user to sign in.
func (a *App) Login(ctx context.Context) error {
	if a.authManager == nil {
		return errors.New("no cookie store configured")
	}
	a.logger.Info("opening browser for Pinterest login")
	if err := a.authManager.Login(ctx); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	a.logger.Info("login successful, cookies saved")
	return nil
}

// Logout clears the stored cookies.
func (a *App) Logout() error {
	if a.authManager == nil {
		return nil
	}
	return a.authManager.Logout()
}

// ScrapeResult describes one scrape.
type ScrapeResult struct {
	SessionID string               `json:"session_id"`
	Keyword   string               `json:"keyword"`
	Status    store.SessionStatus  `json:"status"`
	Saved     int                  `json:"saved"`
	Skipped   int                  `json:"skipped"`
	Failed    int                  `json:"failed"`
	Collect   scraper.CollectStats `json:"collect"`
	Duration  time.Duration        `json:"duration"`
}

// Scrape collects up to target new pins for keyword into its database.
// A non-positive target uses the configured default. The scrape is
// recorded as a session whose final status is completed, interrupted or
// failed.
func (a *App) Scrape(ctx context.Context, keyword string, target int) (ScrapeResult, error) {
	cfg := a.getSnapshot().config
	if target <= 0 {
		target = cfg.Scraping.TargetCount
	}
	outDir := cfg.Output.Dir
	res := ScrapeResult{Keyword: keyword, Status: store.SessionRunning}
	start := time.Now()
	logger := a.logger.With("keyword", keyword)

	repo, err := store.OpenRepository(ctx, a.factory, keyword, outDir, pin.WithLogger(a.logger))
	if err != nil {
		return res, err
	}
	defer a.factory.Cleanup(keyword, outDir)

	res.SessionID, err = repo.CreateSession(ctx, store.SessionParams{
		Query:       keyword,
		TargetCount: target,
		OutputDir:   outDir,
	})
	if err != nil {
		return res, err
	}

	runErr := a.collect(ctx, repo, keyword, target, &res, logger)
	res.Duration = time.Since(start)

	switch {
	case runErr == nil:
		res.Status = store.SessionCompleted
	case interrupt.Is(runErr) || errors.Is(runErr, context.Canceled):
		res.Status = store.SessionInterrupted
	default:
		res.Status = store.SessionFailed
	}
	update := store.SessionUpdate{
		ActualCount: &res.Saved,
		Stats: map[string]any{
			"saved":       res.Saved,
			"skipped":     res.Skipped,
			"failed":      res.Failed,
			"rounds":      res.Collect.Rounds,
			"duplicates":  res.Collect.Duplicates,
			"responses":   res.Collect.Responses,
			"stop_reason": res.Collect.StopReason,
			"duration_s":  res.Duration.Seconds(),
		},
	}
	if runErr != nil {
		update.Stats["error"] = runErr.Error()
	}
	if err := repo.UpdateSessionStatus(context.WithoutCancel(ctx), res.SessionID, res.Status, update); err != nil {
		logger.Warn("could not record session result", "session", res.SessionID, "error", err)
	}
	logger.Info("scrape finished", "status", res.Status, "saved", res.Saved, "duration", res.Duration.Round(time.Millisecond))
	return res, runErr
}

func (a *App) collect(ctx context.Context, repo *store.Repository, keyword string, target int, res *ScrapeResult, logger *slog.Logger) error {
	cfg := a.getSnapshot().config

	existing, err := repo.LoadPinsByQuery(ctx, keyword, 0, 0)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, p := range existing {
		known[p.ID] = true
	}

	pctx, cancel := a.interrupt.Context(ctx)
	defer cancel()
	page, err := a.openPage(pctx, a.pageOptions(cfg, a.cookies()))
	if err != nil {
		return err
	}
	defer page.Close()

	col := &scraper.Collector{
		Page:           page,
		Interrupt:      a.interrupt,
		Logger:         a.logger,
		MaxIdleScrolls: cfg.Scraping.MaxIdleScrolls,
		ScrollPixels:   cfg.Scraping.ScrollPixels,
		BatchSize:      cfg.Scraping.BatchSize,
		Pause:          cfg.Scraping.ScrollPause(),
		Known:          known,
	}
	sink := func(ctx context.Context, batch []pin.Raw) error {
		out, err := repo.SavePinsBatch(ctx, batch, keyword, res.SessionID)
		if err != nil {
			return err
		}
		res.Saved += len(out.Saved)
		res.Skipped += len(out.Skipped)
		res.Failed += len(out.Errors)
		if err := repo.UpdateSessionProgress(ctx, res.SessionID, res.Saved); err != nil {
			logger.Warn("could not record progress", "error", err)
		}
		return nil
	}

	res.Collect, err = col.Collect(pctx, keyword, target, sink)
	return err
}

// Stages builds the named pipeline stages, all of them when names is
// empty. The returned close func releases browsers the stages opened.
func (a *App) Stages(names ...string) ([]stage.Stage, func(), error) {
	if len(names) == 0 {
		names = StageNames
	}
	cfg := a.getSnapshot().config
	outDir := cfg.Output.Dir
	var (
		stages  []stage.Stage
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for _, name := range names {
		switch name {
		case "repair":
			opts := recovery.DefaultOptions()
			opts.Detect.WALSuspectBytes = cfg.Database.WALSuspectBytes
			opts.SwapPolicy = retry.Policy{
				MaxAttempts: cfg.Database.SwapAttempts,
				Initial:     cfg.Database.SwapBackoff(),
				Max:         8 * cfg.Database.SwapBackoff(),
				Multiplier:  2,
			}
			stages = append(stages, &stage.RepairStage{
				Engine: recovery.NewEngine(a.factory, outDir, a.logger, opts),
				Detect: opts.Detect,
			})
		case "convert":
			stages = append(stages, &stage.ConvertStage{
				Converter: recovery.NewConverter(a.factory, outDir, a.interrupt, a.logger, recovery.ConvertOptions{
					CheckpointEvery: cfg.Pipeline.CheckpointEvery,
				}),
			})
		case "enhance":
			lf := &lazyFetcher{open: func(ctx context.Context) (*scraper.PageFetcher, error) {
				return a.detailFetcher(ctx, cfg)
			}}
			closers = append(closers, lf.Close)
			var limiter *rate.Limiter
			if cfg.Enhance.RequestsPerSecond > 0 {
				limiter = rate.NewLimiter(rate.Limit(cfg.Enhance.RequestsPerSecond), 1)
			}
			stages = append(stages, &stage.EnhanceStage{
				Fetcher:       lf,
				MaxConcurrent: cfg.Enhance.MaxConcurrent,
				BatchSize:     cfg.Enhance.BatchSize,
				Limiter:       limiter,
			})
		case "download":
			stages = append(stages, &stage.DownloadStage{
				Downloader: download.New(download.Options{
					Timeout:           cfg.Download.Timeout(),
					MaxRetries:        cfg.Download.MaxRetries,
					RequestsPerSecond: cfg.Download.RequestsPerSecond,
					UserAgent:         cfg.Download.UserAgent,
				}, a.logger),
				MaxConcurrent: cfg.Download.MaxConcurrent,
				MaxRetries:    cfg.Download.MaxRetries,
			})
		default:
			closeAll()
			return nil, nil, fmt.Errorf("unknown stage %q", name)
		}
	}
	return stages, closeAll, nil
}

func (a *App) detailFetcher(ctx context.Context, cfg *config.Config) (*scraper.PageFetcher, error) {
	n := min(max(cfg.Enhance.MaxConcurrent, 1), maxDetailPages)
	cookies := a.cookies()
	pages := make([]scraper.Page, 0, n)
	for i := 0; i < n; i++ {
		p, err := a.openPage(ctx, a.pageOptions(cfg, cookies))
		if err != nil {
			for _, p := range pages {
				p.Close()
			}
			return nil, err
		}
		pages = append(pages, p)
	}
	f := scraper.NewPageFetcher(pages...)
	f.Pause = cfg.Scraping.ScrollPause()
	return f, nil
}

// lazyFetcher opens its browsers on the first fetch, so a run with
// nothing to enhance never starts one.
type lazyFetcher struct {
	open func(ctx context.Context) (*scraper.PageFetcher, error)

	once sync.Once
	f    *scraper.PageFetcher
	err  error
}

func (l *lazyFetcher) FetchPin(ctx context.Context, id string) (pin.Raw, error) {
	l.once.Do(func() {
		// Browsers outlive the fetch that started them.
		l.f, l.err = l.open(context.WithoutCancel(ctx))
	})
	if l.err != nil {
		return nil, l.err
	}
	return l.f.FetchPin(ctx, id)
}

func (l *lazyFetcher) Close() {
	l.once.Do(func() {})
	if l.f != nil {
		l.f.Close()
	}
}

// PipelineOptions selects what RunPipeline does.
type PipelineOptions struct {
	// Keyword limits the run to one keyword database.
	Keyword string
	// Stages to run, in order. Empty means all.
	Stages []string
	// ContinueOnFailure overrides the configured value when set.
	ContinueOnFailure *bool
}

// RunPipeline runs the maintenance stages and saves the report.
func (a *App) RunPipeline(ctx context.Context, opts PipelineOptions) (stage.Report, error) {
	cfg := a.getSnapshot().config
	stages, closeStages, err := a.Stages(opts.Stages...)
	if err != nil {
		return stage.Report{}, err
	}
	defer closeStages()

	env := &stage.Env{
		Factory:         a.factory,
		OutputDir:       cfg.Output.Dir,
		Keyword:         opts.Keyword,
		Interrupt:       a.interrupt,
		Logger:          a.logger,
		CheckpointEvery: cfg.Pipeline.CheckpointEvery,
	}
	cont := cfg.Pipeline.ContinueOnFailure
	if opts.ContinueOnFailure != nil {
		cont = *opts.ContinueOnFailure
	}
	p := &stage.Pipeline{
		Runner:            stage.NewRunner(env, cfg.Pipeline.CleanupPause()),
		ContinueOnFailure: cont,
		SaveReport:        true,
	}

	pctx, cancel := a.interrupt.Context(ctx)
	defer cancel()
	return p.Run(pctx, stages...), nil
}

// Scheduler returns a scheduler loaded with the configured jobs. Jobs run
// under ctx.
func (a *App) Scheduler(ctx context.Context) (*scheduler.Scheduler, error) {
	cfg := a.getSnapshot().config
	s, err := scheduler.New(ctx, cfg.Schedule.Timezone, a.logger)
	if err != nil {
		return nil, err
	}
	for _, j := range cfg.Schedule.Jobs {
		if err := s.AddJob(j.Name, j.Cron, a.Job(j)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Job turns a configured job entry into a scheduler job.
func (a *App) Job(j config.JobEntry) scheduler.Job {
	switch j.Kind {
	case "scrape":
		return func(ctx context.Context) error {
			_, err := a.Scrape(ctx, j.Keyword, j.TargetCount)
			return err
		}
	default:
		return func(ctx context.Context) error {
			rep, err := a.RunPipeline(ctx, PipelineOptions{Keyword: j.Keyword})
			if err != nil {
				return err
			}
			if rep.Status != stage.StatusCompleted {
				return fmt.Errorf("pipeline %s", rep.Status)
			}
			return nil
		}
	}
}

// Open shows target ("output", "config" or "reports") in the desktop's
// file browser.
func (a *App) Open(target string) error {
	path, err := a.Path(target)
	if err != nil {
		return err
	}
	if target != "config" {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return err
		}
	}
	a.logger.Info("opening", "path", path)
	return browser.OpenFile(path)
}

// Path resolves an Open target.
func (a *App) Path(target string) (string, error) {
	switch target {
	case "output":
		return a.OutputDir(), nil
	case "reports":
		return store.ReportsDir(a.OutputDir(), stage.ReportName), nil
	case "config":
		if a.configPath != "" {
			return a.configPath, nil
		}
		return config.ConfigPath()
	default:
		return "", fmt.Errorf("unknown target %q (want output, reports or config)", target)
	}
}
