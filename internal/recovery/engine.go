package recovery

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/ibeckermayer/pinscrape/internal/retry"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

// Options configures an Engine.
type Options struct {
	Detect           DetectOptions
	SwapPolicy       retry.Policy
	CheckpointPolicy retry.Policy
	// ReleasePause is how long ReleaseConnections waits after closing
	// connections, giving the OS time to drop file handles.
	ReleasePause time.Duration
	Now          func() time.Time
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		Detect:     DefaultDetectOptions(),
		SwapPolicy: DefaultSwapPolicy(),
		CheckpointPolicy: retry.Policy{
			MaxAttempts: 3,
			Initial:     200 * time.Millisecond,
			Max:         time.Second,
			Multiplier:  2,
			Retryable:   store.IsBusy,
		},
		ReleasePause: 500 * time.Millisecond,
		Now:          time.Now,
	}
}

// Report is the outcome of one Recover call.
type Report struct {
	Keyword   string      `json:"keyword"`
	Path      string      `json:"path"`
	State     State       `json:"state"`
	Visited   []State     `json:"visited"`
	Reasons   []string    `json:"reasons,omitempty"`
	Adopted   bool        `json:"adopted,omitempty"`
	Rescue    RescueStats `json:"rescue"`
	Swap      SwapResult  `json:"swap"`
	Err       error       `json:"-"`
	ErrorText string      `json:"error,omitempty"`
}

// Repaired reports whether the database was rebuilt.
func (r Report) Repaired() bool {
	for _, s := range r.Visited {
		if s == Repaired {
			return true
		}
	}
	return false
}

// OK reports whether processing may continue on the database.
func (r Report) OK() bool { return r.State == Healthy && r.Err == nil }

func (r *Report) fail(err error) {
	r.Err = err
	if err != nil {
		r.ErrorText = err.Error()
	}
}

// Engine runs the recovery state machine over keyword databases under one
// output directory.
type Engine struct {
	factory   *store.Factory
	outputDir string
	opts      Options
	base      *slog.Logger
	logger    *slog.Logger
}

// NewEngine returns an engine that releases connections through f.
func NewEngine(f *store.Factory, outputDir string, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		factory:   f,
		outputDir: outputDir,
		opts:      opts,
		base:      logger,
		logger:    logger.With("component", "recovery"),
	}
}

// ReleaseConnections closes the factory's cached manager for keyword,
// checkpoints the WAL from a short-lived connection and pauses briefly.
// It must run before any operation that replaces or rewrites the file.
func (e *Engine) ReleaseConnections(ctx context.Context, keyword string) error {
	if e.factory != nil {
		e.factory.Cleanup(keyword, e.outputDir)
	}

	path := store.DBPath(e.outputDir, keyword)
	var err error
	if _, statErr := os.Stat(path); statErr == nil {
		err = checkpointFile(ctx, path, e.opts.CheckpointPolicy)
		if err != nil {
			e.logger.Warn("wal checkpoint failed", "keyword", keyword, "error", err)
		}
	}

	if e.opts.ReleasePause > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.opts.ReleasePause):
		}
	}
	return err
}

func checkpointFile(ctx context.Context, path string, p retry.Policy) error {
	m, err := openInspect(ctx, path, 5*time.Second)
	if err != nil {
		return err
	}
	defer m.DB().Close()

	_, err = retry.Do(ctx, p, func(ctx context.Context) error {
		_, err := m.Checkpoint(ctx)
		return err
	})
	return err
}

// Recover runs the state machine for keyword: adopt a leftover repaired
// file, detect, then release connections, rescue and swap. A healthy
// database passes straight through.
func (e *Engine) Recover(ctx context.Context, keyword string) Report {
	path := store.DBPath(e.outputDir, keyword)
	logger := e.logger.With("keyword", keyword)
	m := NewMachine()
	rep := Report{Keyword: keyword, Path: path, State: Healthy}
	finish := func() Report {
		rep.State = m.State()
		rep.Visited = m.Path()
		return rep
	}

	if e.factory != nil {
		e.factory.Cleanup(keyword, e.outputDir)
	}

	adopted, swap, err := AdoptReady(ctx, path, e.opts.SwapPolicy, e.opts.Now())
	if err != nil {
		logger.Warn("could not adopt leftover repaired file", "error", err)
	}
	if adopted {
		logger.Info("installed repaired file from a previous run", "backup", swap.BackupPath)
		rep.Adopted = true
		rep.Swap = swap
	}

	diag := Detect(ctx, path, e.opts.Detect)
	if !diag.Suspect() {
		return finish()
	}
	rep.Reasons = diag.Reasons
	logger.Warn("database looks damaged", "reasons", diag.Reasons)
	m.Fire(EventCorruptionDetected)

	if err := e.ReleaseConnections(ctx, keyword); err != nil && ctx.Err() != nil {
		rep.fail(ctx.Err())
		return finish()
	}

	repaired := path + ".rescue"
	stats, err := Rescue(ctx, path, repaired, RescueOptions{
		Keyword: keyword,
		Logger:  e.base,
		Now:     e.opts.Now,
	})
	rep.Rescue = stats
	if err != nil {
		removeDB(repaired)
		if ctx.Err() != nil {
			rep.fail(ctx.Err())
			return finish()
		}
		if !errors.Is(err, ErrUnrecoverable) {
			err = errors.Join(ErrUnrecoverable, err)
		}
		m.Fire(EventRescueEmpty)
		rep.fail(err)
		logger.Error("rescue failed", "error", err)
		return finish()
	}
	m.Fire(EventRescueSucceeded)

	swap, err = Swap(ctx, path, repaired, e.opts.SwapPolicy, e.opts.Now())
	rep.Swap = swap
	if err != nil {
		m.Fire(EventSwapFailed)
		rep.fail(err)
		logger.Error("swap failed", "error", err, "ready", swap.ReadyPath)
		return finish()
	}
	m.Fire(EventSwapSucceeded)
	logger.Info("database repaired",
		"pins", stats.PinsWritten, "backup", swap.BackupPath, "corrupted", swap.CorruptedPath)

	m.Fire(EventResume)
	return finish()
}
