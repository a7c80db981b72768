// Package stage runs the maintenance pipeline: repair, id conversion,
// enhancement and image download. Every stage owns its database
// connections and releases them on exit, interrupted or not.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/ibeckermayer/pinscrape/internal/interrupt"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

// Stage is one step of the pipeline.
type Stage interface {
	Name() string
	Execute(ctx context.Context, env *Env) (Stats, error)
	// Verify checks the stage's postcondition after Execute.
	Verify(ctx context.Context, env *Env) error
}

// Env is what every stage runs against.
type Env struct {
	Factory   *store.Factory
	OutputDir string
	// Keyword limits the run to one keyword. Empty means every keyword
	// database found under OutputDir.
	Keyword   string
	Interrupt *interrupt.Manager
	Logger    *slog.Logger
	// CheckpointEvery is the item interval for interruption checks inside
	// long loops.
	CheckpointEvery int
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Env) every() int {
	if e.CheckpointEvery <= 0 {
		return 100
	}
	return e.CheckpointEvery
}

// checkpoint reports an interruption at point. A cancelled context counts
// as an interruption too.
func (e *Env) checkpoint(ctx context.Context, point string) error {
	if e.Interrupt != nil {
		if err := e.Interrupt.Checkpoint(point); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w at %s: %w", interrupt.ErrInterrupted, point, err)
	}
	return nil
}

// Keywords returns the keywords to process.
func (e *Env) Keywords() ([]string, error) {
	if e.Keyword != "" {
		return []string{e.Keyword}, nil
	}
	return DiscoverKeywords(e.OutputDir)
}

// DiscoverKeywords lists the sub-directories of outputDir that hold a
// keyword database.
func DiscoverKeywords(outputDir string) ([]string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", outputDir, err)
	}
	var out []string
	for _, ent := range entries {
		if !ent.IsDir() || strings.HasPrefix(ent.Name(), "_") || strings.HasPrefix(ent.Name(), ".") {
			continue
		}
		if fi, err := os.Stat(filepath.Join(outputDir, ent.Name(), store.DBFileName)); err == nil && fi.Mode().IsRegular() {
			out = append(out, ent.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Stats is what a stage did.
type Stats struct {
	Keywords int            `json:"keywords"`
	Counters map[string]int `json:"counters,omitempty"`
	// Errors holds per-keyword failures. They never abort a stage.
	Errors map[string]string `json:"errors,omitempty"`
}

// Add bumps a named counter.
func (s *Stats) Add(name string, n int) {
	if s.Counters == nil {
		s.Counters = make(map[string]int)
	}
	s.Counters[name] += n
}

// Get returns a counter.
func (s Stats) Get(name string) int { return s.Counters[name] }

// Fail records err against keyword.
func (s *Stats) Fail(keyword string, err error) {
	if s.Errors == nil {
		s.Errors = make(map[string]string)
	}
	s.Errors[keyword] = err.Error()
}

// Status is the outcome of a stage or a pipeline.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Result is the record of one stage run.
type Result struct {
	Stage    string        `json:"stage"`
	Status   Status        `json:"status"`
	Stats    Stats         `json:"stats"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration_ns"`
}

// Runner executes single stages with checkpoints and cleanup.
type Runner struct {
	env   *Env
	pause time.Duration
	now   func() time.Time
}

// NewRunner returns a runner. pause is slept after each stage's cleanup so
// the OS can release file handles.
func NewRunner(env *Env, pause time.Duration) *Runner {
	return &Runner{env: env, pause: pause, now: time.Now}
}

// Run executes st: checkpoint, Execute, checkpoint, Verify, checkpoint.
// Connections are always released afterwards. The returned error is
// non-nil only for an interruption, which callers must propagate; any
// other failure is reported in the Result.
func (r *Runner) Run(ctx context.Context, st Stage) (res Result, err error) {
	logger := r.env.logger().With("stage", st.Name())
	res = Result{Stage: st.Name(), Started: r.now()}
	defer func() {
		r.cleanup()
		res.Duration = r.now().Sub(res.Started)
	}()

	interrupted := func(err error) (Result, error) {
		res.Status = StatusInterrupted
		res.Error = err.Error()
		logger.Warn("stage interrupted", "error", err)
		return res, err
	}

	if err := r.env.checkpoint(ctx, interrupt.StageEntry); err != nil {
		return interrupted(err)
	}

	logger.Info("stage started")
	stats, err := st.Execute(ctx, r.env)
	res.Stats = stats
	if err != nil {
		if interrupt.Is(err) {
			return interrupted(err)
		}
		if cerr := r.env.checkpoint(ctx, interrupt.StageExit); cerr != nil {
			return interrupted(cerr)
		}
		res.Status = StatusFailed
		res.Error = err.Error()
		logger.Error("stage failed", "error", err)
		return res, nil
	}

	if err := r.env.checkpoint(ctx, interrupt.StageExit); err != nil {
		return interrupted(err)
	}

	if err := st.Verify(ctx, r.env); err != nil {
		if interrupt.Is(err) {
			return interrupted(err)
		}
		res.Status = StatusFailed
		res.Error = "verification failed: " + err.Error()
		logger.Error("stage verification failed", "error", err)
		return res, nil
	}

	if err := r.env.checkpoint(ctx, interrupt.StageVerified); err != nil {
		return interrupted(err)
	}

	res.Status = StatusCompleted
	logger.Info("stage completed", "keywords", stats.Keywords, "counters", stats.Counters, "errors", len(stats.Errors))
	return res, nil
}

func (r *Runner) cleanup() {
	if r.env.Factory != nil {
		if n := r.env.Factory.CleanupAll(); n > 0 {
			r.env.logger().Debug("released database connections", "count", n)
		}
	}
	runtime.GC()
	if r.pause > 0 {
		time.Sleep(r.pause)
	}
}

// forEachKeyword runs fn for every keyword, with an interruption check
// before each. Errors from fn are recorded in stats unless they are
// interruptions, which end the loop.
func forEachKeyword(ctx context.Context, env *Env, stats *Stats, fn func(keyword string) error) error {
	keywords, err := env.Keywords()
	if err != nil {
		return err
	}
	stats.Keywords = len(keywords)
	for _, kw := range keywords {
		if err := env.checkpoint(ctx, interrupt.Keyword); err != nil {
			return err
		}
		if err := fn(kw); err != nil {
			if interrupt.Is(err) {
				return err
			}
			if ctx.Err() != nil {
				return env.checkpoint(ctx, interrupt.Keyword)
			}
			env.logger().Warn("keyword failed", "keyword", kw, "error", err)
			stats.Fail(kw, err)
		}
	}
	return nil
}
