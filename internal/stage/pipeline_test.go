package stage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibeckermayer/pinscrape/internal/interrupt"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

type fakeStage struct {
	name      string
	execErr   error
	verifyErr error
	// onExecute runs inside Execute before it returns.
	onExecute func(env *Env) error

	executed int
	verified int
}

func (s *fakeStage) Name() string { return s.name }

func (s *fakeStage) Execute(ctx context.Context, env *Env) (Stats, error) {
	s.executed++
	var st Stats
	st.Add("items", 1)
	if s.onExecute != nil {
		if err := s.onExecute(env); err != nil {
			return st, err
		}
	}
	return st, s.execErr
}

func (s *fakeStage) Verify(ctx context.Context, env *Env) error {
	s.verified++
	return s.verifyErr
}

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	f := store.NewFactory(nil)
	t.Cleanup(func() { f.CleanupAll() })
	return &Env{
		Factory:         f,
		OutputDir:       t.TempDir(),
		Interrupt:       interrupt.New(),
		CheckpointEvery: 2,
	}
}

func TestPipeline_RunsStagesInOrder(t *testing.T) {
	env := newTestEnv(t)
	a, b := &fakeStage{name: "a"}, &fakeStage{name: "b"}
	p := &Pipeline{Runner: NewRunner(env, 0), SaveReport: true}

	rep := p.Run(context.Background(), a, b)
	assert.Equal(t, StatusCompleted, rep.Status)
	assert.Zero(t, rep.ExitCode())
	require.Len(t, rep.Stages, 2)
	assert.Equal(t, "a", rep.Stages[0].Stage)
	assert.Equal(t, 1, rep.Stages[1].Stats.Get("items"))
	assert.Equal(t, 1, a.verified)
	assert.Equal(t, 1, b.verified)

	loaded, path, err := store.LatestReport[Report](env.OutputDir, ReportName)
	require.NoError(t, err)
	assert.Equal(t, rep.ReportPath, path)
	assert.Equal(t, StatusCompleted, loaded.Status)
	assert.Len(t, loaded.Stages, 2)
}

func TestPipeline_InterruptStopsLaterStages(t *testing.T) {
	env := newTestEnv(t)
	stages := []*fakeStage{
		{name: "repair"},
		{name: "convert", onExecute: func(env *Env) error {
			env.Interrupt.Set("signal")
			return env.Interrupt.Checkpoint(interrupt.EveryNItems)
		}},
		{name: "enhance"},
		{name: "download"},
	}
	p := &Pipeline{Runner: NewRunner(env, 0), ContinueOnFailure: true}

	rep := p.Run(context.Background(), stages[0], stages[1], stages[2], stages[3])
	assert.Equal(t, StatusInterrupted, rep.Status)
	assert.Equal(t, 130, rep.ExitCode())
	assert.Equal(t, "convert", rep.Interrupted)
	assert.Equal(t, []string{"enhance", "download"}, rep.Skipped)
	require.Len(t, rep.Stages, 2)
	assert.Equal(t, StatusInterrupted, rep.Stages[1].Status)

	assert.Equal(t, 1, stages[1].executed)
	assert.Zero(t, stages[1].verified)
	assert.Zero(t, stages[2].executed)
	assert.Zero(t, stages[3].executed)
}

func TestPipeline_InterruptAfterExecuteSkipsVerify(t *testing.T) {
	env := newTestEnv(t)
	st := &fakeStage{name: "a", onExecute: func(env *Env) error {
		env.Interrupt.Set("late")
		return nil
	}}

	rep := (&Pipeline{Runner: NewRunner(env, 0)}).Run(context.Background(), st)
	assert.Equal(t, StatusInterrupted, rep.Status)
	assert.Equal(t, 1, st.executed)
	assert.Zero(t, st.verified)
}

func TestPipeline_CancelledContextIsInterruption(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := &fakeStage{name: "a"}

	rep := (&Pipeline{Runner: NewRunner(env, 0)}).Run(ctx, st)
	assert.Equal(t, StatusInterrupted, rep.Status)
	assert.Zero(t, st.executed)
}

func TestPipeline_FailureStops(t *testing.T) {
	env := newTestEnv(t)
	a := &fakeStage{name: "a", execErr: errors.New("boom")}
	b := &fakeStage{name: "b"}

	rep := (&Pipeline{Runner: NewRunner(env, 0)}).Run(context.Background(), a, b)
	assert.Equal(t, StatusFailed, rep.Status)
	assert.Equal(t, 1, rep.ExitCode())
	assert.Equal(t, "boom", rep.Stages[0].Error)
	assert.Zero(t, a.verified)
	assert.Zero(t, b.executed)
	assert.Equal(t, []string{"b"}, rep.Skipped)
}

func TestPipeline_ContinueOnFailure(t *testing.T) {
	env := newTestEnv(t)
	a := &fakeStage{name: "a", verifyErr: errors.New("left a mess")}
	b := &fakeStage{name: "b"}

	rep := (&Pipeline{Runner: NewRunner(env, 0), ContinueOnFailure: true}).Run(context.Background(), a, b)
	assert.Equal(t, StatusFailed, rep.Status)
	assert.Contains(t, rep.Stages[0].Error, "verification failed")
	assert.Equal(t, StatusCompleted, rep.Stages[1].Status)
	assert.Equal(t, 1, b.executed)
}

func TestRunner_ReleasesConnections(t *testing.T) {
	env := newTestEnv(t)
	st := &fakeStage{name: "a", onExecute: func(env *Env) error {
		_, err := env.Factory.Get(context.Background(), "cats", env.OutputDir)
		return err
	}}

	res, err := NewRunner(env, 0).Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Zero(t, env.Factory.Count())
}

func TestDiscoverKeywords(t *testing.T) {
	dir := t.TempDir()
	for _, kw := range []string{"dogs", "cats"} {
		require.NoError(t, os.MkdirAll(store.KeywordDir(dir, kw), 0o755))
		require.NoError(t, os.WriteFile(store.DBPath(dir, kw), []byte("x"), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, store.ReportsDirName), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, store.ReportsDirName, store.DBFileName), []byte("x"), 0o644))

	got, err := DiscoverKeywords(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"cats", "dogs"}, got)

	got, err = DiscoverKeywords(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEnv_KeywordOverride(t *testing.T) {
	env := &Env{OutputDir: t.TempDir(), Keyword: "birds"}
	got, err := env.Keywords()
	require.NoError(t, err)
	assert.Equal(t, []string{"birds"}, got)
}
