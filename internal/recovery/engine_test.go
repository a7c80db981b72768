package recovery

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibeckermayer/pinscrape/internal/store"
)

func testEngine(t *testing.T, dir string) (*Engine, *store.Factory) {
	t.Helper()
	f := store.NewFactory(nil)
	t.Cleanup(func() { f.CleanupAll() })
	opts := DefaultOptions()
	opts.SwapPolicy = fastSwap
	opts.ReleasePause = 0
	opts.Detect.WALSuspectBytes = 1024
	opts.Now = fixedNow
	return NewEngine(f, dir, nil, opts), f
}

func TestRecover_HealthyPassesThrough(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e, f := testEngine(t, dir)

	repo, err := store.OpenRepository(ctx, f, "cats", dir)
	require.NoError(t, err)
	res := repo.SavePinImmediately(ctx, map[string]any{"id": "1", "title": "a"}, "cats", "")
	require.True(t, res.OK(), res.Err)

	rep := e.Recover(ctx, "cats")
	require.NoError(t, rep.Err)
	assert.True(t, rep.OK())
	assert.False(t, rep.Repaired())
	assert.Equal(t, []State{Healthy}, rep.Visited)
	assert.Zero(t, f.Count(), "recover releases the cached manager")
}

func TestRecover_MissingDatabase(t *testing.T) {
	e, _ := testEngine(t, t.TempDir())
	rep := e.Recover(context.Background(), "nothing-here")
	assert.True(t, rep.OK())
}

func TestRecover_RebuildsSuspectDatabase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e, f := testEngine(t, dir)

	m := openTestDB(t, dir, "cats")
	insertPins(t, m, storedPin("1", "cats", "a", t0), storedPin("2", "cats", "b", t0))
	require.NoError(t, m.Close())
	require.NoError(t, os.WriteFile(m.Path()+"-wal", make([]byte, 4096), 0o644))

	rep := e.Recover(ctx, "cats")
	require.NoError(t, rep.Err)
	assert.True(t, rep.OK())
	assert.True(t, rep.Repaired())
	assert.Equal(t, []State{Healthy, Suspect, Rescuing, Repaired, Healthy}, rep.Visited)
	assert.NotEmpty(t, rep.Reasons)
	assert.Equal(t, 2, rep.Rescue.PinsWritten)
	assert.True(t, fileExists(rep.Swap.BackupPath))
	assert.True(t, fileExists(rep.Swap.CorruptedPath))

	repo, err := store.OpenRepository(ctx, f, "cats", dir)
	require.NoError(t, err)
	n, err := repo.CountPins(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRecover_UnreadableDatabaseFails(t *testing.T) {
	dir := t.TempDir()
	e, _ := testEngine(t, dir)

	m := openTestDB(t, dir, "cats")
	insertPins(t, m, storedPin("1", "cats", "a", t0))
	require.NoError(t, m.Close())
	clobberHeader(t, m.Path())

	rep := e.Recover(context.Background(), "cats")
	assert.ErrorIs(t, rep.Err, ErrUnrecoverable)
	assert.Equal(t, Failed, rep.State)
	assert.Equal(t, []State{Healthy, Suspect, Failed}, rep.Visited)
	assert.NotEmpty(t, rep.ErrorText)
	assert.False(t, fileExists(m.Path()+".rescue"))
}

func TestRecover_TruncatedDatabase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e, f := testEngine(t, dir)

	path := populated(t, dir, 300)
	truncateWithJunk(t, path, 0.5)

	rep := e.Recover(ctx, "cats")
	require.NoError(t, rep.Err)
	assert.True(t, rep.Repaired())
	assert.Equal(t, []State{Healthy, Suspect, Rescuing, Repaired, Healthy}, rep.Visited)
	assert.Positive(t, rep.Rescue.PinsWritten)
	assert.Positive(t, rep.Rescue.Jumps)
	assert.True(t, fileExists(rep.Swap.CorruptedPath))

	repo, err := store.OpenRepository(ctx, f, "cats", dir)
	require.NoError(t, err)
	n, err := repo.CountPins(ctx)
	require.NoError(t, err)
	assert.Equal(t, rep.Rescue.PinsWritten, n)
}
