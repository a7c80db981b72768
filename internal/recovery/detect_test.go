package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect_MissingFileIsHealthy(t *testing.T) {
	d := Detect(context.Background(), filepath.Join(t.TempDir(), "nope.db"), DefaultDetectOptions())
	assert.False(t, d.Exists)
	assert.False(t, d.Suspect())
}

func TestDetect_HealthyDatabase(t *testing.T) {
	dir := t.TempDir()
	m := openTestDB(t, dir, "cats")
	insertPins(t, m, storedPin("1", "cats", "a", t0))
	require.NoError(t, m.Close())

	d := Detect(context.Background(), m.Path(), DefaultDetectOptions())
	assert.True(t, d.Exists)
	assert.False(t, d.Suspect(), d.Reasons)
}

func TestDetect_OversizedWAL(t *testing.T) {
	dir := t.TempDir()
	m := openTestDB(t, dir, "cats")
	insertPins(t, m, storedPin("1", "cats", "a", t0))
	require.NoError(t, m.Close())
	require.NoError(t, os.WriteFile(m.Path()+"-wal", make([]byte, 4096), 0o644))

	opts := DefaultDetectOptions()
	opts.WALSuspectBytes = 1024
	d := Detect(context.Background(), m.Path(), opts)
	require.True(t, d.Suspect())
	assert.EqualValues(t, 4096, d.WALBytes)
	assert.Contains(t, d.Reasons[0], "wal is 4.0 KiB")
}

func TestDetect_ClobberedHeader(t *testing.T) {
	dir := t.TempDir()
	m := openTestDB(t, dir, "cats")
	insertPins(t, m, storedPin("1", "cats", "a", t0))
	require.NoError(t, m.Close())
	clobberHeader(t, m.Path())

	d := Detect(context.Background(), m.Path(), DefaultDetectOptions())
	assert.True(t, d.Suspect())
}

func TestQuickCheck_FreshDatabase(t *testing.T) {
	m := openTestDB(t, t.TempDir(), "dogs")
	problems, err := QuickCheck(context.Background(), m)
	require.NoError(t, err)
	assert.Empty(t, problems)
}
