package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibeckermayer/pinscrape/internal/retry"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

var fastSwap = retry.Policy{MaxAttempts: 2, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 2}

// swapFixture writes an original database holding pin "old" and a repaired
// database beside it holding pin "new".
func swapFixture(t *testing.T) (path, repaired string) {
	t.Helper()
	dir := t.TempDir()
	orig := openTestDB(t, dir, "cats")
	insertPins(t, orig, storedPin("1", "cats", "old", t0))
	require.NoError(t, orig.Close())

	repaired = orig.Path() + ".rescue"
	m, err := store.OpenManager(context.Background(), repaired)
	require.NoError(t, err)
	insertPins(t, m, storedPin("2", "cats", "new", t0))
	require.NoError(t, m.Close())
	return orig.Path(), repaired
}

func pinIDs(t *testing.T, path string) []string {
	t.Helper()
	m, err := openInspect(context.Background(), path, time.Second)
	require.NoError(t, err)
	defer m.DB().Close()

	rows, err := m.DB().Query(`SELECT id FROM pins ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())
	return ids
}

func TestSwap_ReplacesAndKeepsBackups(t *testing.T) {
	path, repaired := swapFixture(t)

	res, err := Swap(context.Background(), path, repaired, fastSwap, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, path+".backup_20250301_120000", res.BackupPath)
	assert.Empty(t, res.ReadyPath)

	assert.Equal(t, []string{"2"}, pinIDs(t, path))
	assert.Equal(t, []string{"1"}, pinIDs(t, res.CorruptedPath))
	assert.Equal(t, []string{"1"}, pinIDs(t, res.BackupPath))
	assert.False(t, fileExists(repaired))
}

func TestSwap_LockedFileLeavesReadyCopy(t *testing.T) {
	path, repaired := swapFixture(t)

	realRename := rename
	t.Cleanup(func() { rename = realRename })
	rename = func(src, dst string) error {
		if src == repaired {
			return errors.New("file is locked")
		}
		return realRename(src, dst)
	}

	res, err := Swap(context.Background(), path, repaired, fastSwap, t0)
	require.ErrorIs(t, err, ErrSwapFailed)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, path+ReadySuffix, res.ReadyPath)
	assert.True(t, fileExists(res.ReadyPath))
	assert.False(t, fileExists(repaired))

	// the original was restored after every failed attempt
	assert.Equal(t, []string{"1"}, pinIDs(t, path))

	rename = realRename
	adopted, res, err := AdoptReady(context.Background(), path, fastSwap, t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, adopted)
	assert.Equal(t, []string{"2"}, pinIDs(t, path))
	assert.False(t, fileExists(path+ReadySuffix))
	assert.Equal(t, path+".backup_20250301_120001", res.BackupPath)
}

func TestAdoptReady_NothingToAdopt(t *testing.T) {
	path, _ := swapFixture(t)
	adopted, _, err := AdoptReady(context.Background(), path, fastSwap, t0)
	require.NoError(t, err)
	assert.False(t, adopted)
	assert.Equal(t, []string{"1"}, pinIDs(t, path))
}

func TestAdoptReady_RejectsDamagedLeftover(t *testing.T) {
	path, repaired := swapFixture(t)
	require.NoError(t, moveFile(repaired, path+ReadySuffix))
	clobberHeader(t, path+ReadySuffix)

	adopted, _, err := AdoptReady(context.Background(), path, fastSwap, t0)
	assert.Error(t, err)
	assert.False(t, adopted)
	assert.Equal(t, []string{"1"}, pinIDs(t, path))
}
