package recovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibeckermayer/pinscrape/internal/interrupt"
	"github.com/ibeckermayer/pinscrape/internal/pin"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

func newTestConverter(t *testing.T, im *interrupt.Manager, every int) (*Converter, *store.Repository) {
	t.Helper()
	dir := t.TempDir()
	f := store.NewFactory(nil)
	t.Cleanup(func() { f.CleanupAll() })
	repo, err := store.OpenRepository(context.Background(), f, "cats", dir)
	require.NoError(t, err)
	c := NewConverter(f, dir, im, nil, ConvertOptions{Workers: 2, CheckpointEvery: every, Now: fixedNow})
	return c, repo
}

func TestConvert_RewritesEncodedIDs(t *testing.T) {
	ctx := context.Background()
	c, repo := newTestConverter(t, interrupt.New(), 100)
	m := repo.Manager()

	insertPins(t, m,
		storedPin(pin.EncodeID("10"), "cats", "ten", t0),
		storedPin(pin.EncodeID("20"), "cats", "twenty", t0),
		// numeric row is newer and survives
		storedPin(pin.EncodeID("30"), "cats", "30 encoded", t0),
		storedPin("30", "cats", "30 numeric", t0.Add(time.Hour)),
		// encoded row is newer and replaces the numeric one
		storedPin(pin.EncodeID("40"), "cats", "40 encoded", t0.Add(time.Hour)),
		storedPin("40", "cats", "40 numeric", t0),
		storedPin("UGlu-not-base64!", "cats", "junk", t0),
	)

	st, err := c.Convert(ctx, "cats")
	require.NoError(t, err)
	assert.Equal(t, 5, st.Found)
	assert.Equal(t, 4, st.Converted)
	assert.Equal(t, 2, st.Collisions)
	assert.Equal(t, 1, st.Replaced)
	assert.Equal(t, 1, st.Undecodable)
	assert.Zero(t, st.Failed)

	for id, title := range map[string]string{"10": "ten", "20": "twenty", "30": "30 numeric", "40": "40 encoded"} {
		p, err := repo.GetPin(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, title, pin.Deref(p.Title), id)
		assert.Equal(t, pin.Hash(id, title, "", pin.Deref(p.LargestImageURL)), p.Hash)
	}

	encoded, err := repo.CountEncodedPins(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, encoded, "only the undecodable id is left")

	// every task now points at a numeric id, one per (pin, url)
	assert.Equal(t, 5, countRows(t, m, `SELECT COUNT(*) FROM download_tasks`))
	assert.Zero(t, countRows(t, m, `SELECT COUNT(*) FROM download_tasks WHERE pin_id LIKE 'UGluOj%'`))

	md, ok, err := repo.CacheMetadata(ctx, "cats")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, md.PinCount)
}

func TestConvert_NothingToDo(t *testing.T) {
	c, repo := newTestConverter(t, interrupt.New(), 100)
	insertPins(t, repo.Manager(), storedPin("1", "cats", "a", t0))

	st, err := c.Convert(context.Background(), "cats")
	require.NoError(t, err)
	assert.Zero(t, st.Found)
}

func TestConvert_StopsAtCheckpointWhenInterrupted(t *testing.T) {
	ctx := context.Background()
	im := interrupt.New()
	c, repo := newTestConverter(t, im, 2)
	for i := 1; i <= 6; i++ {
		insertPins(t, repo.Manager(), storedPin(pin.EncodeID(fmt.Sprint(i)), "cats", fmt.Sprint("p", i), t0))
	}
	im.Set("test")

	st, err := c.Convert(ctx, "cats")
	require.Error(t, err)
	assert.True(t, interrupt.Is(err))
	assert.Equal(t, 2, st.Converted)

	left, err := repo.CountEncodedPins(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, left)

	// a second run picks up where the first stopped
	im.Reset()
	st, err = c.Convert(ctx, "cats")
	require.NoError(t, err)
	assert.Equal(t, 4, st.Converted)
}
