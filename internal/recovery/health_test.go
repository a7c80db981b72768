package recovery

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibeckermayer/pinscrape/internal/pin"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

// imagelessPin has an image in its raw record but none in its columns.
func imagelessPin(id string) pin.Pin {
	p := pin.Pin{
		ID:    id,
		Query: "cats",
		Title: pin.Ptr("t" + id),
		RawData: fmt.Sprintf(`{"id":%q,"images":{"236x":{"url":"https://i.pinimg.com/236x/%s.jpg"},`+
			`"736x":{"url":"https://i.pinimg.com/736x/%s.jpg"}}}`, id, id, id),
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	p.Hash = pin.Hash(p.ID, "t"+id, "", "")
	return p
}

func TestImageHealth_DetectsAndRepairs(t *testing.T) {
	ctx := context.Background()
	m := openTestDB(t, t.TempDir(), "cats")

	insertPins(t, m, storedPin("1", "cats", "ok", t0))
	for i := 2; i <= 4; i++ {
		insertPins(t, m, imagelessPin(fmt.Sprint(i)))
	}

	h, err := CheckImageHealth(ctx, m.DB())
	require.NoError(t, err)
	assert.Equal(t, 4, h.Total)
	assert.Equal(t, 4, h.WithRaw)
	assert.Equal(t, 3, h.Missing)
	assert.InDelta(t, 0.75, h.Ratio, 1e-9)
	assert.True(t, h.NeedsRepair())

	st, err := RepairImageURLs(ctx, m, nil, t0)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Scanned)
	assert.Equal(t, 3, st.Repaired)
	assert.True(t, fileExists(st.BackupPath))

	h, err = CheckImageHealth(ctx, m.DB())
	require.NoError(t, err)
	assert.Zero(t, h.Missing)
	assert.False(t, h.NeedsRepair())

	p, err := store.NewRepository(m, nil).GetPin(ctx, "3")
	require.NoError(t, err)
	assert.Equal(t, "https://i.pinimg.com/736x/3.jpg", pin.Deref(p.LargestImageURL))
	assert.Equal(t, pin.Hash("3", "t3", "", "https://i.pinimg.com/736x/3.jpg"), p.Hash)

	assert.Equal(t, 4, countRows(t, m, `SELECT COUNT(*) FROM download_tasks WHERE status = 'pending'`))
}

func TestImageHealth_BelowThreshold(t *testing.T) {
	h := ImageHealth{Total: 100, WithRaw: 100, Missing: 10, Ratio: 0.10}
	assert.False(t, h.NeedsRepair())
	assert.False(t, ImageHealth{}.NeedsRepair())
}
