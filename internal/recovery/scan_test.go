package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gappyTable(t *testing.T, rowids ...int64) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "scan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE items (v TEXT)`)
	require.NoError(t, err)
	for _, id := range rowids {
		_, err = db.Exec(`INSERT INTO items (rowid, v) VALUES (?, ?)`, id, fmt.Sprint("row-", id))
		require.NoError(t, err)
	}
	return db
}

func failBounds(t *testing.T, first sql.NullInt64) {
	t.Helper()
	prev := tableBounds
	tableBounds = func(context.Context, *sql.DB, string) (sql.NullInt64, sql.NullInt64, error) {
		return first, sql.NullInt64{}, errors.New("database disk image is malformed")
	}
	t.Cleanup(func() { tableBounds = prev })
}

func collect(t *testing.T, db *sql.DB, batch int) ([]string, scanResult, error) {
	t.Helper()
	var got []string
	res, err := scanTable(context.Background(), db, "items", []string{"v"}, batch, func(vals []any) error {
		got = append(got, asText(vals[0]))
		return nil
	})
	return got, res, err
}

func TestScanTable_Bounded(t *testing.T) {
	db := gappyTable(t, 1, 2, 3, 500, 501)
	got, res, err := collect(t, db, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"row-1", "row-2", "row-3", "row-500", "row-501"}, got)
	assert.Equal(t, 5, res.read)
	assert.Zero(t, res.jumps)
}

func TestScanTable_UnboundedWhenRangeUnreadable(t *testing.T) {
	var ids []int64
	for i := int64(1); i <= 10; i++ {
		ids = append(ids, i)
	}
	for i := int64(1000); i <= 1010; i++ {
		ids = append(ids, i)
	}
	db := gappyTable(t, ids...)
	failBounds(t, sql.NullInt64{})

	got, res, err := collect(t, db, 4)
	require.NoError(t, err)
	assert.Len(t, got, 21)
	assert.Equal(t, "row-1010", got[len(got)-1])
	assert.Equal(t, 21, res.read)
}

func TestScanTable_UnboundedStartsAtKnownMinimum(t *testing.T) {
	db := gappyTable(t, 5, 6, 7)
	failBounds(t, sql.NullInt64{Int64: 6, Valid: true})

	got, _, err := collect(t, db, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"row-6", "row-7"}, got)
}

func TestScanTable_UnboundedEmptyTableFails(t *testing.T) {
	db := gappyTable(t)
	failBounds(t, sql.NullInt64{})

	_, res, err := collect(t, db, 10)
	assert.ErrorContains(t, err, "malformed")
	assert.Zero(t, res.read)
}

func TestScanTable_MissingTable(t *testing.T) {
	db := gappyTable(t)
	res, err := scanTable(context.Background(), db, "absent", []string{"v"}, 10, func([]any) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, res.read)
}
