package recovery

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ibeckermayer/pinscrape/internal/pin"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return t0 }

// openTestDB creates a fresh keyword database at dir/keyword/pinterest.db.
func openTestDB(t *testing.T, dir, keyword string) *store.Manager {
	t.Helper()
	m, err := store.OpenManager(context.Background(), store.DBPath(dir, keyword), store.WithKeyword(keyword))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func storedPin(id, query, title string, created time.Time) pin.Pin {
	url := "https://i.pinimg.com/originals/" + pin.CanonicalID(id) + ".jpg"
	p := pin.Pin{
		ID:              id,
		Query:           query,
		Title:           pin.Ptr(title),
		ImageURLs:       map[string]string{"orig": url},
		LargestImageURL: pin.Ptr(url),
		RawData:         `{"id":"` + id + `"}`,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
	p.Hash = pin.Hash(p.ID, title, "", url)
	return p
}

func insertPins(t *testing.T, m *store.Manager, pins ...pin.Pin) {
	t.Helper()
	ctx := context.Background()
	for _, p := range pins {
		require.NoError(t, store.UpsertPin(ctx, m.DB(), p))
		require.NoError(t, store.UpsertPinTask(ctx, m.DB(), p))
	}
}

func countRows(t *testing.T, m *store.Manager, q string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, m.DB().QueryRowContext(context.Background(), q, args...).Scan(&n))
	return n
}

// clobberHeader overwrites the SQLite header so the file is no longer
// recognized as a database.
func clobberHeader(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	junk := make([]byte, 100)
	for i := range junk {
		junk[i] = 'X'
	}
	_, err = f.WriteAt(junk, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func globOne(t *testing.T, pattern string) string {
	t.Helper()
	matches, err := filepath.Glob(pattern)
	require.NoError(t, err)
	require.Len(t, matches, 1, "pattern %s", pattern)
	return matches[0]
}

// bulkyPins returns n pins whose raw data fills roughly a quarter page
// each, so the pins table spans many pages. Pin i carries the text
// marker(i) in its raw data.
func bulkyPins(n int) []pin.Pin {
	pins := make([]pin.Pin, n)
	for i := range pins {
		id := strconv.Itoa(100000 + i)
		p := storedPin(id, "cats", "pin "+id, t0.Add(time.Duration(i)*time.Second))
		p.RawData = fmt.Sprintf(`{"id":%q,"note":%q}`, id, strings.Repeat(marker(i), 60))
		pins[i] = p
	}
	return pins
}

func marker(i int) string { return fmt.Sprintf("marker-%06d ", 100000+i) }

// populated writes n bulky pins with their download tasks to a keyword
// database under dir and closes it, leaving no WAL behind.
func populated(t *testing.T, dir string, n int) string {
	t.Helper()
	m := openTestDB(t, dir, "cats")
	insertPins(t, m, bulkyPins(n)...)
	_, err := m.Checkpoint(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Close())
	return m.Path()
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	fi, err := os.Stat(path)
	require.NoError(t, err)
	return fi.Size()
}

func pageSize(t *testing.T, path string) int64 {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	hdr := make([]byte, 18)
	_, err = f.ReadAt(hdr, 0)
	require.NoError(t, err)
	size := int64(binary.BigEndian.Uint16(hdr[16:18]))
	if size == 1 {
		size = 65536
	}
	return size
}

// truncateWithJunk cuts the file at path to frac of its size and appends
// bytes that are not a valid page.
func truncateWithJunk(t *testing.T, path string, frac float64) {
	t.Helper()
	size := fileSize(t, path)
	require.NoError(t, os.Truncate(path, int64(float64(size)*frac)))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write(bytes.Repeat([]byte{0xab}, 1500))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// smashPageWith overwrites the page holding needle with 0xff bytes and
// returns the page number.
func smashPageWith(t *testing.T, path, needle string) int64 {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	off := bytes.Index(data, []byte(needle))
	require.Positive(t, off, "needle %q not found", needle)

	ps := pageSize(t, path)
	page := int64(off) / ps
	require.Positive(t, page, "page 1 holds the schema")

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(bytes.Repeat([]byte{0xff}, int(ps)), page*ps)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return page
}
