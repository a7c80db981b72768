package recovery

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

const sqliteMagic = "SQLite format 3\x00"

// stageSource copies the database at src, and its WAL when there is one, to
// dst so a rescue never reads or writes the damaged original in place. The
// copy is zero-padded to the page count its header records: SQLite will not
// open a file shorter than that, while the missing pages read back as
// corrupt and the scan skips them.
func stageSource(src, dst string) error {
	if err := removeDB(dst); err != nil {
		return err
	}
	if err := copySource(src, dst); err != nil {
		return err
	}
	if err := copySource(src+"-wal", dst+"-wal"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return padToHeader(dst)
}

func copySource(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

// padToHeader extends the file at path with zeros to a whole number of
// pages, and to the header's page count when that count is valid. Files
// that do not carry a SQLite header are left alone.
func padToHeader(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := make([]byte, 100)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return nil
	}
	if string(hdr[:16]) != sqliteMagic {
		return nil
	}
	pageSize := int64(binary.BigEndian.Uint16(hdr[16:18]))
	if pageSize == 1 {
		pageSize = 65536
	}
	if pageSize < 512 || pageSize&(pageSize-1) != 0 {
		return nil
	}

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()
	want := (size + pageSize - 1) / pageSize * pageSize
	// the in-header size only counts when version-valid-for matches the
	// change counter
	if pages := int64(binary.BigEndian.Uint32(hdr[28:32])); pages > 0 && bytes.Equal(hdr[24:28], hdr[92:96]) {
		want = max(want, pages*pageSize)
	}
	if want == size {
		return nil
	}
	if err := f.Truncate(want); err != nil {
		return fmt.Errorf("failed to pad %s: %w", path, err)
	}
	return nil
}
