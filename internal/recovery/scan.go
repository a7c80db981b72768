package recovery

import (
	"context"
	"database/sql"
	"fmt"
)

// maxMisses is how many windows in a row an unbounded scan may find
// unreadable or empty before it gives up. With the doubling jump that
// covers rowids up to 2^32 past the last row read.
const maxMisses = 32

type scanResult struct {
	read  int
	jumps int
}

// tableBounds returns the smallest and largest rowid of table. Each end is
// looked up on its own so a damaged right edge still yields a start.
var tableBounds = func(ctx context.Context, db *sql.DB, table string) (first, last sql.NullInt64, err error) {
	if err := db.QueryRowContext(ctx, `SELECT MIN(rowid) FROM `+table).Scan(&first); err != nil {
		return first, last, err
	}
	err = db.QueryRowContext(ctx, `SELECT MAX(rowid) FROM `+table).Scan(&last)
	return first, last, err
}

// scanTable walks table in rowid order, calling fn with each row's values
// in cols order. A read error part-way through does not end the scan: the
// cursor jumps forward past the failing region, doubling the jump each time
// the read fails again, until the table's last rowid is passed.
//
// When the table's rowid range cannot be read the scan runs unbounded from
// the first readable rowid (or 0), and stops after maxMisses windows in a
// row yield nothing. The error is only returned when no row could be read.
func scanTable(ctx context.Context, db *sql.DB, table string, cols []string, batch int, fn func(vals []any) error) (scanResult, error) {
	var res scanResult

	have, err := tableColumns(ctx, db, table)
	if err != nil {
		return res, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	if len(have) == 0 {
		return res, nil
	}

	minID, maxID, boundErr := tableBounds(ctx, db, table)
	bounded := boundErr == nil
	if bounded && (!minID.Valid || !maxID.Valid) {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	cursor := int64(0)
	if minID.Valid {
		cursor = minID.Int64 - 1
	}

	q := `SELECT rowid, ` + selectList(cols, have) + ` FROM ` + table + ` WHERE rowid > ? ORDER BY rowid LIMIT ?`
	step := int64(1)
	misses := 0

	for !bounded || cursor < maxID.Int64 {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		n, last, err := scanBatch(ctx, db, q, cursor, batch, len(cols), fn)
		res.read += n
		if last > cursor {
			cursor = last
			misses = 0
		}
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.jumps++
			misses++
			if !bounded && misses >= maxMisses {
				break
			}
			cursor += step
			step *= 2
			continue
		}
		if n > 0 {
			step = 1
			continue
		}
		if bounded {
			break
		}
		// nothing past cursor, but a damaged interior page can hide rows
		misses++
		if misses >= maxMisses {
			break
		}
		cursor += step
		step *= 2
	}

	if !bounded && res.read == 0 {
		return res, fmt.Errorf("failed to bound %s: %w", table, boundErr)
	}
	return res, nil
}

func scanBatch(ctx context.Context, db *sql.DB, q string, cursor int64, batch, width int, fn func([]any) error) (n int, last int64, err error) {
	last = cursor
	rows, err := db.QueryContext(ctx, q, cursor, batch)
	if err != nil {
		return 0, last, err
	}
	defer rows.Close()

	for rows.Next() {
		var rowid int64
		vals := make([]any, width)
		dest := make([]any, width+1)
		dest[0] = &rowid
		for i := range vals {
			dest[i+1] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return n, last, err
		}
		last = rowid
		n++
		if err := fn(vals); err != nil {
			return n, last, err
		}
	}
	return n, last, rows.Err()
}
