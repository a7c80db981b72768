package recovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ibeckermayer/pinscrape/internal/pin"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

// Columns read from a possibly older or damaged file. Missing columns are
// selected as NULL.
var (
	pinCols = []string{"id", "pin_hash", "query", "title", "description",
		"creator_name", "creator_id", "board_name", "board_id",
		"image_urls", "largest_image_url", "stats", "raw_data", "created_at", "updated_at"}
	taskCols = []string{"pin_id", "pin_hash", "image_url", "local_path", "status",
		"retry_count", "error_message", "file_size", "created_at", "updated_at"}
	sessionCols = []string{"id", "query", "target_count", "actual_count", "status",
		"output_dir", "download_images", "stats", "started_at", "completed_at"}
)

func asText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "1"
		}
		return "0"
	case time.Time:
		return store.FormatTimestamp(x)
	}
	return fmt.Sprint(v)
}

func asInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case string, []byte:
		n, _ := strconv.ParseInt(strings.TrimSpace(asText(x)), 10, 64)
		return n
	}
	return 0
}

func decodeStringMap(s string) map[string]string {
	var m map[string]any
	if s == "" || json.Unmarshal([]byte(s), &m) != nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if str := pin.Stringify(v); str != "" {
			out[k] = str
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func decodeAnyMap(s string) map[string]any {
	var m map[string]any
	if s == "" || json.Unmarshal([]byte(s), &m) != nil || len(m) == 0 {
		return nil
	}
	return m
}

var errNoID = errors.New("row has no id")

// rebuildPin turns a stored pins row (in pinCols order) back into a
// normalized pin: the id is decoded when it is Base64, image URLs missing
// from the row are re-derived from raw_data and the hash is recomputed.
// fallbackQuery fills an empty query column.
func rebuildPin(vals []any, fallbackQuery string, now time.Time) (p pin.Pin, storedID string, err error) {
	storedID = asText(vals[0])
	if storedID == "" {
		return pin.Pin{}, "", errNoID
	}
	query := asText(vals[2])
	if query == "" {
		query = fallbackQuery
	}

	p = pin.Pin{
		ID:          pin.CanonicalID(storedID),
		Query:       query,
		Title:       pin.Ptr(asText(vals[3])),
		Description: pin.Ptr(asText(vals[4])),
		CreatorName: pin.Ptr(asText(vals[5])),
		CreatorID:   pin.Ptr(asText(vals[6])),
		BoardName:   pin.Ptr(asText(vals[7])),
		BoardID:     pin.Ptr(asText(vals[8])),
		ImageURLs:   decodeStringMap(asText(vals[9])),
		Stats:       decodeAnyMap(asText(vals[11])),
		RawData:     asText(vals[12]),
	}
	if p.RawData == "{}" {
		p.RawData = ""
	}

	largest := asText(vals[10])
	if len(p.ImageURLs) == 0 && largest == "" && p.RawData != "" {
		p.ImageURLs = pin.ExtractImageURLs(p.Raw())
	}
	if largest == "" {
		largest = pin.LargestImageURL(p.ImageURLs)
	}
	p.LargestImageURL = pin.Ptr(largest)

	created, ok := store.ParseTimestamp(vals[13])
	if !ok {
		created = now.UTC()
	}
	updated, ok := store.ParseTimestamp(vals[14])
	if !ok {
		updated = created
	}
	p.CreatedAt, p.UpdatedAt = created, updated

	p.Hash = pin.Hash(p.ID, pin.Deref(p.Title), pin.Deref(p.Description), pin.Deref(p.LargestImageURL))
	if err := pin.Validate(p); err != nil {
		return pin.Pin{}, storedID, err
	}
	return p, storedID, nil
}

// tableColumns returns the columns table has, or an empty set when the
// table does not exist.
func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `PRAGMA table_info(`+table+`)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	have := make(map[string]bool)
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             any
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		have[name] = true
	}
	return have, rows.Err()
}

func selectList(want []string, have map[string]bool) string {
	parts := make([]string, len(want))
	for i, c := range want {
		if have[c] {
			parts[i] = c
		} else {
			parts[i] = "NULL"
		}
	}
	return strings.Join(parts, ", ")
}
