package pin

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type options struct {
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option customizes Normalize.
type Option func(*options)

// WithClock sets the clock used for created_at/updated_at.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator sets the generator used when a record has no id.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// WithLogger sets the logger that receives the missing-id warning.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Normalize converts raw into a Pin for the given keyword.
//
// A record without an id gets a generated UUID and a warning. An empty
// query is an error. Optional scalars become nil when falsy, attribution
// pairs are kept only when one side is set, and the image URL is derived
// from raw_data when the record carries none.
func Normalize(raw Raw, query string, opts ...Option) (Pin, error) {
	o := options{
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if strings.TrimSpace(query) == "" {
		return Pin{}, ErrMissingQuery
	}
	if raw == nil {
		return Pin{}, errors.Join(ErrInvalid, errors.New("record is nil"))
	}

	id := Stringify(raw["id"])
	if id == "" {
		id = o.newID()
		o.logger.Warn("pin has no id, generated one", "id", id, "query", query)
	}

	p := Pin{
		ID:          id,
		Query:       query,
		Title:       Ptr(Stringify(raw["title"])),
		Description: Ptr(Stringify(raw["description"])),
	}

	urls := stringMap(raw["image_urls"])
	largest := Stringify(raw["largest_image_url"])
	if len(urls) == 0 && largest == "" {
		urls = ExtractImageURLs(raw)
	}
	if largest == "" {
		largest = LargestImageURL(urls)
	}
	if len(urls) > 0 {
		p.ImageURLs = urls
	}
	p.LargestImageURL = Ptr(largest)

	p.CreatorName, p.CreatorID = attribution(raw["creator"])
	if p.CreatorName == nil && p.CreatorID == nil {
		p.CreatorName, p.CreatorID = pinner(raw["pinner"])
	}
	p.BoardName, p.BoardID = attribution(raw["board"])

	if stats, ok := asMap(raw["stats"]); ok && len(stats) > 0 {
		p.Stats = stats
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return Pin{}, errors.Join(ErrInvalid, fmt.Errorf("failed to encode raw data: %w", err))
	}
	p.RawData = string(data)

	p.Hash = Hash(p.ID, Deref(p.Title), Deref(p.Description), Deref(p.LargestImageURL))

	now := o.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	return p, nil
}

// Hash is the dedup hash over the fields that identify a pin's content.
// The input is encoded as sorted-key JSON in the same layout Python's
// json.dumps(sort_keys=True, ensure_ascii=False) produces, so hashes stay
// comparable with databases written by earlier tooling.
func Hash(id, title, description, largestImageURL string) string {
	var buf bytes.Buffer
	buf.WriteString(`{"description": `)
	writePyString(&buf, description)
	buf.WriteString(`, "id": `)
	writePyString(&buf, id)
	buf.WriteString(`, "largest_image_url": `)
	writePyString(&buf, largestImageURL)
	buf.WriteString(`, "title": `)
	writePyString(&buf, title)
	buf.WriteByte('}')

	sum := md5.Sum(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func writePyString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}

// Stringify renders v as a string, returning "" for falsy values
// (nil, "", 0, false, empty collections).
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case *string:
		return Deref(x)
	case bool:
		if !x {
			return ""
		}
		return "true"
	case json.Number:
		if f, err := x.Float64(); err == nil && f == 0 {
			return ""
		}
		return x.String()
	case float64:
		if x == 0 {
			return ""
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		if x == 0 {
			return ""
		}
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		if x == 0 {
			return ""
		}
		return strconv.Itoa(x)
	case int64:
		if x == 0 {
			return ""
		}
		return strconv.FormatInt(x, 10)
	case map[string]any:
		if len(x) == 0 {
			return ""
		}
	case Raw:
		if len(x) == 0 {
			return ""
		}
	case []any:
		if len(x) == 0 {
			return ""
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func attribution(v any) (name, id *string) {
	m, ok := asMap(v)
	if !ok {
		return nil, nil
	}
	name = Ptr(Stringify(m["name"]))
	id = Ptr(Stringify(m["id"]))
	if name == nil && id == nil {
		return nil, nil
	}
	return name, id
}

// pinner maps the API's pinner object onto creator name/id.
func pinner(v any) (name, id *string) {
	m, ok := asMap(v)
	if !ok {
		return nil, nil
	}
	n := Stringify(m["full_name"])
	if n == "" {
		n = Stringify(m["username"])
	}
	name = Ptr(n)
	id = Ptr(Stringify(m["id"]))
	if name == nil && id == nil {
		return nil, nil
	}
	return name, id
}

func asMap(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, true
	case Raw:
		return map[string]any(x), true
	case string:
		if !strings.HasPrefix(strings.TrimSpace(x), "{") {
			return nil, false
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(x), &m); err != nil {
			return nil, false
		}
		return m, true
	}
	return nil, false
}

// stringMap accepts a size->URL map in any of its stored shapes.
func stringMap(v any) map[string]string {
	switch x := v.(type) {
	case map[string]string:
		if len(x) == 0 {
			return nil
		}
		out := make(map[string]string, len(x))
		for k, u := range x {
			if u != "" {
				out[k] = u
			}
		}
		return out
	}

	m, ok := asMap(v)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, u := range m {
		if s := Stringify(u); s != "" {
			out[k] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func decodeRaw(s string) (Raw, error) {
	if s == "" {
		return nil, nil
	}
	var r Raw
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, err
	}
	return r, nil
}
