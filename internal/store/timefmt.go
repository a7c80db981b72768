package store

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

// timeLayout is fixed-width UTC so text ordering matches time ordering.
const timeLayout = "2006-01-02 15:04:05.000000"

var parseLayouts = []string{
	timeLayout,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// timeCol scans timestamps written either as text by this package or as
// DATETIME values the driver already converted.
type timeCol struct {
	Time  time.Time
	Valid bool
}

func (c *timeCol) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		*c = timeCol{}
		return nil
	case time.Time:
		*c = timeCol{Time: x.UTC(), Valid: true}
		return nil
	case string:
		return c.parse(x)
	case []byte:
		return c.parse(string(x))
	case int64:
		*c = timeCol{Time: time.Unix(x, 0).UTC(), Valid: true}
		return nil
	}
	return fmt.Errorf("cannot scan %T into timestamp", v)
}

func (c *timeCol) parse(s string) error {
	if s == "" {
		*c = timeCol{}
		return nil
	}
	t, err := parseTime(s)
	if err != nil {
		return err
	}
	*c = timeCol{Time: t, Valid: true}
	return nil
}

// Value lets timeCol be passed back as a query argument.
func (c timeCol) Value() (driver.Value, error) {
	if !c.Valid {
		return nil, nil
	}
	return formatTime(c.Time), nil
}

// ParseTimestamp converts a scanned timestamp value. ok is false for nil
// or unparseable input.
func ParseTimestamp(v any) (t time.Time, ok bool) {
	var c timeCol
	if err := c.Scan(v); err != nil || !c.Valid {
		return time.Time{}, false
	}
	return c.Time, true
}

// FormatTimestamp returns the stored text form of t.
func FormatTimestamp(t time.Time) string { return formatTime(t) }
