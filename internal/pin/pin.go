// Package pin turns loosely-shaped scraped records into normalized pins.
//
// Raw is the only untyped shape in the module. Everything downstream of
// Normalize works with Pin.
package pin

import (
	"errors"
	"time"
)

var (
	// ErrMissingQuery is returned when a pin is normalized without a keyword.
	ErrMissingQuery = errors.New("pin: query must not be empty")
	// ErrInvalid is returned by Validate when a required field is missing.
	ErrInvalid = errors.New("pin: invalid normalized pin")
)

// Raw is an arbitrary key/value record as produced by the extractors.
type Raw map[string]any

// Pin is the canonical stored form of a scraped pin.
type Pin struct {
	ID    string `json:"id"`
	Hash  string `json:"pin_hash"`
	Query string `json:"query"`

	Title       *string `json:"title"`
	Description *string `json:"description"`

	CreatorName *string `json:"creator_name"`
	CreatorID   *string `json:"creator_id"`
	BoardName   *string `json:"board_name"`
	BoardID     *string `json:"board_id"`

	ImageURLs       map[string]string `json:"image_urls,omitempty"`
	LargestImageURL *string           `json:"largest_image_url"`
	Stats           map[string]any    `json:"stats,omitempty"`

	// RawData is the JSON encoding of the record the pin was built from.
	RawData string `json:"raw_data,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasImage reports whether the pin carries any image URL.
func (p Pin) HasImage() bool {
	return (p.LargestImageURL != nil && *p.LargestImageURL != "") || len(p.ImageURLs) > 0
}

// ImageURL returns the best image URL or "".
func (p Pin) ImageURL() string {
	if p.LargestImageURL != nil && *p.LargestImageURL != "" {
		return *p.LargestImageURL
	}
	return LargestImageURL(p.ImageURLs)
}

// Raw decodes RawData back into a record. A pin without raw data yields an
// empty record.
func (p Pin) Raw() Raw {
	r, _ := decodeRaw(p.RawData)
	if r == nil {
		return Raw{}
	}
	return r
}

// Validate confirms the fields every write depends on are present.
func Validate(p Pin) error {
	switch {
	case p.ID == "":
		return errors.Join(ErrInvalid, errors.New("missing id"))
	case p.Query == "":
		return errors.Join(ErrInvalid, errors.New("missing query"))
	case p.Hash == "":
		return errors.Join(ErrInvalid, errors.New("missing pin hash"))
	case p.CreatedAt.IsZero():
		return errors.Join(ErrInvalid, errors.New("missing created_at"))
	}
	return nil
}

// Ptr returns a pointer to s, or nil for the empty string.
func Ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns *s or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
