package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ibeckermayer/pinscrape/internal/pin"
)

// ExportFile is the on-disk shape of an export.
type ExportFile struct {
	Query      string    `json:"query"`
	ExportedAt time.Time `json:"exported_at"`
	Count      int       `json:"count"`
	Pins       []pin.Pin `json:"pins"`
}

// ExportPins writes every pin of query to a timestamped JSON file in dir
// and returns its path.
func (r *Repository) ExportPins(ctx context.Context, query, dir string) (string, error) {
	pins, err := r.LoadPinsByQuery(ctx, query, 0, 0)
	if err != nil {
		return "", err
	}
	if pins == nil {
		pins = []pin.Pin{}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create export dir: %w", err)
	}

	now := time.Now().UTC()
	filename := SanitizeKeyword(query) + "_" + now.Format("2006-01-02T15-04-05") + ".json"
	path := filepath.Join(dir, filename)

	data, err := json.MarshalIndent(ExportFile{
		Query:      query,
		ExportedAt: now,
		Count:      len(pins),
		Pins:       pins,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal export: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write export: %w", err)
	}
	return path, nil
}
