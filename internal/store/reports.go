package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ReportsDirName is the directory under the output root holding run reports.
// It never contains a database, so keyword discovery skips it.
const ReportsDirName = "_reports"

// ReportsDir returns the report directory for name under outputDir.
func ReportsDir(outputDir, name string) string {
	return filepath.Join(outputDir, ReportsDirName, name)
}

// reportFilename creates a timestamped filename with the given extension.
// Names sort chronologically.
func reportFilename(now time.Time, ext string) string {
	return now.UTC().Format("2006-01-02T15-04-05.000000") + ext
}

// SaveReport writes data as indented JSON to a new timestamped file in the
// report directory for name and returns its path.
func SaveReport[T any](outputDir, name string, data T) (string, error) {
	dir := ReportsDir(outputDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report dir: %w", err)
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	path := filepath.Join(dir, reportFilename(time.Now(), ".json"))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, jsonData, 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

// LoadReport reads a report file.
func LoadReport[T any](path string) (T, error) {
	var data T

	jsonData, err := os.ReadFile(path)
	if err != nil {
		return data, fmt.Errorf("failed to read report: %w", err)
	}
	if err := json.Unmarshal(jsonData, &data); err != nil {
		return data, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return data, nil
}

// LatestReport loads the most recent report for name, returning the data
// and the file it came from.
func LatestReport[T any](outputDir, name string) (T, string, error) {
	var zero T

	path, err := LatestReportFile(outputDir, name)
	if err != nil {
		return zero, "", err
	}
	data, err := LoadReport[T](path)
	if err != nil {
		return zero, "", err
	}
	return data, path, nil
}

// LatestReportFile returns the newest report file for name.
func LatestReportFile(outputDir, name string) (string, error) {
	dir := ReportsDir(outputDir, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no %s report in %s", name, outputDir)
		}
		return "", err
	}

	// os.ReadDir sorts by name, which is chronological for our timestamps
	var latest string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			latest = e.Name()
		}
	}
	if latest == "" {
		return "", fmt.Errorf("no %s report in %s", name, outputDir)
	}
	return filepath.Join(dir, latest), nil
}
