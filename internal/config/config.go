package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all application configuration
type Config struct {
	Version  int            `toml:"version"`
	Output   OutputConfig   `toml:"output"`
	Database DatabaseConfig `toml:"database"`
	Scraping ScrapingConfig `toml:"scraping"`
	Enhance  EnhanceConfig  `toml:"enhance"`
	Download DownloadConfig `toml:"download"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Schedule ScheduleConfig `toml:"schedule"`
	Log      LogConfig      `toml:"log"`
}

type OutputConfig struct {
	Dir string `toml:"dir"`
}

type DatabaseConfig struct {
	BusyTimeoutMS     int   `toml:"busy_timeout_ms"`
	WALSuspectBytes   int64 `toml:"wal_suspect_bytes"`
	WALAutocheckpoint int   `toml:"wal_autocheckpoint"`
	SwapAttempts      int   `toml:"swap_attempts"`
	SwapBackoffMS     int   `toml:"swap_backoff_ms"`
}

type ScrapingConfig struct {
	Headless       bool `toml:"headless"`
	TargetCount    int  `toml:"target_count"`
	MaxIdleScrolls int  `toml:"max_idle_scrolls"`
	ScrollPixels   int  `toml:"scroll_pixels"`
	PageTimeoutS   int  `toml:"page_timeout_s"`
	// ScrollPauseMS is the wait after each scroll or navigation.
	ScrollPauseMS int `toml:"scroll_pause_ms"`
	// BatchSize is the number of new pins collected before a save.
	BatchSize int `toml:"batch_size"`
}

type EnhanceConfig struct {
	MaxConcurrent     int     `toml:"max_concurrent"`
	BatchSize         int     `toml:"batch_size"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

type DownloadConfig struct {
	MaxConcurrent     int     `toml:"max_concurrent"`
	TimeoutS          int     `toml:"timeout_s"`
	MaxRetries        int     `toml:"max_retries"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	UserAgent         string  `toml:"user_agent"`
}

type PipelineConfig struct {
	CheckpointEvery   int  `toml:"checkpoint_every"`
	CleanupPauseMS    int  `toml:"cleanup_pause_ms"`
	ContinueOnFailure bool `toml:"continue_on_failure"`
}

type ScheduleConfig struct {
	Timezone string     `toml:"timezone"`
	Jobs     []JobEntry `toml:"jobs"`
}

// JobEntry is one [[schedule.jobs]] table.
type JobEntry struct {
	Name string `toml:"name"`
	Cron string `toml:"cron"`
	// Kind is "pipeline" or "scrape".
	Kind        string `toml:"kind"`
	Keyword     string `toml:"keyword"`
	TargetCount int    `toml:"target_count"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultUserAgent is sent by the image downloader.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		Version: 1,
		Output: OutputConfig{
			Dir: "output",
		},
		Database: DatabaseConfig{
			BusyTimeoutMS:     30000,
			WALSuspectBytes:   10 * 1024 * 1024,
			WALAutocheckpoint: 1000,
			SwapAttempts:      5,
			SwapBackoffMS:     500,
		},
		Scraping: ScrapingConfig{
			Headless:       true,
			TargetCount:    100,
			MaxIdleScrolls: 5,
			ScrollPixels:   2000,
			PageTimeoutS:   30,
			ScrollPauseMS:  1500,
			BatchSize:      25,
		},
		Enhance: EnhanceConfig{
			MaxConcurrent:     4,
			BatchSize:         50,
			RequestsPerSecond: 2,
		},
		Download: DownloadConfig{
			MaxConcurrent:     15,
			TimeoutS:          30,
			MaxRetries:        2,
			RequestsPerSecond: 10,
			UserAgent:         DefaultUserAgent,
		},
		Pipeline: PipelineConfig{
			CheckpointEvery: 100,
			CleanupPauseMS:  500,
		},
		Schedule: ScheduleConfig{
			Timezone: "Local",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Normalize clamps values that have hard limits.
func (c *Config) Normalize() {
	c.Enhance.MaxConcurrent = min(max(c.Enhance.MaxConcurrent, 1), 20)
	if c.Download.MaxConcurrent < 1 {
		c.Download.MaxConcurrent = 1
	}
	if c.Download.MaxRetries < 0 {
		c.Download.MaxRetries = 0
	}
	if c.Scraping.BatchSize < 1 {
		c.Scraping.BatchSize = 1
	}
	if c.Pipeline.CheckpointEvery < 1 {
		c.Pipeline.CheckpointEvery = 1
	}
}

// Validate reports settings that cannot be used.
func (c *Config) Validate() error {
	var errs []error
	if c.Output.Dir == "" {
		errs = append(errs, errors.New("output.dir is empty"))
	}
	if c.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
		}
	}
	for i, j := range c.Schedule.Jobs {
		if j.Name == "" || j.Cron == "" {
			errs = append(errs, fmt.Errorf("schedule.jobs[%d]: name and cron are required", i))
		}
		if j.Kind != "pipeline" && j.Kind != "scrape" {
			errs = append(errs, fmt.Errorf("schedule.jobs[%d]: unknown kind %q", i, j.Kind))
		}
		if j.Kind == "scrape" && j.Keyword == "" {
			errs = append(errs, fmt.Errorf("schedule.jobs[%d]: scrape jobs need a keyword", i))
		}
	}
	return errors.Join(errs...)
}

func (d DatabaseConfig) BusyTimeout() time.Duration {
	return time.Duration(d.BusyTimeoutMS) * time.Millisecond
}

func (d DatabaseConfig) SwapBackoff() time.Duration {
	return time.Duration(d.SwapBackoffMS) * time.Millisecond
}

func (s ScrapingConfig) PageTimeout() time.Duration {
	return time.Duration(s.PageTimeoutS) * time.Second
}

func (s ScrapingConfig) ScrollPause() time.Duration {
	return time.Duration(s.ScrollPauseMS) * time.Millisecond
}

func (d DownloadConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutS) * time.Second
}

func (p PipelineConfig) CleanupPause() time.Duration {
	return time.Duration(p.CleanupPauseMS) * time.Millisecond
}

// ConfigDir returns the platform-appropriate config directory
func ConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "pinscrape"), nil
}

// ConfigPath returns the full path to the config file
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func resolve(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	return ConfigPath()
}

// Load reads the config at path (the default path when empty) on top of
// the defaults, so a file only needs the keys it changes.
func Load(path string) (*Config, error) {
	path, err := resolve(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}
	cfg.Normalize()
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to path (the default path when empty)
func (c *Config) Save(path string) error {
	path, err := resolve(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(c)
}
