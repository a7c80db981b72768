package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
)

var unsafeChars = regexp.MustCompile(`[\\/:*?"<>|]`)

const maxKeywordLen = 50

// SanitizeKeyword maps a keyword to a directory name. The mapping is
// deterministic: the same keyword always yields the same name.
func SanitizeKeyword(keyword string) string {
	name := strings.TrimSpace(keyword)
	name = strings.SplitN(name, "?", 2)[0]
	name = strings.SplitN(name, "#", 2)[0]

	if strings.Contains(name, "/") {
		var parts []string
		for _, p := range strings.Split(name, "/") {
			if p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) > 0 {
			name = parts[len(parts)-1]
		}
	}

	if r := []rune(name); len(r) > maxKeywordLen {
		name = string(r[:maxKeywordLen])
	}

	name = unsafeChars.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == ".." {
		name = "_"
	}
	return name
}

// KeywordDir returns outputDir/<sanitized keyword>.
func KeywordDir(outputDir, keyword string) string {
	return filepath.Join(outputDir, SanitizeKeyword(keyword))
}

// DBPath returns outputDir/<sanitized keyword>/pinterest.db.
func DBPath(outputDir, keyword string) string {
	return filepath.Join(KeywordDir(outputDir, keyword), DBFileName)
}

// Factory hands out one Manager per (keyword, output directory). All
// access to the cache, including manager construction, happens under one
// mutex so two callers never open competing pools on the same file.
type Factory struct {
	mu       sync.Mutex
	managers map[string]*Manager
	opts     []Option
	base     *slog.Logger
	logger   *slog.Logger
}

// NewFactory returns an empty factory. opts are applied to every manager
// it opens.
func NewFactory(logger *slog.Logger, opts ...Option) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		managers: make(map[string]*Manager),
		opts:     opts,
		base:     logger,
		logger:   logger.With("component", "factory"),
	}
}

func cacheKey(keyword, outputDir string) string {
	abs, err := filepath.Abs(outputDir)
	if err != nil {
		abs = filepath.Clean(outputDir)
	}
	return SanitizeKeyword(keyword) + ":" + abs
}

// Get returns the live manager for keyword under outputDir, opening it on
// first use. A cached manager that fails its liveness query is closed,
// evicted and reopened.
func (f *Factory) Get(ctx context.Context, keyword, outputDir string) (*Manager, error) {
	if strings.TrimSpace(keyword) == "" {
		return nil, fmt.Errorf("%w: empty keyword", ErrNoDatabase)
	}
	key := cacheKey(keyword, outputDir)

	f.mu.Lock()
	defer f.mu.Unlock()

	if m, ok := f.managers[key]; ok {
		err := m.Ping(ctx)
		if err == nil {
			return m, nil
		}
		f.logger.Warn("cached database failed liveness check, reopening", "keyword", keyword, "error", err)
		delete(f.managers, key)
		m.Close()
	}

	opts := append([]Option{WithKeyword(keyword), WithLogger(f.base)}, f.opts...)
	m, err := OpenManager(ctx, DBPath(outputDir, keyword), opts...)
	if err != nil {
		return nil, err
	}
	f.managers[key] = m
	f.logger.Debug("opened database", "keyword", keyword, "path", m.Path())
	return m, nil
}

// Cleanup closes and forgets the manager for keyword, reporting whether
// one was cached.
func (f *Factory) Cleanup(keyword, outputDir string) bool {
	key := cacheKey(keyword, outputDir)

	f.mu.Lock()
	m, ok := f.managers[key]
	delete(f.managers, key)
	f.mu.Unlock()

	if !ok {
		return false
	}
	if err := m.Close(); err != nil {
		f.logger.Warn("failed to close database", "keyword", keyword, "error", err)
	}
	return true
}

// CleanupAll closes every cached manager and returns how many there were.
func (f *Factory) CleanupAll() int {
	f.mu.Lock()
	managers := f.managers
	f.managers = make(map[string]*Manager)
	f.mu.Unlock()

	for key, m := range managers {
		if err := m.Close(); err != nil {
			f.logger.Warn("failed to close database", "key", key, "error", err)
		}
	}
	return len(managers)
}

// Count returns the number of cached managers.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.managers)
}

// Keywords returns the sanitized keywords with a cached manager.
func (f *Factory) Keywords() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := lo.Uniq(lo.Map(lo.Keys(f.managers), func(key string, _ int) string {
		kw, _, _ := strings.Cut(key, ":")
		return kw
	}))
	sort.Strings(out)
	return out
}
