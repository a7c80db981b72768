// Package scraper collects pins from Pinterest search results and pin
// detail pages.
package scraper

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/ibeckermayer/pinscrape/internal/interrupt"
	"github.com/ibeckermayer/pinscrape/internal/pin"
)

// Sink receives batches of newly seen pins.
type Sink func(ctx context.Context, batch []pin.Raw) error

// Collector scrolls a search page and hands new pins to a Sink.
type Collector struct {
	Page      Page
	Interrupt *interrupt.Manager
	Logger    *slog.Logger

	// MaxIdleScrolls ends collection after this many rounds in a row that
	// found nothing new.
	MaxIdleScrolls int
	ScrollPixels   int
	BatchSize      int
	// Pause is the wait after each scroll for results to load.
	Pause time.Duration
	// Known ids are treated as already seen.
	Known map[string]bool
}

// CollectStats describes a collection run.
type CollectStats struct {
	Rounds     int    `json:"rounds"`
	Collected  int    `json:"collected"`
	Duplicates int    `json:"duplicates"`
	Responses  int    `json:"responses"`
	StopReason string `json:"stop_reason"`
}

// Stop reasons.
const (
	StopTarget    = "target"
	StopExhausted = "exhausted"
)

// Collect gathers up to target new pins for keyword. Pins are delivered to
// sink in batches; whatever is pending is flushed before Collect returns,
// including on interruption.
func (c *Collector) Collect(ctx context.Context, keyword string, target int, sink Sink) (st CollectStats, err error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("keyword", keyword)
	maxIdle := max(c.MaxIdleScrolls, 1)
	batchSize := max(c.BatchSize, 1)
	pixels := c.ScrollPixels
	if pixels <= 0 {
		pixels = 2000
	}

	seen := make(map[string]bool, len(c.Known))
	for id := range c.Known {
		seen[pin.CanonicalID(id)] = true
	}
	var pending []pin.Raw
	flush := func(ctx context.Context) error {
		if len(pending) == 0 {
			return nil
		}
		batch := pending
		pending = nil
		return sink(ctx, batch)
	}
	defer func() {
		// Pins already collected are saved even when the run is stopping.
		if ferr := flush(context.WithoutCancel(ctx)); ferr != nil && err == nil {
			err = ferr
		}
	}()

	if err := c.Page.Navigate(ctx, SearchURL+url.QueryEscape(keyword)); err != nil {
		return st, err
	}

	idle := 0
	for st.Collected < target {
		if c.Interrupt != nil {
			if err := c.Interrupt.Checkpoint(interrupt.ScrollRound); err != nil {
				return st, err
			}
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}
		st.Rounds++

		found := c.gather(ctx, logger, &st)
		fresh := 0
		for _, raw := range found {
			id := pin.CanonicalID(pin.Stringify(raw["id"]))
			if seen[id] {
				st.Duplicates++
				continue
			}
			seen[id] = true
			pending = append(pending, raw)
			fresh++
			st.Collected++
			if st.Collected >= target {
				break
			}
		}
		if len(pending) >= batchSize {
			if err := flush(ctx); err != nil {
				return st, err
			}
		}

		if fresh == 0 {
			idle++
		} else {
			idle = 0
		}
		logger.Debug("scroll round", "round", st.Rounds, "new", fresh, "collected", st.Collected, "idle", idle)
		if st.Collected >= target {
			break
		}
		if idle >= maxIdle {
			st.StopReason = StopExhausted
			logger.Info("no new pins, stopping", "collected", st.Collected, "target", target)
			return st, nil
		}

		if err := c.Page.ScrollBy(ctx, pixels); err != nil {
			return st, err
		}
		if c.Pause > 0 {
			select {
			case <-ctx.Done():
				return st, ctx.Err()
			case <-time.After(c.Pause):
			}
		}
	}
	st.StopReason = StopTarget
	return st, nil
}

// gather reads the pins currently visible plus those in captured API
// responses. Parse failures are logged and skipped.
func (c *Collector) gather(ctx context.Context, logger *slog.Logger, st *CollectStats) []pin.Raw {
	var out []pin.Raw
	for _, body := range c.Page.Responses() {
		st.Responses++
		raws, err := ExtractResponse(body)
		if err != nil {
			logger.Debug("skipping unreadable response", "error", err)
			continue
		}
		out = append(out, raws...)
	}

	html, err := c.Page.HTML(ctx)
	if err != nil {
		logger.Warn("failed to read page", "error", err)
		return out
	}
	raws, err := ExtractHTML(html)
	if err != nil {
		logger.Warn("failed to parse page", "error", err)
		return out
	}
	return append(out, raws...)
}

// PageFetcher loads pin detail pages on a pool of pages.
type PageFetcher struct {
	pages chan Page
	// Pause is the wait after navigation for the page to settle.
	Pause time.Duration
	once  sync.Once
}

// NewPageFetcher returns a fetcher that uses each page for one fetch at a
// time.
func NewPageFetcher(pages ...Page) *PageFetcher {
	f := &PageFetcher{pages: make(chan Page, len(pages))}
	for _, p := range pages {
		f.pages <- p
	}
	return f
}

// FetchPin loads id's detail page and extracts its record.
func (f *PageFetcher) FetchPin(ctx context.Context, id string) (pin.Raw, error) {
	var p Page
	select {
	case p = <-f.pages:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { f.pages <- p }()

	num := pin.CanonicalID(id)
	if err := p.Navigate(ctx, PinURL+num+"/"); err != nil {
		return nil, err
	}
	if f.Pause > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.Pause):
		}
	}
	html, err := p.HTML(ctx)
	if err != nil {
		return nil, err
	}
	return FindPin(html, num)
}

// Close closes every page in the pool. It must not race with FetchPin.
func (f *PageFetcher) Close() error {
	f.once.Do(func() {
		close(f.pages)
		for p := range f.pages {
			p.Close()
		}
	})
	return nil
}
