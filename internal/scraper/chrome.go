package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/ibeckermayer/pinscrape/internal/browser"
)

// Page is one browser tab.
type Page interface {
	Navigate(ctx context.Context, url string) error
	ScrollBy(ctx context.Context, pixels int) error
	HTML(ctx context.Context) (string, error)
	// Responses drains the API response bodies captured since the last call.
	Responses() [][]byte
	Close() error
}

// ChromeOptions configures a Chrome page.
type ChromeOptions struct {
	Headless  bool
	UserAgent string
	Cookies   []*network.Cookie
	// Timeout bounds each navigation or DOM read.
	Timeout time.Duration
	// MaxCaptured bounds the buffered API responses; the oldest are dropped.
	MaxCaptured int
	Logger      *slog.Logger
}

// Chrome is a Page backed by a chromedp-driven browser. API responses
// matching apiMarkers are captured as they arrive.
type Chrome struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	opts        ChromeOptions
	logger      *slog.Logger

	mu       sync.Mutex
	pending  map[network.RequestID]string
	captured [][]byte
	dropped  int
}

// NewChrome starts a browser. Close must be called to stop it.
func NewChrome(parent context.Context, opts ChromeOptions) (*Chrome, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxCaptured <= 0 {
		opts.MaxCaptured = 200
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, browser.Options(opts.Headless, opts.UserAgent)...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	c := &Chrome{
		ctx:         ctx,
		cancel:      cancel,
		allocCancel: allocCancel,
		opts:        opts,
		logger:      opts.Logger.With("component", "chrome"),
		pending:     make(map[network.RequestID]string),
	}
	chromedp.ListenTarget(ctx, c.onEvent)

	if err := chromedp.Run(ctx, network.Enable()); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	if err := browser.SetCookies(ctx, opts.Cookies); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to inject cookies: %w", err)
	}
	return c, nil
}

func isAPIResponse(url string) bool {
	for _, m := range apiMarkers {
		if strings.Contains(url, m) {
			return true
		}
	}
	return false
}

func (c *Chrome) onEvent(ev any) {
	switch ev := ev.(type) {
	case *network.EventResponseReceived:
		if ev.Response == nil || !isAPIResponse(ev.Response.URL) || !strings.Contains(ev.Response.MimeType, "json") {
			return
		}
		c.mu.Lock()
		c.pending[ev.RequestID] = ev.Response.URL
		c.mu.Unlock()
	case *network.EventLoadingFinished:
		c.mu.Lock()
		url, ok := c.pending[ev.RequestID]
		delete(c.pending, ev.RequestID)
		c.mu.Unlock()
		if ok {
			// Event handlers must not block on CDP calls.
			go c.fetchBody(ev.RequestID, url)
		}
	case *network.EventLoadingFailed:
		c.mu.Lock()
		delete(c.pending, ev.RequestID)
		c.mu.Unlock()
	}
}

func (c *Chrome) fetchBody(id network.RequestID, url string) {
	t := chromedp.FromContext(c.ctx)
	if t == nil || t.Target == nil {
		return
	}
	body, err := network.GetResponseBody(id).Do(cdp.WithExecutor(c.ctx, t.Target))
	if err != nil {
		c.logger.Debug("failed to read response body", "url", url, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.captured = append(c.captured, body)
	if over := len(c.captured) - c.opts.MaxCaptured; over > 0 {
		c.captured = c.captured[over:]
		c.dropped += over
	}
}

// run executes actions bounded by both ctx and the per-call timeout.
func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(c.ctx, c.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(tctx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Chrome) Navigate(ctx context.Context, url string) error {
	if err := c.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to load %s: %w", url, err)
	}
	return nil
}

func (c *Chrome) ScrollBy(ctx context.Context, pixels int) error {
	return c.run(ctx, chromedp.Evaluate(fmt.Sprintf(`window.scrollBy(0, %d)`, pixels), nil))
}

func (c *Chrome) HTML(ctx context.Context) (string, error) {
	var html string
	if err := c.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read page: %w", err)
	}
	return html, nil
}

func (c *Chrome) Responses() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.captured
	c.captured = nil
	if c.dropped > 0 {
		c.logger.Warn("dropped captured responses", "count", c.dropped)
		c.dropped = 0
	}
	return out
}

func (c *Chrome) Close() error {
	c.cancel()
	c.allocCancel()
	return nil
}

var _ Page = (*Chrome)(nil)
