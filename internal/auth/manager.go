package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/ibeckermayer/pinscrape/internal/browser"
)

// LoginURL is where interactive login starts.
const LoginURL = "https://www.pinterest.com/login/"

// Manager handles Pinterest authentication
type Manager struct {
	cookieStore *CookieStore
	logger      *slog.Logger
	// LoginTimeout bounds how long the user has to finish logging in.
	LoginTimeout time.Duration
	PollInterval time.Duration
}

// NewManager creates a new auth manager
func NewManager(cookieStore *CookieStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cookieStore:  cookieStore,
		logger:       logger.With("component", "auth"),
		LoginTimeout: 5 * time.Minute,
		PollInterval: 2 * time.Second,
	}
}

// IsAuthenticated checks if we have valid stored credentials
func (m *Manager) IsAuthenticated() bool {
	return m.cookieStore.IsValid()
}

// Login opens a visible browser on the Pinterest login page and waits for
// the user to sign in. The session cookies are then saved.
func (m *Manager) Login(ctx context.Context) error {
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, browser.Options(false, "")...)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	if err := chromedp.Run(browserCtx, chromedp.Navigate(LoginURL)); err != nil {
		return fmt.Errorf("failed to navigate to login page: %w", err)
	}
	m.logger.Info("waiting for login in the browser window", "timeout", m.LoginTimeout)

	cookies, err := m.waitForLogin(browserCtx)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	if err := m.cookieStore.Save(cookies); err != nil {
		return fmt.Errorf("failed to save cookies: %w", err)
	}
	m.logger.Info("login saved", "cookies", len(cookies), "path", m.cookieStore.Path())
	return nil
}

// waitForLogin polls until the browser has left the login page and holds
// a session cookie.
func (m *Manager) waitForLogin(ctx context.Context) ([]*network.Cookie, error) {
	timeout := time.After(m.LoginTimeout)
	ticker := time.NewTicker(m.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return nil, fmt.Errorf("login timeout exceeded")
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			var url string
			if err := chromedp.Run(ctx, chromedp.Location(&url)); err != nil {
				continue
			}
			if !strings.Contains(url, "pinterest.") || strings.Contains(url, "/login") {
				continue
			}
			cookies, err := extractCookies(ctx)
			if err != nil {
				continue
			}
			if LoggedIn(cookies) {
				return cookies, nil
			}
		}
	}
}

// LoggedIn reports whether cookies carry a Pinterest session.
func LoggedIn(cookies []*network.Cookie) bool {
	for _, c := range cookies {
		if c.Name == SessionCookie && c.Value != "" && isPinterestDomain(c.Domain) {
			return true
		}
	}
	return false
}

// extractCookies gets all cookies from the browser
func extractCookies(ctx context.Context) ([]*network.Cookie, error) {
	var cookies []*network.Cookie

	err := chromedp.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = storage.GetCookies().Do(ctx)
			return err
		}),
	)

	return cookies, err
}

// Logout clears stored credentials
func (m *Manager) Logout() error {
	return m.cookieStore.Clear()
}

// GetCookies returns the stored cookies for use in scraping. Having none
// is not an error: Pinterest search works logged out.
func (m *Manager) GetCookies() ([]*network.Cookie, error) {
	if !m.cookieStore.IsValid() {
		return nil, nil
	}
	return m.cookieStore.PinterestCookies()
}
