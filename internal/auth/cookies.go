package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/ibeckermayer/pinscrape/internal/config"
)

// SessionCookie is the cookie Pinterest sets for a logged-in browser.
const SessionCookie = "_pinterest_sess"

// authCookies must all be present for a stored session to be usable.
var authCookies = []string{SessionCookie, "csrftoken"}

// CookieStore persists Pinterest session cookies as JSON.
type CookieStore struct {
	path string
	now  func() time.Time
}

// StoredCookies represents the persisted cookie data
type StoredCookies struct {
	Cookies    []*network.Cookie `json:"cookies"`
	CapturedAt time.Time         `json:"captured_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// NewCookieStore creates a cookie store at the given path
func NewCookieStore(path string) *CookieStore {
	return &CookieStore{path: path, now: time.Now}
}

// DefaultCookieStorePath returns the default path for cookie storage
func DefaultCookieStorePath() (string, error) {
	configDir, err := config.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "cookies.json"), nil
}

// Path returns the file the store reads and writes.
func (cs *CookieStore) Path() string { return cs.path }

// Save persists cookies to disk. The stored expiry is the earliest expiry
// among the auth cookies; session cookies without one never expire.
// TODO: Encrypt cookies at rest
func (cs *CookieStore) Save(cookies []*network.Cookie) error {
	if err := os.MkdirAll(filepath.Dir(cs.path), 0700); err != nil {
		return err
	}

	var earliestExpiry time.Time
	for _, c := range cookies {
		if !slices.Contains(authCookies, c.Name) || c.Expires <= 0 {
			continue
		}
		exp := time.Unix(int64(c.Expires), 0)
		if earliestExpiry.IsZero() || exp.Before(earliestExpiry) {
			earliestExpiry = exp
		}
	}

	stored := StoredCookies{
		Cookies:    withDefaults(cookies),
		CapturedAt: cs.now(),
		ExpiresAt:  earliestExpiry,
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}

	tmp := cs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, cs.path)
}

// Load retrieves cookies from disk
func (cs *CookieStore) Load() (*StoredCookies, error) {
	data, err := os.ReadFile(cs.path)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Cookies    []map[string]any `json:"cookies"`
		CapturedAt time.Time        `json:"captured_at"`
		ExpiresAt  time.Time        `json:"expires_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	stored := StoredCookies{CapturedAt: raw.CapturedAt, ExpiresAt: raw.ExpiresAt}
	for _, fields := range raw.Cookies {
		fillEnums(fields)
		b, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		var c network.Cookie
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("failed to decode cookie %v: %w", fields["name"], err)
		}
		stored.Cookies = append(stored.Cookies, &c)
	}
	return &stored, nil
}

// cookieEnumDefaults are the values Chrome reports when a cookie carries no
// explicit setting. The protocol enums reject the empty string.
var cookieEnumDefaults = map[string]string{
	"priority":     string(network.CookiePriorityMedium),
	"sourceScheme": string(network.CookieSourceSchemeUnset),
}

func fillEnums(fields map[string]any) {
	for key, def := range cookieEnumDefaults {
		if v, ok := fields[key].(string); !ok || v == "" {
			fields[key] = def
		}
	}
	if v, ok := fields["sameSite"].(string); ok && v == "" {
		delete(fields, "sameSite")
	}
}

// withDefaults returns copies of cookies with empty enum fields filled in,
// leaving the caller's cookies untouched.
func withDefaults(cookies []*network.Cookie) []*network.Cookie {
	out := make([]*network.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		cp := *c
		if cp.Priority == "" {
			cp.Priority = network.CookiePriorityMedium
		}
		if cp.SourceScheme == "" {
			cp.SourceScheme = network.CookieSourceSchemeUnset
		}
		out = append(out, &cp)
	}
	return out
}

// IsValid checks if stored cookies are still valid
func (cs *CookieStore) IsValid() bool {
	stored, err := cs.Load()
	if err != nil {
		return false
	}

	if !stored.ExpiresAt.IsZero() && cs.now().After(stored.ExpiresAt) {
		return false
	}

	for _, name := range authCookies {
		if !slices.ContainsFunc(stored.Cookies, func(c *network.Cookie) bool {
			return c.Name == name && c.Value != ""
		}) {
			return false
		}
	}
	return true
}

// Clear removes stored cookies
func (cs *CookieStore) Clear() error {
	err := os.Remove(cs.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// PinterestCookies returns the stored cookies scoped to pinterest.com.
func (cs *CookieStore) PinterestCookies() ([]*network.Cookie, error) {
	stored, err := cs.Load()
	if err != nil {
		return nil, err
	}

	var out []*network.Cookie
	for _, c := range stored.Cookies {
		if isPinterestDomain(c.Domain) {
			out = append(out, c)
		}
	}
	return out, nil
}

func isPinterestDomain(domain string) bool {
	d := strings.TrimPrefix(domain, ".")
	return d == "pinterest.com" || strings.HasSuffix(d, ".pinterest.com")
}
