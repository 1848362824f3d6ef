// Package session holds the credential bundle used to read a room's feed
// and the bounded pool that runs the (slow) extractor.
package session

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ErrNoSession is returned when the extractor could not produce a token.
var ErrNoSession = errors.New("session: no credential obtained")

// Bundle is one set of credentials for a room's feed.
type Bundle struct {
	Uniq       string            `json:"uniq"`
	Cookies    map[string]string `json:"cookies,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	AcquiredAt time.Time         `json:"acquired_at"`
}

func (b Bundle) Valid() bool { return strings.TrimSpace(b.Uniq) != "" }

// Expired reports whether the bundle is older than maxAge at now.
// A non-positive maxAge never expires.
func (b Bundle) Expired(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 || b.AcquiredAt.IsZero() {
		return false
	}
	return now.Sub(b.AcquiredAt) > maxAge
}

// CookieHeader renders the cookies as a single Cookie header value,
// sorted by name so requests are reproducible.
func (b Bundle) CookieHeader() string {
	if len(b.Cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(b.Cookies))
	for k := range b.Cookies {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, k+"="+b.Cookies[k])
	}
	return strings.Join(parts, "; ")
}

// Decorate sets the identity headers of b on req.
func (b Bundle) Decorate(req *http.Request) {
	if b.UserAgent != "" {
		req.Header.Set("User-Agent", b.UserAgent)
	}
	if c := b.CookieHeader(); c != "" {
		req.Header.Set("Cookie", c)
	}
}

// Extractor obtains a fresh bundle for a room. corrected is non-empty when
// the remote side reports the room under a different name.
type Extractor interface {
	Acquire(ctx context.Context, roomID string) (b Bundle, corrected string, err error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, roomID string) (Bundle, string, error)

func (f ExtractorFunc) Acquire(ctx context.Context, roomID string) (Bundle, string, error) {
	return f(ctx, roomID)
}
