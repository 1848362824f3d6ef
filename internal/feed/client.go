// Package feed talks to a room's chat feed and the model search endpoint.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tipwatch/internal/room"
	"tipwatch/internal/session"
	logx "tipwatch/pkg/logx"
)

const DefaultBaseURL = "https://zh.superchat.live"

var (
	// ErrAuthFailure means the credential was rejected (non-200 status or an
	// HTML page instead of JSON). The caller should acquire a new bundle.
	ErrAuthFailure = errors.New("feed: credential rejected")
	// ErrPayload means a 200 response whose body is not a feed document.
	ErrPayload = errors.New("feed: unexpected payload")
)

const maxBody = 4 << 20

// Options configures a Client. Zero values take defaults.
type Options struct {
	BaseURL       string
	Proxy         string // http://, https:// or socks5://
	FeedTimeout   time.Duration
	StatusTimeout time.Duration
	Logger        logx.Logger
	// HTTPClient overrides the transport; Proxy is ignored when set.
	HTTPClient *http.Client
}

// Client is safe for concurrent use by all room monitors.
type Client struct {
	hc            *http.Client
	base          string
	feedTimeout   time.Duration
	statusTimeout time.Duration
	log           logx.Logger
}

func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("feed base url: %w", err)
	}
	if opts.FeedTimeout <= 0 {
		opts.FeedTimeout = 15 * time.Second
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = 10 * time.Second
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}

	hc := opts.HTTPClient
	if hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.MaxIdleConnsPerHost = 16
		if p := strings.TrimSpace(opts.Proxy); p != "" {
			pu, err := url.Parse(p)
			if err != nil || pu.Host == "" {
				return nil, fmt.Errorf("invalid proxy url %q", p)
			}
			switch pu.Scheme {
			case "http", "https", "socks5", "socks5h":
			default:
				return nil, fmt.Errorf("unsupported proxy scheme %q", pu.Scheme)
			}
			tr.Proxy = http.ProxyURL(pu)
		}
		hc = &http.Client{Transport: tr}
	}

	return &Client{
		hc:            hc,
		base:          base,
		feedTimeout:   opts.FeedTimeout,
		statusTimeout: opts.StatusTimeout,
		log:           log.With(logx.String("comp", "feed")),
	}, nil
}

// BaseURL returns the site root the client talks to.
func (c *Client) BaseURL() string { return c.base }

// FeedURL is the chat endpoint of roomID for token uniq.
func (c *Client) FeedURL(roomID, uniq string) string {
	return c.base + "/api/front/v2/models/username/" + url.PathEscape(roomID) +
		"/chat?source=regular&uniq=" + url.QueryEscape(uniq)
}

func (c *Client) newRequest(ctx context.Context, u string, b session.Bundle) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Referer", c.base+"/")
	b.Decorate(req)
	return req, nil
}

// Fetch performs one feed request and returns the raw messages in feed order.
func (c *Client) Fetch(ctx context.Context, roomID string, b session.Bundle) ([]json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.feedTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, c.FeedURL(roomID, b.Uniq), b)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || isHTML(resp.Header.Get("Content-Type")) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("%w: status %d, content-type %q", ErrAuthFailure, resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read feed body: %w", err)
	}
	return DecodeMessages(body)
}

// DecodeMessages accepts a bare list or an object holding the list under
// "messages" or "data".
func DecodeMessages(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrPayload)
	}
	if body[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayload, err)
		}
		return list, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	for _, k := range []string{"messages", "data"} {
		raw := bytes.TrimSpace(doc[k])
		if len(raw) == 0 || raw[0] != '[' {
			continue
		}
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrPayload, k, err)
		}
		return list, nil
	}
	return nil, nil
}

func isHTML(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.Contains(strings.ToLower(ct), "text/html")
	}
	return mt == "text/html"
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// CheckLive asks the search endpoint whether roomID is broadcasting.
// Any failure yields room.Unknown.
func (c *Client) CheckLive(ctx context.Context, roomID string, b session.Bundle) room.Liveness {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("query", roomID)
	q.Set("limit", "10")
	q.Set("primaryTag", "girls")
	q.Set("rcmGrp", "A")
	q.Set("oRcmGrp", "A")
	q.Set("uniq", b.Uniq)
	u := c.base + "/api/front/v4/models/search/suggestion?" + q.Encode()

	req, err := c.newRequest(ctx, u, b)
	if err != nil {
		return room.Unknown
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.Debug("status request failed", logx.Room(roomID), logx.Err(err))
		return room.Unknown
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.log.Debug("status request rejected", logx.Room(roomID), logx.Int("status", resp.StatusCode))
		return room.Unknown
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return room.Unknown
	}
	return LivenessFromSuggestions(body, roomID)
}

// LivenessFromSuggestions finds roomID in a suggestion response and reads
// isLive, falling back to isOnline.
func LivenessFromSuggestions(body []byte, roomID string) room.Liveness {
	var models []map[string]json.RawMessage
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		if json.Unmarshal(body, &models) != nil {
			return room.Unknown
		}
	} else {
		var doc map[string]json.RawMessage
		if json.Unmarshal(body, &doc) != nil {
			return room.Unknown
		}
		for _, k := range []string{"models", "results", "data"} {
			raw := bytes.TrimSpace(doc[k])
			if len(raw) == 0 || raw[0] != '[' {
				continue
			}
			if json.Unmarshal(raw, &models) == nil && len(models) > 0 {
				break
			}
			models = nil
		}
	}

	for _, m := range models {
		name := firstString(m, "username", "login", "name")
		if !strings.EqualFold(name, roomID) {
			continue
		}
		for _, k := range []string{"isLive", "isOnline"} {
			if v, ok := truthy(m[k]); ok {
				if v {
					return room.Live
				}
				return room.Offline
			}
		}
		return room.Unknown
	}
	return room.Unknown
}

func firstString(m map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		var s string
		if raw, ok := m[k]; ok && json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	return ""
}

// truthy reads a JSON value as a boolean. null and missing report ok=false.
func truthy(raw json.RawMessage) (v, ok bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return false, false
	}
	var x any
	if json.Unmarshal(raw, &x) != nil {
		return false, false
	}
	switch t := x.(type) {
	case bool:
		return t, true
	case float64:
		return t != 0, true
	case string:
		return t != "", true
	default:
		return true, true
	}
}
