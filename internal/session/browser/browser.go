// Package browser obtains feed sessions by loading a room page in headless
// Chrome and capturing the chat request the page issues on its own.
package browser

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"tipwatch/internal/session"
	logx "tipwatch/pkg/logx"
)

const (
	DefaultBaseURL = "https://zh.superchat.live"
	fallbackUA     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/109.0.0.0 Safari/537.36"

	chatPathMarker  = "/api/front/v2/models/username/"
	chatQueryMarker = "chat?source=regular"
)

// Options configures Chrome.
type Options struct {
	BaseURL    string
	ChromePath string
	Headless   bool
	NavTimeout time.Duration // default 30s
	WatchTime  time.Duration // extra time to wait for the chat request, default 8s
	Logger     logx.Logger
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.BaseURL) == "" {
		o.BaseURL = DefaultBaseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.NavTimeout <= 0 {
		o.NavTimeout = 30 * time.Second
	}
	if o.WatchTime < 0 {
		o.WatchTime = 0
	} else if o.WatchTime == 0 {
		o.WatchTime = 8 * time.Second
	}
	if o.Logger.IsZero() {
		o.Logger = logx.Nop()
	}
	return o
}

// NewAllocator starts a Chrome allocator configured from o. The caller must
// call cancel to release the browser process.
func NewAllocator(parent context.Context, o Options) (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	if !o.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if p := strings.TrimSpace(o.ChromePath); p != "" {
		opts = append(opts, chromedp.ExecPath(p))
	}
	return chromedp.NewExecAllocator(parent, opts...)
}

// RoomURL is the public page of a room.
func RoomURL(base, roomID string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(roomID)
}

// Extractor implements session.Extractor with a fresh browser per call.
type Extractor struct {
	opts Options
	log  logx.Logger
}

func New(o Options) *Extractor {
	o = o.withDefaults()
	return &Extractor{opts: o, log: o.Logger.With(logx.String("comp", "session.browser"))}
}

func (e *Extractor) Acquire(ctx context.Context, roomID string) (session.Bundle, string, error) {
	allocCtx, allocCancel := NewAllocator(ctx, e.opts)
	defer allocCancel()
	bctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	var (
		mu       sync.Mutex
		captured string
	)
	chromedp.ListenTarget(bctx, func(ev any) {
		req, ok := ev.(*network.EventRequestWillBeSent)
		if !ok || req.Request == nil {
			return
		}
		if isChatURL(req.Request.URL) {
			mu.Lock()
			if captured == "" {
				captured = req.Request.URL
			}
			mu.Unlock()
		}
	})

	home := RoomURL(e.opts.BaseURL, roomID)
	e.log.Debug("opening room page", logx.Room(roomID), logx.String("url", home))

	var (
		html    string
		ua      string
		cookies []*network.Cookie
	)
	// The first Run allocates the browser; it must not carry a deadline.
	if err := chromedp.Run(bctx, network.Enable()); err != nil {
		return session.Bundle{}, "", fmt.Errorf("start browser: %w", err)
	}
	navCtx, navCancel := context.WithTimeout(bctx, e.opts.NavTimeout)
	err := chromedp.Run(navCtx, chromedp.Navigate(home))
	navCancel()
	if err != nil {
		return session.Bundle{}, "", fmt.Errorf("navigate %s: %w", home, err)
	}
	readCtx, readCancel := context.WithTimeout(bctx, e.opts.WatchTime+10*time.Second)
	defer readCancel()
	err = chromedp.Run(readCtx,
		chromedp.Sleep(e.opts.WatchTime),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Evaluate(`navigator.userAgent`, &ua),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}),
	)
	if err != nil {
		return session.Bundle{}, "", fmt.Errorf("read page state: %w", err)
	}

	mu.Lock()
	found := captured
	mu.Unlock()

	uniq, actual := ParseChatURL(found)
	if uniq == "" {
		uniq = UniqFromHTML(html, roomID)
	}
	if uniq == "" {
		return session.Bundle{}, "", session.ErrNoSession
	}
	if ua == "" {
		ua = fallbackUA
	}

	b := session.Bundle{
		Uniq:       uniq,
		Cookies:    make(map[string]string, len(cookies)),
		UserAgent:  ua,
		AcquiredAt: time.Now(),
	}
	for _, c := range cookies {
		b.Cookies[c.Name] = c.Value
	}

	corrected := ""
	if actual != "" && actual != roomID {
		corrected = actual
		e.log.Info("room reported under another name", logx.Room(roomID), logx.String("actual", actual))
	}
	return b, corrected, nil
}

func isChatURL(u string) bool {
	return strings.Contains(u, chatPathMarker) && strings.Contains(u, chatQueryMarker)
}

var uniqRe = regexp.MustCompile(`(?i)uniq=([a-z0-9]+)`)

// ParseChatURL extracts the session token and the room name from a captured
// chat request URL.
func ParseChatURL(raw string) (uniq, roomID string) {
	if raw == "" {
		return "", ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		if m := uniqRe.FindStringSubmatch(raw); m != nil {
			return m[1], ""
		}
		return "", ""
	}
	parts := strings.Split(u.Path, "/")
	for i, p := range parts {
		if p == "username" && i+1 < len(parts) {
			roomID, _ = url.PathUnescape(parts[i+1])
			break
		}
	}
	q := u.Query()
	uniq = q.Get("uniq")
	if uniq == "" {
		uniq = q.Get("uniq[]")
	}
	if uniq == "" {
		if m := uniqRe.FindStringSubmatch(raw); m != nil {
			uniq = m[1]
		}
	}
	return uniq, roomID
}

// UniqFromHTML finds a chat URL for roomID embedded in page markup.
func UniqFromHTML(html, roomID string) string {
	re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(chatPathMarker+roomID+"/") + `chat\?source=regular&(?:amp;)?uniq=([a-z0-9]+)`)
	if err != nil {
		return ""
	}
	if m := re.FindStringSubmatch(html); m != nil {
		return m[1]
	}
	return ""
}
