package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tipwatch/internal/room"
	"tipwatch/internal/session"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{BaseURL: srv.URL, FeedTimeout: 2 * time.Second, StatusTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestFetchSendsCredentials(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/front/v2/models/username/alice/chat" || r.URL.Query().Get("uniq") != "tok" {
			http.Error(w, "bad path "+r.URL.String(), http.StatusNotFound)
			return
		}
		if r.Header.Get("Cookie") != "sid=1" || r.Header.Get("User-Agent") != "ua" {
			http.Error(w, "missing identity", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"id":"1"},{"id":"2"}]}`))
	})

	msgs, err := c.Fetch(context.Background(), "alice", session.Bundle{Uniq: "tok", UserAgent: "ua", Cookies: map[string]string{"sid": "1"}})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
}

func TestFetchAuthFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		h    http.HandlerFunc
	}{
		{"forbidden", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) }},
		{"html challenge", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html>checking your browser</html>"))
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, tt.h)
			_, err := c.Fetch(context.Background(), "alice", session.Bundle{Uniq: "tok"})
			if !errors.Is(err, ErrAuthFailure) {
				t.Fatalf("err = %v, want ErrAuthFailure", err)
			}
		})
	}
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	})
	c.feedTimeout = 50 * time.Millisecond
	_, err := c.Fetch(context.Background(), "alice", session.Bundle{Uniq: "tok"})
	if err == nil || errors.Is(err, ErrAuthFailure) || !IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestDecodeMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		body    string
		want    int
		wantErr bool
	}{
		{`[{"id":1}]`, 1, false},
		{`{"data":[{"id":1},{"id":2}]}`, 2, false},
		{`{"other":true}`, 0, false},
		{`not json`, 0, true},
		{``, 0, true},
	}
	for _, tt := range tests {
		got, err := DecodeMessages([]byte(tt.body))
		if (err != nil) != tt.wantErr {
			t.Fatalf("DecodeMessages(%q) err = %v", tt.body, err)
		}
		if len(got) != tt.want {
			t.Fatalf("DecodeMessages(%q) = %d messages, want %d", tt.body, len(got), tt.want)
		}
	}
}

func TestLivenessFromSuggestions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want room.Liveness
	}{
		{"isLive wins", `{"models":[{"username":"Alice","isLive":false,"isOnline":true}]}`, room.Offline},
		{"isOnline fallback", `{"results":[{"login":"alice","isOnline":true}]}`, room.Live},
		{"bare list", `[{"name":"bob","isLive":true},{"username":"alice","isLive":true}]`, room.Live},
		{"no match", `{"models":[{"username":"bob","isLive":true}]}`, room.Unknown},
		{"no flags", `{"data":[{"username":"alice"}]}`, room.Unknown},
		{"garbage", `<html>`, room.Unknown},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := LivenessFromSuggestions([]byte(tt.body), "alice"); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckLive(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/search/suggestion") || r.URL.Query().Get("query") != "alice" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"models":[{"username":"alice","isLive":true}]}`))
	})
	if got := c.CheckLive(context.Background(), "alice", session.Bundle{Uniq: "u"}); got != room.Live {
		t.Fatalf("CheckLive = %v", got)
	}
	if got := c.CheckLive(context.Background(), "carol", session.Bundle{}); got != room.Unknown {
		t.Fatalf("CheckLive(carol) = %v", got)
	}
}

func TestNewClientRejectsBadProxy(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(Options{Proxy: "ftp://proxy:21"}); err == nil {
		t.Fatal("expected error for ftp proxy")
	}
	if _, err := NewClient(Options{Proxy: "socks5://127.0.0.1:1080"}); err != nil {
		t.Fatalf("socks5 proxy: %v", err)
	}
}
