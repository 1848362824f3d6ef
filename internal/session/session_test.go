package session

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func TestBundleHeaders(t *testing.T) {
	t.Parallel()

	b := Bundle{Uniq: "abc", UserAgent: "ua/1", Cookies: map[string]string{"z": "1", "a": "2"}}
	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	b.Decorate(req)
	if got := req.Header.Get("Cookie"); got != "a=2; z=1" {
		t.Fatalf("cookie = %q", got)
	}
	if got := req.Header.Get("User-Agent"); got != "ua/1" {
		t.Fatalf("ua = %q", got)
	}
}

func TestBundleExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := Bundle{Uniq: "x", AcquiredAt: now}
	if b.Expired(now.Add(30*time.Minute), 30*time.Minute) {
		t.Fatal("expired at exactly max age")
	}
	if !b.Expired(now.Add(31*time.Minute), 30*time.Minute) {
		t.Fatal("not expired after max age")
	}
	if b.Expired(now.Add(24*time.Hour), 0) {
		t.Fatal("zero max age must never expire")
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var cur, peak atomic.Int32
	ext := ExtractorFunc(func(ctx context.Context, roomID string) (Bundle, string, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return Bundle{Uniq: roomID}, "", nil
	})
	p := NewPool(ext, PoolOptions{Workers: 2, RatePerMin: -1})

	done := make(chan error, 6)
	for i := 0; i < 6; i++ {
		go func() {
			_, _, err := p.Acquire(context.Background(), "room")
			done <- err
		}()
	}
	for i := 0; i < 6; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
	if s := p.Stats(); s.Started != 6 || s.Inflight != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestPoolEmptyTokenIsNoSession(t *testing.T) {
	t.Parallel()

	p := NewPool(ExtractorFunc(func(ctx context.Context, roomID string) (Bundle, string, error) {
		return Bundle{}, "", nil
	}), PoolOptions{RatePerMin: -1})
	if _, _, err := p.Acquire(context.Background(), "r"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestPoolReturnsOnCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	p := NewPool(ExtractorFunc(func(ctx context.Context, roomID string) (Bundle, string, error) {
		<-release
		return Bundle{Uniq: "late"}, "", nil
	}), PoolOptions{Workers: 1, RatePerMin: -1})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, _, err := p.Acquire(ctx, "r"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Acquire did not return on cancellation")
	}
}
