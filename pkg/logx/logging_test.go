package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tipwatch/internal/transport"
)

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "monitor"), Room("alice"))
	log.Info("poll ok", Int("messages", 3))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "monitor" || m["room"] != "alice" {
		t.Fatalf("fixed fields missing: %v", m)
	}
	if m["messages"] != float64(3) {
		t.Fatalf("messages = %v, want 3", m["messages"])
	}
	if m["message"] != "poll ok" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
				t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"room warning",
			`{"level":"warn","message":"status check failed","comp":"monitor","room":"alice","err":"timeout","caller":"monitor.go:10","time":"x"}`,
			"⚠️ WARN · monitor · alice\nstatus check failed\nerr=timeout",
		},
		{
			"info without tags",
			`{"level":"info","message":"app started","rooms":2}`,
			"INFO\napp started\nrooms=2",
		},
		{"raw fallback", "plain text\n", "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := formatChatLine([]byte(tt.in)); got != tt.want {
				t.Fatalf("formatChatLine =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

type captureSender struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureSender) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	c.sent = append(c.sent, text)
	c.mu.Unlock()
	return transport.MessageRef{}, nil
}

func TestChatMirrorRespectsMinLevel(t *testing.T) {
	t.Parallel()

	m := newChatMirror(&captureSender{}, 0)
	m.setTarget(42, 3)
	// left disabled so the queue is not drained
	m.apply(TelegramConfig{MinLevel: "warn", RatePerSec: 10})

	_, _ = m.WriteLevel(zerolog.InfoLevel, []byte(`{"level":"info","message":"quiet"}`))
	_, _ = m.WriteLevel(zerolog.ErrorLevel, []byte(`{"level":"error","message":"loud","room":"bob"}`))

	if n := len(m.queue); n != 1 {
		t.Fatalf("queued = %d, want 1", n)
	}
	it := <-m.queue
	if it.to.ChatID != 42 || it.to.ThreadID != 3 || !strings.Contains(it.msg, "loud") || !strings.Contains(it.msg, "bob") {
		t.Fatalf("unexpected queued line: %+v", it)
	}
}

func TestChatMirrorDeliversWhenEnabled(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	svc, log := New(Config{Level: "info", Telegram: TelegramConfig{Enabled: true, RatePerSec: 5}}, sender)
	defer svc.Close()
	svc.SetTelegramTarget(7, 0)

	log.With(String("comp", "feed")).Error("fetch failed", Room("carol"))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sender.mu.Lock()
		n := len(sender.sent)
		sender.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || !strings.HasPrefix(sender.sent[0], "🛑 ERROR · feed · carol") {
		t.Fatalf("sent = %q", sender.sent)
	}
}
