package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestParseJSONStrict(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"telegram":{"token":"x"},"rooms":[{"id":"alice","auto_start":true,"amount_threshold":50}]}`)

	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Rooms) != 1 || cfg.Rooms[0].ID != "alice" || cfg.Rooms[0].AmountThreshold != 50 {
		t.Fatalf("rooms = %+v", cfg.Rooms)
	}

	bad := writeFile(t, dir, "bad.json", `{"telegram":{"tokn":"x"}}`)
	if _, err := NewConfigManager(bad).Parse(); err == nil {
		t.Fatal("expected unknown field error")
	}

	trailing := writeFile(t, dir, "trailing.json", `{} {}`)
	if _, err := NewConfigManager(trailing).Parse(); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("expected trailing data error, got %v", err)
	}
}

func TestParseYAML(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", `
monitor:
  poll_interval: 5s
  default_threshold: 25
rooms:
  - id: bob
    catalog_selections: ["Rose 100"]
`)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Monitor.PollInterval != "5s" || cfg.Monitor.DefaultThreshold != 25 {
		t.Fatalf("monitor = %+v", cfg.Monitor)
	}
	if len(cfg.Rooms) != 1 || cfg.Rooms[0].CatalogSelections[0] != "Rose 100" {
		t.Fatalf("rooms = %+v", cfg.Rooms)
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvTelegramToken, "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "legacy-token")
	t.Setenv(EnvTelegramChatID, "-100")
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"telegram":{"token":"file"}}`)

	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "legacy-token" {
		t.Fatalf("token = %q, want legacy-token", cfg.Telegram.Token)
	}
	if cfg.Telegram.AlertChat != "-100" {
		t.Fatalf("alert chat = %q", cfg.Telegram.AlertChat)
	}
}

func TestInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 5 * time.Second, false},
		{"0s", 5 * time.Second, false},
		{"0", 5 * time.Second, false},
		{"10m", 10 * time.Minute, false},
		{"600", 10 * time.Minute, false},
		{" 2.5 ", 2500 * time.Millisecond, false},
		{"-1s", 0, true},
		{"-3", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := Interval("monitor.poll_interval", tt.raw, 5*time.Second)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Dashboard: DashboardConfig{Token: "a"},
		Rooms:     []RoomConfig{{ID: "alice"}, {ID: "bob", AmountThreshold: 30}},
	}
	newCfg := &Config{
		Dashboard: DashboardConfig{Token: "b"},
		Monitor:   MonitorConfig{PollInterval: "7s"},
		Rooms:     []RoomConfig{{ID: "bob", AmountThreshold: 40}, {ID: "carol"}},
	}
	sections, _, rooms := SummarizeConfigChange(oldCfg, newCfg)

	if strings.Join(sections, ",") != "monitor,rooms" {
		t.Fatalf("sections = %v (token rotation alone must not show up)", sections)
	}
	if strings.Join(rooms, ",") != "alice,bob,carol" {
		t.Fatalf("rooms = %v", rooms)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"monitor":{"poll_interval":"5s"}}`)

	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Monitor.PollInterval == "bad" {
			return os.ErrInvalid
		}
		return nil
	})
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "config.json", `{"monitor":{"poll_interval":"bad"}}`)
	time.Sleep(600 * time.Millisecond)
	writeFile(t, dir, "config.json", `{"monitor":{"poll_interval":"9s"}}`)

	select {
	case cfg := <-sub:
		if cfg.Monitor.PollInterval != "9s" {
			t.Fatalf("published poll_interval = %q", cfg.Monitor.PollInterval)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	if got := m.Get().Monitor.PollInterval; got != "9s" {
		t.Fatalf("committed poll_interval = %q", got)
	}
}
