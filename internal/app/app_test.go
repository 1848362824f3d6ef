package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tipwatch/internal/alert"
	"tipwatch/internal/config"
	"tipwatch/internal/monitor"
	"tipwatch/internal/room"
	"tipwatch/internal/storage"
	kit "tipwatch/internal/transport"
	"tipwatch/internal/transport/telegram/router"
	logx "tipwatch/pkg/logx"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"zero config", func(*config.Config) {}, ""},
		{"bad poll interval", func(c *config.Config) { c.Monitor.PollInterval = "fast" }, "monitor.poll_interval"},
		{"bad alert chat", func(c *config.Config) { c.Telegram.AlertChat = "@channel" }, "telegram.alert_chat"},
		{"sqlite without path", func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"unknown driver", func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "redis"} }, "storage.driver"},
		{"bad proxy scheme", func(c *config.Config) { c.HTTP.Proxy = "ftp://proxy:21" }, "http.proxy"},
		{"bad refresh schedule", func(c *config.Config) { c.Catalog.Refresh = "sometimes" }, "catalog.refresh"},
		{"bad timezone", func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"public dashboard without token", func(c *config.Config) {
			c.Dashboard = config.DashboardConfig{Enabled: true, Addr: "0.0.0.0:8788"}
		}, "token"},
		{"duplicate room", func(c *config.Config) {
			c.Rooms = []config.RoomConfig{{ID: "alice"}, {ID: " alice "}}
		}, "duplicate"},
		{"empty room id", func(c *config.Config) { c.Rooms = []config.RoomConfig{{ID: " "}} }, "rooms[0].id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{}
			tt.mutate(cfg)
			err := validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMapMonitorConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Monitor: config.MonitorConfig{
		PollInterval:     "2s",
		AlertWindow:      "10m",
		DefaultThreshold: 99,
	}}
	mc, err := mapMonitorConfig(cfg)
	if err != nil {
		t.Fatalf("mapMonitorConfig: %v", err)
	}
	def := monitor.DefaultConfig()
	if mc.Cadence.Poll != 2*time.Second || mc.Window != 10*time.Minute || mc.DefaultThreshold != 99 {
		t.Fatalf("mapped = %+v", mc)
	}
	if mc.Cadence.OfflinePoll != def.Cadence.OfflinePoll || mc.CredentialMaxAge != def.CredentialMaxAge {
		t.Fatalf("defaults not kept: %+v", mc)
	}
}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Telegram: config.TelegramConfig{AlertChat: "-100123", AlertThreadID: 7}}
	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		t.Fatalf("mapNotifierConfig: %v", err)
	}
	if !nc.Enabled || nc.DedupWindow != 5*time.Minute || nc.RetryBase != 500*time.Millisecond {
		t.Fatalf("defaults = %+v", nc)
	}
	if nc.Target != (kit.ChatTarget{ChatID: -100123, ThreadID: 7}) {
		t.Fatalf("target = %+v", nc.Target)
	}

	cfg.Notifier = &config.NotifierConfig{Enabled: true, DedupWindow: "1m", Workers: -1}
	if _, err := mapNotifierConfig(cfg); err == nil {
		t.Fatal("negative workers accepted")
	}
}

func TestMapSchedules(t *testing.T) {
	t.Parallel()

	s, err := mapSchedules(&config.Config{Catalog: config.CatalogConfig{Refresh: "06:00"}})
	if err != nil {
		t.Fatalf("mapSchedules: %v", err)
	}
	if s.prune != "@daily" || s.retention != 7*24*time.Hour || s.catalogRefresh != "06:00" {
		t.Fatalf("schedules = %+v", s)
	}
}

func TestStatusLine(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tip := &room.Slot{Amount: 120, Timestamp: now.Add(-3 * time.Minute).Format(room.TimeLayout)}
	tests := []struct {
		snap room.Snapshot
		want string
	}{
		{room.Snapshot{ID: "a"}, "⏸ a [active]"},
		{room.Snapshot{ID: "b", Running: true, Live: room.Live, HighTip: tip}, "🟢 b [active] top 120 3 min ago"},
		{room.Snapshot{ID: "c", Running: true, Live: room.Offline, Mode: room.LowFrequency, LastError: "x"}, "🔴 c [low_frequency] ⚠"},
	}
	for _, tt := range tests {
		if got := statusLine(tt.snap, now); got != tt.want {
			t.Fatalf("statusLine(%s) = %q, want %q", tt.snap.ID, got, tt.want)
		}
	}
}

// ---- command handlers ----

type fakeRooms struct {
	mu      sync.Mutex
	snaps   map[string]room.Snapshot
	started []string
	stopped []string
	rules   map[string]room.Rule
}

func newFakeRooms(ids ...string) *fakeRooms {
	f := &fakeRooms{snaps: map[string]room.Snapshot{}, rules: map[string]room.Rule{}}
	for _, id := range ids {
		f.snaps[id] = room.Snapshot{ID: id, Rule: room.Rule{AmountThreshold: 30}}
	}
	return f
}

func (f *fakeRooms) Snapshots() []room.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []room.Snapshot
	for _, s := range f.snaps {
		out = append(out, s)
	}
	return out
}

func (f *fakeRooms) Snapshot(id string) (room.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[id]
	return s, ok
}

func (f *fakeRooms) Ensure(_ context.Context, rec storage.RoomRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	th := rec.AmountThreshold
	if th <= 0 {
		th = 30
	}
	f.snaps[rec.ID] = room.Snapshot{ID: rec.ID, Rule: room.Rule{AmountThreshold: th}}
	return nil
}

func (f *fakeRooms) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[id]
	if !ok {
		return monitor.ErrUnknownRoom
	}
	s.Running = true
	f.snaps[id] = s
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRooms) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.snaps[id]; !ok {
		return monitor.ErrUnknownRoom
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRooms) RefreshCredential(id string) error { return monitor.ErrNotRunning }

func (f *fakeRooms) Running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func (f *fakeRooms) Rename(_ context.Context, oldID, newID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.snaps[newID]; ok {
		return monitor.ErrRoomExists
	}
	s := f.snaps[oldID]
	delete(f.snaps, oldID)
	s.ID = newID
	f.snaps[newID] = s
	return nil
}

func (f *fakeRooms) SetRule(_ context.Context, id string, r room.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.snaps[id]
	s.Rule = r
	f.snaps[id] = s
	f.rules[id] = r
	return nil
}

type fakeMenus struct{ refreshed int }

func (m *fakeMenus) Get(context.Context, string) ([]room.CatalogItem, error) {
	return []room.CatalogItem{{Activity: "Rose", Price: "100"}}, nil
}

func (m *fakeMenus) Refresh(ctx context.Context, id string) ([]room.CatalogItem, error) {
	m.refreshed++
	return m.Get(ctx, id)
}

type fakeHistory struct{ gotRoom string }

func (h *fakeHistory) RecentAlerts(_ context.Context, roomID string, limit int) ([]alert.Alert, error) {
	h.gotRoom = roomID
	out := []alert.Alert{
		{Room: "alice", Kind: alert.KindHighTip, Amount: 50, At: time.Now()},
		{Room: "alice", Kind: alert.KindLive, At: time.Now()},
	}
	return out[:min(limit, len(out))], nil
}

type recSender struct {
	mu   sync.Mutex
	msgs []string
	ch   chan struct{}
}

func (s *recSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	s.msgs = append(s.msgs, text)
	s.mu.Unlock()
	s.ch <- struct{}{}
	return kit.MessageRef{}, nil
}

func (s *recSender) next(t *testing.T) string {
	t.Helper()
	select {
	case <-s.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[len(s.msgs)-1]
}

func runCommands(t *testing.T, d commandDeps) func(text string) string {
	t.Helper()
	sender := &recSender{ch: make(chan struct{}, 16)}
	m := router.NewCommandManager(logx.Nop(), sender, []int64{42})
	m.SetCommands(roomCommands(d))
	in := make(chan kit.Command, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, in)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	send := func(text string) string {
		f := strings.Fields(text)
		in <- kit.Command{Name: strings.TrimPrefix(f[0], "/"), Args: f[1:], ChatID: 1, FromID: 42}
		return sender.next(t)
	}
	return send
}

func TestWatchCommand(t *testing.T) {
	t.Parallel()

	rooms := newFakeRooms("alice")
	send := runCommands(t, commandDeps{rooms: rooms})

	if got := send("/watch bob 80"); !strings.Contains(got, "bob") || !strings.Contains(got, "80") {
		t.Fatalf("watch new room reply = %q", got)
	}
	if got := send("/watch alice 55.5"); !strings.Contains(got, "55.50") {
		t.Fatalf("watch existing room reply = %q", got)
	}
	if r := rooms.rules["alice"]; r.AmountThreshold != 55.5 {
		t.Fatalf("rule not updated: %+v", r)
	}
	if got := send("/watch alice -3"); !strings.Contains(got, "positive number") {
		t.Fatalf("bad threshold reply = %q", got)
	}
	if got := send("/watch"); !strings.Contains(got, "usage") {
		t.Fatalf("missing args reply = %q", got)
	}
	rooms.mu.Lock()
	started := strings.Join(rooms.started, ",")
	rooms.mu.Unlock()
	if started != "bob,alice" {
		t.Fatalf("started = %s", started)
	}
}

func TestRoomLifecycleCommands(t *testing.T) {
	t.Parallel()

	rooms := newFakeRooms("alice", "bob")
	send := runCommands(t, commandDeps{rooms: rooms})

	if got := send("/unwatch alice"); !strings.Contains(got, "stopped") {
		t.Fatalf("unwatch reply = %q", got)
	}
	if got := send("/unwatch ghost"); !strings.Contains(got, "unknown room") {
		t.Fatalf("unwatch unknown reply = %q", got)
	}
	if got := send("/refresh alice"); !strings.Contains(got, "not running") {
		t.Fatalf("refresh idle reply = %q", got)
	}
	if got := send("/rename alice bob"); !strings.Contains(got, "already in use") {
		t.Fatalf("rename conflict reply = %q", got)
	}
	if got := send("/rename alice carol"); !strings.Contains(got, "carol") {
		t.Fatalf("rename reply = %q", got)
	}
	if got := send("/rooms"); !strings.Contains(got, "Rooms (2)") || !strings.Contains(got, "carol") {
		t.Fatalf("rooms reply = %q", got)
	}
}

func TestMenuAndAlertsCommands(t *testing.T) {
	t.Parallel()

	menus := &fakeMenus{}
	hist := &fakeHistory{}
	send := runCommands(t, commandDeps{rooms: newFakeRooms(), catalog: menus, alerts: hist})

	if got := send("/menu alice"); !strings.Contains(got, "Rose - 100") {
		t.Fatalf("menu reply = %q", got)
	}
	send("/catalog alice refresh")
	if menus.refreshed != 1 {
		t.Fatalf("refresh count = %d", menus.refreshed)
	}
	if got := send("/alerts alice 1"); !strings.Contains(got, "Recent alerts (1)") || hist.gotRoom != "alice" {
		t.Fatalf("alerts reply = %q room=%q", got, hist.gotRoom)
	}
	if got := send("/alerts 0"); !strings.Contains(got, "usage") {
		t.Fatalf("alerts zero reply = %q", got)
	}
}

func TestJobs(t *testing.T) {
	t.Parallel()

	menus := &fakeMenus{}
	rooms := newFakeRooms("a", "b")
	_ = rooms.Start(context.Background(), "a")
	_ = rooms.Start(context.Background(), "b")
	job := catalogRefreshJob(rooms, menus, logx.Nop())
	if err := job(context.Background()); err != nil {
		t.Fatalf("catalog job: %v", err)
	}
	if menus.refreshed != 2 {
		t.Fatalf("refreshed = %d, want 2", menus.refreshed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := job(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled job err = %v", err)
	}
}
