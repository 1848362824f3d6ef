package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"tipwatch/internal/alert"
	"tipwatch/internal/eventbus"
	"tipwatch/internal/monitor"
	"tipwatch/internal/room"
	logx "tipwatch/pkg/logx"
)

type fakeRooms struct {
	mu       sync.Mutex
	rooms    map[string]bool // id -> running
	refreshed []string
}

func newFakeRooms(ids ...string) *fakeRooms {
	f := &fakeRooms{rooms: map[string]bool{}}
	for _, id := range ids {
		f.rooms[id] = false
	}
	return f
}

func (f *fakeRooms) Snapshots() []room.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []room.Snapshot
	for id, running := range f.rooms {
		out = append(out, room.Snapshot{ID: id, Running: running})
	}
	return out
}

func (f *fakeRooms) Snapshot(id string) (room.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.rooms[id]
	return room.Snapshot{ID: id, Running: running}, ok
}

func (f *fakeRooms) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[id] = true
	return nil
}

func (f *fakeRooms) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[id]; !ok {
		return monitor.ErrUnknownRoom
	}
	f.rooms[id] = false
	return nil
}

func (f *fakeRooms) RefreshCredential(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.rooms[id]
	switch {
	case !ok:
		return monitor.ErrUnknownRoom
	case !running:
		return monitor.ErrNotRunning
	}
	f.refreshed = append(f.refreshed, id)
	return nil
}

type fakeCatalog struct{ refreshed bool }

func (c *fakeCatalog) Get(ctx context.Context, roomID string) ([]room.CatalogItem, error) {
	return []room.CatalogItem{{Activity: "dance", Price: "50"}}, nil
}

func (c *fakeCatalog) Refresh(ctx context.Context, roomID string) ([]room.CatalogItem, error) {
	c.refreshed = true
	return nil, errors.New("browser unavailable")
}

type fakeAlerts struct{ gotRoom string }

func (a *fakeAlerts) RecentAlerts(ctx context.Context, roomID string, limit int) ([]alert.Alert, error) {
	a.gotRoom = roomID
	return []alert.Alert{{Room: "alice", Kind: alert.KindHighTip}}, nil
}

func do(t *testing.T, h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	t.Parallel()

	h, _ := NewHandler(Deps{Rooms: newFakeRooms("alice"), Gatherer: prometheus.NewRegistry()}, "s3cret", false)
	tests := []struct {
		name   string
		target string
		token  string
		want   int
	}{
		{"health is public", "/healthz", "", http.StatusOK},
		{"missing token", "/api/rooms", "", http.StatusUnauthorized},
		{"wrong token", "/api/rooms", "nope", http.StatusUnauthorized},
		{"bearer", "/api/rooms", "s3cret", http.StatusOK},
		{"query token", "/api/rooms?token=s3cret", "", http.StatusOK},
		{"metrics guarded", "/metrics", "", http.StatusUnauthorized},
		{"metrics", "/metrics", "s3cret", http.StatusOK},
		{"pprof off", "/debug/pprof/", "s3cret", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := do(t, h, http.MethodGet, tt.target, tt.token).Code; got != tt.want {
				t.Fatalf("GET %s = %d, want %d", tt.target, got, tt.want)
			}
		})
	}
}

func TestRoomControls(t *testing.T) {
	t.Parallel()

	rooms := newFakeRooms("alice")
	h, _ := NewHandler(Deps{Rooms: rooms}, "", false)

	if got := do(t, h, http.MethodPost, "/api/rooms/alice/refresh", "").Code; got != http.StatusConflict {
		t.Fatalf("refresh stopped room = %d", got)
	}
	rec := do(t, h, http.MethodPost, "/api/rooms/alice/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start = %d %s", rec.Code, rec.Body)
	}
	var snap room.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil || !snap.Running {
		t.Fatalf("start body = %s (%v)", rec.Body, err)
	}
	if got := do(t, h, http.MethodPost, "/api/rooms/alice/refresh", "").Code; got != http.StatusAccepted {
		t.Fatalf("refresh = %d", got)
	}
	if got := do(t, h, http.MethodPost, "/api/rooms/ghost/stop", "").Code; got != http.StatusNotFound {
		t.Fatalf("stop unknown = %d", got)
	}
	if got := do(t, h, http.MethodGet, "/api/rooms/ghost", "").Code; got != http.StatusNotFound {
		t.Fatalf("get unknown = %d", got)
	}
	if got := do(t, h, http.MethodGet, "/api/rooms/alice/start", "").Code; got != http.StatusMethodNotAllowed {
		t.Fatalf("GET on start = %d", got)
	}
	if len(rooms.refreshed) != 1 {
		t.Fatalf("refresh calls = %v", rooms.refreshed)
	}
}

func TestCatalogAndAlerts(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{}
	al := &fakeAlerts{}
	h, _ := NewHandler(Deps{Rooms: newFakeRooms("alice"), Catalog: cat, Alerts: al}, "", false)

	rec := do(t, h, http.MethodGet, "/api/rooms/alice/catalog", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "dance") {
		t.Fatalf("catalog = %d %s", rec.Code, rec.Body)
	}
	if got := do(t, h, http.MethodGet, "/api/rooms/alice/catalog?refresh=1", "").Code; got != http.StatusInternalServerError || !cat.refreshed {
		t.Fatalf("forced refresh = %d refreshed=%v", got, cat.refreshed)
	}
	if got := do(t, h, http.MethodGet, "/api/rooms/alice/alerts?limit=x", "").Code; got != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", got)
	}
	if got := do(t, h, http.MethodGet, "/api/rooms/alice/alerts?limit=5", "").Code; got != http.StatusOK || al.gotRoom != "alice" {
		t.Fatalf("alerts = %d room=%q", got, al.gotRoom)
	}
	if got := do(t, h, http.MethodGet, "/api/alerts", "").Code; got != http.StatusOK || al.gotRoom != "" {
		t.Fatalf("all alerts = %d room=%q", got, al.gotRoom)
	}

	bare, _ := NewHandler(Deps{Rooms: newFakeRooms()}, "", false)
	if got := do(t, bare, http.MethodGet, "/api/rooms/alice/catalog", "").Code; got != http.StatusServiceUnavailable {
		t.Fatalf("catalog without service = %d", got)
	}
}

func TestWebsocketSnapshotThenEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	h, hub := NewHandler(Deps{Rooms: newFakeRooms("alice"), Bus: bus}, "tok", false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx, bus)

	ts := httptest.NewServer(h)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=tok"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first wsMessage
	if err := conn.ReadJSON(&first); err != nil || first.Type != "snapshot" {
		t.Fatalf("first frame = %+v (%v)", first, err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				bus.Publish(eventbus.Event{Type: eventbus.RoomStarted, Room: "alice", Time: time.Now()})
			}
		}
	}()

	var ev wsMessage
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != eventbus.RoomStarted || ev.Room != "alice" {
		t.Fatalf("event frame = %+v", ev)
	}
	if hub.Clients() != 1 {
		t.Fatalf("clients = %d", hub.Clients())
	}

	if _, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil); err == nil {
		t.Fatal("unauthenticated websocket accepted")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{Addr: "0.0.0.0:80"}, false},
		{"default loopback", Config{Enabled: true}, false},
		{"localhost", Config{Enabled: true, Addr: "localhost:9000"}, false},
		{"exposed without token", Config{Enabled: true, Addr: ":8788"}, true},
		{"exposed with token", Config{Enabled: true, Addr: "0.0.0.0:8788", Token: "x"}, false},
		{"exposed insecure", Config{Enabled: true, Addr: "0.0.0.0:8788", AllowInsecure: true}, false},
		{"bad addr", Config{Enabled: true, Addr: "nope"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServerApplyLifecycle(t *testing.T) {
	t.Parallel()

	s := New(Deps{Rooms: newFakeRooms()}, logx.Nop())
	ctx := context.Background()
	if err := s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	addr := s.Addr()
	if addr == "" || s.Supervisor() == nil {
		t.Fatal("server not running")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	if err := s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}); err != nil || s.Addr() != addr {
		t.Fatalf("unchanged config restarted the listener: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.Apply(stopCtx, Config{}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if s.Addr() != "" {
		t.Fatal("listener still bound after disable")
	}
}
