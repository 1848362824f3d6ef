package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tipwatch/internal/alert"
	"tipwatch/internal/eventbus"
	"tipwatch/internal/monitor"
	"tipwatch/internal/room"
	logx "tipwatch/pkg/logx"
)

// Rooms is the room control surface, implemented by *monitor.Supervisor.
type Rooms interface {
	Snapshots() []room.Snapshot
	Snapshot(id string) (room.Snapshot, bool)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	RefreshCredential(id string) error
}

// Catalog serves tip menus, implemented by *catalog.Service.
type Catalog interface {
	Get(ctx context.Context, roomID string) ([]room.CatalogItem, error)
	Refresh(ctx context.Context, roomID string) ([]room.CatalogItem, error)
}

// Alerts reads stored alert history, implemented by storage.Store.
type Alerts interface {
	RecentAlerts(ctx context.Context, roomID string, limit int) ([]alert.Alert, error)
}

// Deps wires the API to the rest of the process. Only Rooms is required.
type Deps struct {
	Rooms    Rooms
	Catalog  Catalog
	Alerts   Alerts
	Bus      eventbus.Bus
	Gatherer prometheus.Gatherer
	// Status returns extra runtime state for /api/status.
	Status func() map[string]any
	Logger logx.Logger
}

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 500
	stopTimeout       = 10 * time.Second
	catalogTimeout    = 90 * time.Second
)

type api struct {
	deps  Deps
	token string
	hub   *Hub
	log   logx.Logger
}

// NewHandler builds the routed, authenticated API. An empty token disables
// auth. The returned Hub must be run for /ws clients to receive events.
func NewHandler(deps Deps, token string, withPprof bool) (http.Handler, *Hub) {
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{deps: deps, token: strings.TrimSpace(token), log: log}
	a.hub = NewHub(func() any { return deps.Rooms.Snapshots() }, log.With(logx.String("comp", "dashboard.ws")))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	g := deps.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", a.auth(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))

	mux.Handle("GET /api/rooms", a.authFunc(a.listRooms))
	mux.Handle("GET /api/rooms/{id}", a.authFunc(a.getRoom))
	mux.Handle("POST /api/rooms/{id}/start", a.authFunc(a.startRoom))
	mux.Handle("POST /api/rooms/{id}/stop", a.authFunc(a.stopRoom))
	mux.Handle("POST /api/rooms/{id}/refresh", a.authFunc(a.refreshRoom))
	mux.Handle("GET /api/rooms/{id}/catalog", a.authFunc(a.roomCatalog))
	mux.Handle("GET /api/rooms/{id}/alerts", a.authFunc(a.roomAlerts))
	mux.Handle("GET /api/alerts", a.authFunc(a.roomAlerts))
	mux.Handle("GET /api/status", a.authFunc(a.status))
	mux.Handle("GET /ws", a.authFunc(a.hub.ServeWS))

	if withPprof {
		mux.Handle("/debug/pprof/", a.authFunc(pprof.Index))
		mux.Handle("/debug/pprof/cmdline", a.authFunc(pprof.Cmdline))
		mux.Handle("/debug/pprof/profile", a.authFunc(pprof.Profile))
		mux.Handle("/debug/pprof/symbol", a.authFunc(pprof.Symbol))
		mux.Handle("/debug/pprof/trace", a.authFunc(pprof.Trace))
	}
	return mux, a.hub
}

func (a *api) authFunc(fn http.HandlerFunc) http.Handler { return a.auth(fn) }

func (a *api) auth(next http.Handler) http.Handler {
	if a.token == "" {
		return next
	}
	want := []byte(a.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			got = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) listRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rooms": a.deps.Rooms.Snapshots()})
}

func (a *api) getRoom(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.deps.Rooms.Snapshot(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown room")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *api) startRoom(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.deps.Rooms.Start(r.Context(), id); err != nil {
		a.fail(w, "start", id, err)
		return
	}
	a.log.Info("room started via dashboard", logx.Room(id))
	a.getRoom(w, r)
}

func (a *api) stopRoom(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()
	if err := a.deps.Rooms.Stop(ctx, id); err != nil {
		a.fail(w, "stop", id, err)
		return
	}
	a.log.Info("room stopped via dashboard", logx.Room(id))
	a.getRoom(w, r)
}

func (a *api) refreshRoom(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.deps.Rooms.RefreshCredential(id); err != nil {
		a.fail(w, "refresh", id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"room": id, "status": "refresh requested"})
}

func (a *api) roomCatalog(w http.ResponseWriter, r *http.Request) {
	if a.deps.Catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog disabled")
		return
	}
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), catalogTimeout)
	defer cancel()

	get := a.deps.Catalog.Get
	if v := r.URL.Query().Get("refresh"); v == "1" || v == "true" {
		get = a.deps.Catalog.Refresh
	}
	items, err := get(ctx, id)
	if err != nil {
		a.fail(w, "catalog", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": id, "items": items})
}

func (a *api) roomAlerts(w http.ResponseWriter, r *http.Request) {
	if a.deps.Alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	limit := defaultAlertLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxAlertLimit)
	}
	id := r.PathValue("id")
	items, err := a.deps.Alerts.RecentAlerts(r.Context(), id, limit)
	if err != nil {
		a.fail(w, "alerts", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": id, "alerts": items})
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"ws_clients": a.hub.Clients()}
	if a.deps.Status != nil {
		for k, v := range a.deps.Status() {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) fail(w http.ResponseWriter, op, id string, err error) {
	switch {
	case errors.Is(err, monitor.ErrUnknownRoom):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, monitor.ErrNotRunning), errors.Is(err, monitor.ErrRoomExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		a.log.Warn("dashboard request failed", logx.String("op", op), logx.Room(id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
