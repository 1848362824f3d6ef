package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tipwatch/internal/alert"
	"tipwatch/internal/monitor"
	"tipwatch/internal/room"
	"tipwatch/internal/storage"
	"tipwatch/internal/transport/telegram/router"
	"tipwatch/pkg/tgui"
)

// roomControl is the part of monitor.Supervisor the chat commands drive.
type roomControl interface {
	Snapshots() []room.Snapshot
	Snapshot(id string) (room.Snapshot, bool)
	Ensure(ctx context.Context, rec storage.RoomRecord) error
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	RefreshCredential(id string) error
	Rename(ctx context.Context, oldID, newID string) error
	SetRule(ctx context.Context, id string, r room.Rule) error
}

type menuSource interface {
	Get(ctx context.Context, roomID string) ([]room.CatalogItem, error)
	Refresh(ctx context.Context, roomID string) ([]room.CatalogItem, error)
}

type alertHistory interface {
	RecentAlerts(ctx context.Context, roomID string, limit int) ([]alert.Alert, error)
}

type commandDeps struct {
	rooms   roomControl
	catalog menuSource
	alerts  alertHistory
	now     func() time.Time
}

const (
	defaultAlertLines = 10
	maxAlertLines     = 50
	maxMenuLines      = 40
)

var errUsage = errors.New("usage")

func usageErr(c string) error { return fmt.Errorf("%w: %s", errUsage, c) }

// roomCommands builds the owner-only chat commands.
func roomCommands(d commandDeps) []router.Command {
	if d.now == nil {
		d.now = time.Now
	}
	return []router.Command{
		{
			Name:        "rooms",
			Aliases:     []string{"status"},
			Description: "room status table",
			Usage:       "/rooms",
			Access:      router.AccessOwnerOnly,
			Handle:      d.listRooms,
		},
		{
			Name:        "watch",
			Description: "start monitoring a room",
			Usage:       "/watch <room> [threshold]",
			Access:      router.AccessOwnerOnly,
			Handle:      d.watch,
		},
		{
			Name:        "unwatch",
			Description: "stop monitoring a room",
			Usage:       "/unwatch <room>",
			Access:      router.AccessOwnerOnly,
			Handle:      d.unwatch,
		},
		{
			Name:        "refresh",
			Description: "re-acquire a room session now",
			Usage:       "/refresh <room>",
			Access:      router.AccessOwnerOnly,
			Handle:      d.refresh,
		},
		{
			Name:        "menu",
			Aliases:     []string{"catalog"},
			Description: "show a room tip menu",
			Usage:       "/menu <room> [refresh]",
			Access:      router.AccessOwnerOnly,
			Timeout:     2 * time.Minute,
			Handle:      d.menu,
		},
		{
			Name:        "alerts",
			Description: "recent alerts",
			Usage:       "/alerts [room] [n]",
			Access:      router.AccessOwnerOnly,
			Handle:      d.recentAlerts,
		},
		{
			Name:        "rename",
			Description: "move a room to a new id",
			Usage:       "/rename <old> <new>",
			Access:      router.AccessOwnerOnly,
			Handle:      d.rename,
		},
	}
}

func (d commandDeps) listRooms(ctx context.Context, req *router.Request) error {
	snaps := d.rooms.Snapshots()
	if len(snaps) == 0 {
		return req.Reply(ctx, tgui.I("no rooms"))
	}
	now := d.now()
	lines := make([]string, 0, len(snaps))
	for _, s := range snaps {
		lines = append(lines, statusLine(s, now))
	}
	return req.Reply(ctx, tgui.Lines(tgui.B(fmt.Sprintf("Rooms (%d)", len(snaps))), tgui.Pre(strings.Join(lines, "\n"))))
}

func (d commandDeps) watch(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 || len(req.Args) > 2 {
		return usageErr("/watch <room> [threshold]")
	}
	id := req.Args[0]
	var threshold float64
	if len(req.Args) == 2 {
		v, err := strconv.ParseFloat(req.Args[1], 64)
		if err != nil || v <= 0 {
			return fmt.Errorf("threshold must be a positive number, got %q", req.Args[1])
		}
		threshold = v
	}

	if snap, ok := d.rooms.Snapshot(id); !ok {
		if err := d.rooms.Ensure(ctx, storage.RoomRecord{ID: id, AmountThreshold: threshold}); err != nil {
			return err
		}
	} else if threshold > 0 {
		r := snap.Rule
		r.AmountThreshold = threshold
		if err := d.rooms.SetRule(ctx, id, r); err != nil {
			return err
		}
	}
	if err := d.rooms.Start(ctx, id); err != nil {
		return err
	}
	snap, _ := d.rooms.Snapshot(id)
	return req.Reply(ctx, tgui.Lines(
		"👀 watching "+tgui.Code(id),
		tgui.KV("threshold", formatAmount(snap.Rule.AmountThreshold)),
	))
}

func (d commandDeps) unwatch(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return usageErr("/unwatch <room>")
	}
	if err := d.rooms.Stop(ctx, req.Args[0]); err != nil {
		return err
	}
	return req.Reply(ctx, "⏸ stopped "+tgui.Code(req.Args[0]))
}

func (d commandDeps) refresh(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return usageErr("/refresh <room>")
	}
	if err := d.rooms.RefreshCredential(req.Args[0]); err != nil {
		return err
	}
	return req.Reply(ctx, "🔄 session refresh queued for "+tgui.Code(req.Args[0]))
}

func (d commandDeps) menu(ctx context.Context, req *router.Request) error {
	if d.catalog == nil {
		return errors.New("menu scraping is not available")
	}
	if len(req.Args) == 0 || len(req.Args) > 2 {
		return usageErr("/menu <room> [refresh]")
	}
	id := req.Args[0]
	get := d.catalog.Get
	if len(req.Args) == 2 {
		if !strings.EqualFold(req.Args[1], "refresh") {
			return usageErr("/menu <room> [refresh]")
		}
		get = d.catalog.Refresh
	}
	items, err := get(ctx, id)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return req.Reply(ctx, tgui.I("no menu items for "+id))
	}
	lines := make([]string, 0, min(len(items), maxMenuLines)+1)
	for i, it := range items {
		if i == maxMenuLines {
			lines = append(lines, fmt.Sprintf("… %d more", len(items)-maxMenuLines))
			break
		}
		lines = append(lines, it.Activity+" - "+it.Price)
	}
	return req.Reply(ctx, tgui.Lines(tgui.B("Menu "+id), tgui.Pre(strings.Join(lines, "\n"))))
}

func (d commandDeps) recentAlerts(ctx context.Context, req *router.Request) error {
	if d.alerts == nil {
		return errors.New("alert history is not available")
	}
	var id string
	n := defaultAlertLines
	for _, a := range req.Args {
		if v, err := strconv.Atoi(a); err == nil {
			if v <= 0 {
				return usageErr("/alerts [room] [n]")
			}
			n = min(v, maxAlertLines)
			continue
		}
		if id != "" {
			return usageErr("/alerts [room] [n]")
		}
		id = a
	}
	list, err := d.alerts.RecentAlerts(ctx, id, n)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return req.Reply(ctx, tgui.I("no alerts"))
	}
	parts := make([]tgui.H, 0, len(list)+1)
	parts = append(parts, tgui.B(fmt.Sprintf("Recent alerts (%d)", len(list))))
	for _, a := range list {
		parts = append(parts, tgui.Esc(a.At.In(time.Local).Format("01-02 15:04")+" "+firstLine(a.Format())))
	}
	return req.Reply(ctx, tgui.Lines(parts...))
}

func (d commandDeps) rename(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 2 {
		return usageErr("/rename <old> <new>")
	}
	err := d.rooms.Rename(ctx, req.Args[0], req.Args[1])
	switch {
	case errors.Is(err, monitor.ErrRoomExists):
		return fmt.Errorf("%s is already in use", req.Args[1])
	case err != nil:
		return err
	}
	return req.Reply(ctx, "✏️ "+tgui.Code(req.Args[0])+" → "+tgui.Code(req.Args[1]))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
