package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"tipwatch/internal/alert"
	logx "tipwatch/pkg/logx"
)

// Store is the persistence API used by the monitor supervisor, the notifier
// and the scheduler.
type Store interface {
	ListRooms(ctx context.Context) ([]RoomRecord, error)
	GetRoom(ctx context.Context, id string) (RoomRecord, bool, error)
	PutRoom(ctx context.Context, r RoomRecord) error
	DeleteRoom(ctx context.Context, id string) error
	// RenameRoom moves the record and its alert history to newID. It fails
	// with ErrExists when newID is taken and ErrNotFound when oldID is absent.
	RenameRoom(ctx context.Context, oldID, newID string) error

	// AppendAlert stores a, assigning an id when it has none.
	AppendAlert(ctx context.Context, a alert.Alert) (string, error)
	// RecentAlerts returns up to limit alerts, newest first. An empty
	// roomID means all rooms.
	RecentAlerts(ctx context.Context, roomID string, limit int) ([]alert.Alert, error)
	PruneAlerts(ctx context.Context, before time.Time) (int, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
