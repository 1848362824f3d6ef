package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tipwatch/internal/eventbus"
	"tipwatch/internal/room"
	"tipwatch/internal/scheduler"
	"tipwatch/internal/storage"
	logx "tipwatch/pkg/logx"
)

const (
	jobCatalogRefresh = "catalog.refresh"
	jobAlertPrune     = "alerts.prune"

	catalogJobTimeout = 30 * time.Minute
	pruneJobTimeout   = time.Minute
	catalogFetchMax   = 2 * time.Minute
)

type runningRooms interface {
	Running() []string
}

type menuRefresher interface {
	Refresh(ctx context.Context, roomID string) ([]room.CatalogItem, error)
}

// catalogRefreshJob re-scrapes the menu of every running room, one at a time.
func catalogRefreshJob(rooms runningRooms, cat menuRefresher, log logx.Logger) scheduler.Job {
	return func(ctx context.Context) error {
		var errs []error
		for _, id := range rooms.Running() {
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				break
			}
			items, err := cat.Refresh(ctx, id)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				continue
			}
			log.Debug("menu refreshed", logx.Room(id), logx.Int("items", len(items)))
		}
		return errors.Join(errs...)
	}
}

// pruneJob drops stored alerts older than retention.
func pruneJob(st storage.Store, retention time.Duration, now func() time.Time, log logx.Logger) scheduler.Job {
	return func(ctx context.Context) error {
		n, err := st.PruneAlerts(ctx, now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("alert history pruned", logx.Int("removed", n), logx.Duration("retention", retention))
		}
		return nil
	}
}

// registerJobs installs or replaces the schedules. An empty catalog refresh
// schedule removes that job.
func (a *App) registerJobs(s schedules) error {
	var errs []error
	if s.catalogRefresh == "" || a.catalog == nil {
		a.sched.Remove(jobCatalogRefresh)
	} else if err := a.sched.AddSchedule(jobCatalogRefresh, s.catalogRefresh, catalogJobTimeout,
		catalogRefreshJob(a.rooms, a.catalog, a.log)); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", jobCatalogRefresh, err))
	}

	if a.store == nil {
		a.sched.Remove(jobAlertPrune)
	} else if err := a.sched.AddSchedule(jobAlertPrune, s.prune, pruneJobTimeout,
		pruneJob(a.store, s.retention, time.Now, a.log)); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", jobAlertPrune, err))
	}
	return errors.Join(errs...)
}

type cachedMenus interface {
	menuSource
	Cached(roomID string) ([]room.CatalogItem, bool)
}

// followStarts scrapes the menu of a room the first time it starts without
// one. It runs until ctx ends.
func followStarts(ctx context.Context, bus eventbus.Bus, rooms roomControl, cat cachedMenus, log logx.Logger) {
	events, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != eventbus.RoomStarted {
				continue
			}
			if _, ok := cat.Cached(ev.Room); ok {
				continue
			}
			if snap, ok := rooms.Snapshot(ev.Room); ok && len(snap.Catalog) > 0 {
				continue
			}
			fctx, cancel := context.WithTimeout(ctx, catalogFetchMax)
			items, err := cat.Get(fctx, ev.Room)
			cancel()
			if err != nil {
				log.Warn("menu scrape failed", logx.Room(ev.Room), logx.Err(err))
				continue
			}
			log.Info("menu scraped", logx.Room(ev.Room), logx.Int("items", len(items)))
		}
	}
}
