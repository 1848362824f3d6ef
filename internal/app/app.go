package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tipwatch/internal/alert"
	"tipwatch/internal/catalog"
	"tipwatch/internal/config"
	"tipwatch/internal/dashboard"
	"tipwatch/internal/eventbus"
	"tipwatch/internal/feed"
	"tipwatch/internal/monitor"
	"tipwatch/internal/notifier"
	"tipwatch/internal/room"
	rtsup "tipwatch/internal/runtime/supervisor"
	"tipwatch/internal/scheduler"
	"tipwatch/internal/session"
	"tipwatch/internal/session/browser"
	"tipwatch/internal/storage"
	kit "tipwatch/internal/transport"
	telegram "tipwatch/internal/transport/telegram/adapter"
	"tipwatch/internal/transport/telegram/router"
	logx "tipwatch/pkg/logx"
)

// StopReason is recorded in the shutdown log.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *prometheus.Registry

	adapter *telegram.Adapter // nil without a bot token
	sender  kit.Sender

	feed    *feed.Client
	pool    *session.Pool
	catalog *catalog.Service
	notif   *notifier.Service
	sched   *scheduler.Service
	mcfg    monitor.Config

	// built in Start; they are bound to the run context
	rooms *monitor.Supervisor
	dash  *dashboard.Server
	cmdm  *router.CommandManager

	commands chan kit.Command
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	var (
		ad     *telegram.Adapter
		sender kit.Sender
	)
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
		if err != nil {
			return nil, err
		}
		sender = ad
	}

	// Telegram logging starts disabled so Apply does not warn before the
	// target chat is set.
	logCfg := mapLogging(cfg)
	tgEnabled := logCfg.Telegram.Enabled
	logCfg.Telegram.Enabled = false
	logSvc, log := logx.New(logCfg, sender)
	if chatID, _ := parseChatID("telegram.group_log", cfg.Telegram.GroupLog); chatID != 0 {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logCfg.Telegram.Enabled = tgEnabled
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))
	if ad == nil {
		log.Warn("telegram token not set; alerts stay in history and on the dashboard")
	}

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	fopts, err := mapFeedOptions(cfg, log.With(logx.String("comp", "feed")))
	if err != nil {
		return nil, err
	}
	fc, err := feed.NewClient(fopts)
	if err != nil {
		return nil, err
	}

	bopts, popts, err := mapBrowserOptions(cfg, log.With(logx.String("comp", "extractor")))
	if err != nil {
		return nil, err
	}
	pool := session.NewPool(browser.New(bopts), popts)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	monitor.WatchPool(reg, pool)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, sender, log.With(logx.String("comp", "notifier")), bus, store)

	mcfg, err := mapMonitorConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		reg:      reg,
		adapter:  ad,
		sender:   sender,
		feed:     fc,
		pool:     pool,
		notif:    notif,
		mcfg:     mcfg,
		sched:    scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, log, bus),
		commands: make(chan kit.Command, 256),
	}

	ttl, _ := parseDurationField("catalog.cache_ttl", cfg.Catalog.CacheTTL)
	a.catalog = catalog.NewService(catalog.NewChromeScraper(bopts), catalog.Options{
		TTL:       ttl,
		StopWords: cfg.Catalog.StopWords,
		Logger:    log,
		OnUpdate:  a.storeMenu,
	})
	return a, nil
}

// storeMenu hands a fresh scrape to the room registry.
func (a *App) storeMenu(roomID string, items []room.CatalogItem) {
	rooms := a.rooms
	if rooms == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rooms.SetCatalog(ctx, roomID, items); err != nil {
		a.log.Warn("menu store failed", logx.Room(roomID), logx.Err(err))
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Rooms exposes the monitor supervisor once Start has run.
func (a *App) Rooms() *monitor.Supervisor { return a.rooms }

func (a *App) alertHistory() alertHistory {
	if a.store != nil {
		return a.store
	}
	return notifierHistory{a.notif}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	a.rooms = monitor.NewSupervisor(runCtx, a.mcfg, monitor.Deps{
		Extractor: a.pool,
		Feed:      a.feed,
		Sink:      a.notif,
		Store:     a.store,
		Bus:       a.bus,
		Metrics:   monitor.NewMetrics(a.reg),
		Logger:    a.log,
		OnRename:  []func(oldID, newID string){a.catalog.Rename, a.notif.RenameRoom},
	})

	a.notif.Start(runCtx)
	if a.notif.Enabled() {
		a.log.Info("notifier started")
	}

	cmds := roomCommands(commandDeps{rooms: a.rooms, catalog: a.catalog, alerts: a.alertHistory()})
	if a.adapter != nil {
		a.cmdm = router.NewCommandManager(a.log.With(logx.String("comp", "commands")), a.adapter, cfg.Telegram.OwnerUserIDs)
		if cfg.Telegram.Commands {
			a.cmdm.SetCommands(cmds)
		} else {
			a.cmdm.SetCommands(nil)
		}
		if err := a.adapter.Start(runCtx, a.commands); err != nil {
			return err
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmdm.DispatchLoop(c, a.commands)
		})
		a.sup.Go0("commands.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 15*time.Second)
			defer cancel()
			if err := a.adapter.SetCommands(mctx, a.cmdm.Menu()); err != nil {
				a.log.Warn("command menu update failed", logx.Err(err))
			}
		})
	}

	a.dash = dashboard.New(dashboard.Deps{
		Rooms:    a.rooms,
		Catalog:  a.catalog,
		Alerts:   a.alertHistory(),
		Bus:      a.bus,
		Gatherer: a.reg,
		Status:   a.status,
		Logger:   a.log,
	}, a.log.With(logx.String("comp", "dashboard")))
	if dc, err := mapDashboardConfig(cfg); err != nil {
		return err
	} else if err := a.dash.Apply(runCtx, dc); err != nil {
		return err
	}

	// Seed config rooms, then resume stored ones.
	for _, rc := range cfg.Rooms {
		if err := a.rooms.Ensure(runCtx, roomRecord(rc)); err != nil {
			a.log.Warn("room seed failed", logx.Room(rc.ID), logx.Err(err))
		}
	}
	if err := a.rooms.Resume(runCtx); err != nil {
		a.log.Warn("room resume incomplete", logx.Err(err))
	}
	if a.store == nil {
		for _, rc := range cfg.Rooms {
			if rc.AutoStart {
				if err := a.rooms.Start(runCtx, strings.TrimSpace(rc.ID)); err != nil {
					a.log.Warn("room start failed", logx.Room(rc.ID), logx.Err(err))
				}
			}
		}
	}

	sch, err := mapSchedules(cfg)
	if err != nil {
		return err
	}
	if err := a.registerJobs(sch); err != nil {
		return err
	}
	a.sched.Start(runCtx)

	a.sup.Go0("catalog.follow", func(c context.Context) {
		followStarts(c, a.bus, a.rooms, a.catalog, a.log.With(logx.String("comp", "catalog")))
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Room(e.Room), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// keep only the newest of a burst
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("rooms", len(a.rooms.Snapshots())), logx.Int("running", len(a.rooms.Running())))
	return nil
}

// applyConfig pushes a validated config to every live component.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, rooms := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "http", "extractor":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	chatID, _ := parseChatID("telegram.group_log", newCfg.Telegram.GroupLog)
	a.logs.SetTelegramTarget(chatID, newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogging(newCfg))

	if a.cmdm != nil {
		a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)
		if newCfg.Telegram.Commands != oldCfg.Telegram.Commands {
			if newCfg.Telegram.Commands {
				a.cmdm.SetCommands(roomCommands(commandDeps{rooms: a.rooms, catalog: a.catalog, alerts: a.alertHistory()}))
			} else {
				a.cmdm.SetCommands(nil)
			}
			mctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			if err := a.adapter.SetCommands(mctx, a.cmdm.Menu()); err != nil {
				a.log.Warn("command menu update failed", logx.Err(err))
			}
			cancel()
		}
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prev := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if mcfg, err := mapMonitorConfig(newCfg); err != nil {
		a.log.Warn("invalid monitor config; keeping previous", logx.Err(err))
	} else {
		a.rooms.Apply(mcfg)
	}

	a.sched.Apply(scheduler.Config{Timezone: newCfg.Scheduler.Timezone})
	if sch, err := mapSchedules(newCfg); err != nil {
		a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
	} else if err := a.registerJobs(sch); err != nil {
		a.log.Warn("schedule update failed", logx.Err(err))
	}

	if dc, err := mapDashboardConfig(newCfg); err != nil {
		a.log.Warn("invalid dashboard config; keeping previous", logx.Err(err))
	} else if err := a.dash.Apply(ctx, dc); err != nil {
		a.log.Warn("dashboard reconfigure failed", logx.Err(err))
	}

	if len(rooms) > 0 {
		a.applyRooms(ctx, newCfg)
	}
	a.log.Info("config reloaded", fields...)
}

// applyRooms registers seeded rooms added by a reload and starts the new
// auto_start ones. Rooms dropped from the seed list keep running.
func (a *App) applyRooms(ctx context.Context, cfg *config.Config) {
	for _, rc := range cfg.Rooms {
		id := strings.TrimSpace(rc.ID)
		_, known := a.rooms.Snapshot(id)
		if err := a.rooms.Ensure(ctx, roomRecord(rc)); err != nil {
			a.log.Warn("room seed failed", logx.Room(id), logx.Err(err))
			continue
		}
		if !known && rc.AutoStart {
			if err := a.rooms.Start(ctx, id); err != nil {
				a.log.Warn("room start failed", logx.Room(id), logx.Err(err))
			}
		}
	}
}

// status feeds /api/status.
func (a *App) status() map[string]any {
	out := map[string]any{
		"extractor":        a.pool.Stats(),
		"scheduler":        a.sched.Snapshot(),
		"notifier_enabled": a.notif.Enabled(),
		"storage":          a.store != nil,
		"telegram":         a.adapter != nil,
	}
	if a.rooms != nil {
		out["monitors"] = a.rooms.Runtime()
		out["running"] = a.rooms.Running()
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("monitors", 5*time.Second, func(c context.Context) error {
		if a.rooms != nil {
			return a.rooms.Close(c)
		}
		return nil
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("dashboard", 2*time.Second, func(c context.Context) error {
		if a.dash != nil {
			a.dash.Stop(c)
		}
		return nil
	})
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// notifierHistory serves /alerts from the in-memory ring when no store is
// configured.
type notifierHistory struct{ n *notifier.Service }

func (h notifierHistory) RecentAlerts(_ context.Context, roomID string, limit int) ([]alert.Alert, error) {
	var out []alert.Alert
	for _, it := range h.n.Recent(0) {
		if roomID != "" && it.Alert.Room != roomID {
			continue
		}
		out = append(out, it.Alert)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
