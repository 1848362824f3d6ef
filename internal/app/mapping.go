package app

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tipwatch/internal/config"
	"tipwatch/internal/dashboard"
	"tipwatch/internal/feed"
	"tipwatch/internal/monitor"
	"tipwatch/internal/notifier"
	"tipwatch/internal/room"
	"tipwatch/internal/scheduler"
	"tipwatch/internal/session"
	"tipwatch/internal/session/browser"
	"tipwatch/internal/storage"
	kit "tipwatch/internal/transport"
	logx "tipwatch/pkg/logx"
)

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.Interval(path, raw, 0)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.Interval(path, raw, def)
}

// parseChatID reads a chat id written as a string. Empty means unset.
func parseChatID(path, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid chat id %q", path, raw)
	}
	return id, nil
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			path = "./data/tipwatch.json"
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := config.DefaultNotifier()
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	retryBase, err := parseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax, err := parseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := parseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, 5*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	chatID, err := parseChatID("telegram.alert_chat", cfg.Telegram.AlertChat)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		DedupWindow:     dedup,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
		Target:          kit.ChatTarget{ChatID: chatID, ThreadID: cfg.Telegram.AlertThreadID},
	}, nil
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	mc := cfg.Monitor
	d := monitor.DefaultConfig()
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"monitor.poll_interval", mc.PollInterval, &d.Cadence.Poll},
		{"monitor.offline_poll_interval", mc.OfflinePollInterval, &d.Cadence.OfflinePoll},
		{"monitor.online_check", mc.OnlineCheck, &d.Cadence.OnlineCheck},
		{"monitor.alert_window", mc.AlertWindow, &d.Window},
		{"monitor.credential_refresh", mc.CredentialRefresh, &d.CredentialRefresh},
		{"monitor.credential_max_age", mc.CredentialMaxAge, &d.CredentialMaxAge},
		{"monitor.acquire_backoff", mc.AcquireBackoff, &d.AcquireBackoff},
		{"monitor.timeout_backoff", mc.TimeoutBackoff, &d.TimeoutBackoff},
		{"monitor.error_backoff", mc.ErrorBackoff, &d.ErrorBackoff},
	}
	for _, f := range fields {
		v, err := parseDurationOrDefault(f.path, f.raw, *f.dst)
		if err != nil {
			return monitor.Config{}, err
		}
		*f.dst = v
	}
	if mc.DefaultThreshold < 0 {
		return monitor.Config{}, fmt.Errorf("monitor.default_threshold must be >= 0")
	}
	if mc.DefaultThreshold > 0 {
		d.DefaultThreshold = mc.DefaultThreshold
	}
	return d, nil
}

func mapFeedOptions(cfg *config.Config, log logx.Logger) (feed.Options, error) {
	if p := strings.TrimSpace(cfg.HTTP.Proxy); p != "" {
		u, err := url.Parse(p)
		if err != nil || u.Host == "" {
			return feed.Options{}, fmt.Errorf("http.proxy: invalid url %q", p)
		}
		switch u.Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return feed.Options{}, fmt.Errorf("http.proxy: unsupported scheme %q", u.Scheme)
		}
	}
	feedTimeout, err := parseDurationOrDefault("http.feed_timeout", cfg.HTTP.FeedTimeout, 15*time.Second)
	if err != nil {
		return feed.Options{}, err
	}
	statusTimeout, err := parseDurationOrDefault("http.status_timeout", cfg.HTTP.StatusTimeout, 10*time.Second)
	if err != nil {
		return feed.Options{}, err
	}
	return feed.Options{
		BaseURL:       cfg.HTTP.BaseURL,
		Proxy:         cfg.HTTP.Proxy,
		FeedTimeout:   feedTimeout,
		StatusTimeout: statusTimeout,
		Logger:        log,
	}, nil
}

func mapBrowserOptions(cfg *config.Config, log logx.Logger) (browser.Options, session.PoolOptions, error) {
	ec := cfg.Extractor
	nav, err := parseDurationField("extractor.nav_timeout", ec.NavTimeout)
	if err != nil {
		return browser.Options{}, session.PoolOptions{}, err
	}
	watch, err := parseDurationField("extractor.watch_time", ec.WatchTime)
	if err != nil {
		return browser.Options{}, session.PoolOptions{}, err
	}
	if ec.Workers < 0 {
		return browser.Options{}, session.PoolOptions{}, fmt.Errorf("extractor.workers must be >= 0")
	}
	headless := true
	if ec.Headless != nil {
		headless = *ec.Headless
	}
	return browser.Options{
			BaseURL:    cfg.HTTP.BaseURL,
			ChromePath: ec.ChromePath,
			Headless:   headless,
			NavTimeout: nav,
			WatchTime:  watch,
			Logger:     log,
		}, session.PoolOptions{
			Workers:    ec.Workers,
			RatePerMin: ec.RatePerMin,
			Logger:     log,
		}, nil
}

func mapDashboardConfig(cfg *config.Config) (dashboard.Config, error) {
	dc := cfg.Dashboard
	read, err := parseDurationField("dashboard.read_timeout", dc.ReadTimeout)
	if err != nil {
		return dashboard.Config{}, err
	}
	write, err := parseDurationField("dashboard.write_timeout", dc.WriteTimeout)
	if err != nil {
		return dashboard.Config{}, err
	}
	idle, err := parseDurationField("dashboard.idle_timeout", dc.IdleTimeout)
	if err != nil {
		return dashboard.Config{}, err
	}
	out := dashboard.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
		Pprof:         dc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}
	if out.Enabled {
		if err := out.Validate(); err != nil {
			return dashboard.Config{}, err
		}
	}
	return out, nil
}

type schedules struct {
	catalogRefresh string
	prune          string
	retention      time.Duration
}

func mapSchedules(cfg *config.Config) (schedules, error) {
	out := schedules{
		catalogRefresh: strings.TrimSpace(cfg.Catalog.Refresh),
		prune:          strings.TrimSpace(cfg.Scheduler.PruneSchedule),
	}
	if out.prune == "" {
		out.prune = "@daily"
	}
	for path, raw := range map[string]string{"catalog.refresh": out.catalogRefresh, "scheduler.prune_schedule": out.prune} {
		if raw == "" {
			continue
		}
		if _, err := scheduler.ParseSchedule(raw); err != nil {
			return schedules{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	ret, err := parseDurationOrDefault("scheduler.alert_retention", cfg.Scheduler.AlertRetention, 7*24*time.Hour)
	if err != nil {
		return schedules{}, err
	}
	out.retention = ret
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return schedules{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return out, nil
}

// roomRecord turns a seeded config room into a registry record.
func roomRecord(rc config.RoomConfig) storage.RoomRecord {
	return storage.RoomRecord{
		ID:                strings.TrimSpace(rc.ID),
		AutoStart:         rc.AutoStart,
		AmountThreshold:   rc.AmountThreshold,
		CatalogSelections: rc.CatalogSelections,
	}
}

// validate rejects a config that would fail to map. It runs on load and on
// every hot reload before the new config is committed.
func validate(cfg *config.Config) error {
	if _, err := parseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := parseChatID("telegram.group_log", cfg.Telegram.GroupLog); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMonitorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFeedOptions(cfg, logx.Nop()); err != nil {
		return err
	}
	if _, _, err := mapBrowserOptions(cfg, logx.Nop()); err != nil {
		return err
	}
	if _, err := mapDashboardConfig(cfg); err != nil {
		return err
	}
	if _, err := parseDurationField("catalog.cache_ttl", cfg.Catalog.CacheTTL); err != nil {
		return err
	}
	if _, err := mapSchedules(cfg); err != nil {
		return err
	}
	seen := map[string]bool{}
	for i, rc := range cfg.Rooms {
		id := strings.TrimSpace(rc.ID)
		if id == "" {
			return fmt.Errorf("rooms[%d].id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("rooms[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
		if rc.AmountThreshold < 0 {
			return fmt.Errorf("rooms[%d].amount_threshold must be >= 0", i)
		}
	}
	return nil
}

// statusLine renders one room for the /rooms table.
func statusLine(s room.Snapshot, now time.Time) string {
	state := "⏸"
	if s.Running {
		switch s.Live {
		case room.Live:
			state = "🟢"
		case room.Offline:
			state = "🔴"
		default:
			state = "⚪"
		}
	}
	line := fmt.Sprintf("%s %s [%s]", state, s.ID, s.Mode)
	if s.HighTip != nil {
		line += fmt.Sprintf(" top %s %s", formatAmount(s.HighTip.Amount), room.MinutesAgo(s.HighTip.Timestamp, now))
	}
	if s.LastError != "" {
		line += " ⚠"
	}
	return line
}

func formatAmount(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
