package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tipwatch/pkg/logx"
)

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) structured fields safe for logging (never tokens or proxy credentials),
// and (3) the ids of rooms whose entry was added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		strings.TrimSpace(ot.AlertChat) != strings.TrimSpace(nt.AlertChat) ||
		ot.AlertThreadID != nt.AlertThreadID ||
		ot.Commands != nt.Commands ||
		(ot.Token != "") != (nt.Token != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.alert_chat_set", strings.TrimSpace(nt.AlertChat) != ""),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Bool("telegram.commands", nt.Commands),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.base_url", strings.TrimSpace(newCfg.HTTP.BaseURL)),
			logx.Bool("http.proxy_set", strings.TrimSpace(newCfg.HTTP.Proxy) != ""),
			logx.String("http.feed_timeout", newCfg.HTTP.FeedTimeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.String("monitor.poll_interval", newCfg.Monitor.PollInterval),
			logx.String("monitor.offline_poll_interval", newCfg.Monitor.OfflinePollInterval),
			logx.Float64("monitor.default_threshold", newCfg.Monitor.DefaultThreshold),
		)
	}

	if !reflect.DeepEqual(oldCfg.Extractor, newCfg.Extractor) {
		changed = append(changed, "extractor")
		attrs = append(attrs,
			logx.Int("extractor.workers", newCfg.Extractor.Workers),
			logx.Int("extractor.rate_per_min", newCfg.Extractor.RatePerMin),
		)
	}

	if !reflect.DeepEqual(oldCfg.Catalog, newCfg.Catalog) {
		changed = append(changed, "catalog")
		attrs = append(attrs, logx.String("catalog.refresh", newCfg.Catalog.Refresh))
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}

	defN := DefaultNotifier()
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = &defN
	}
	if newN == nil {
		newN = &defN
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.String("notifier.dedup_window", newN.DedupWindow),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	od, nd := oldCfg.Dashboard, newCfg.Dashboard
	od.Token, nd.Token = tokenMarker(od.Token), tokenMarker(nd.Token)
	if od != nd {
		changed = append(changed, "dashboard")
		attrs = append(attrs,
			logx.Bool("dashboard.enabled", nd.Enabled),
			logx.String("dashboard.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("dashboard.token_set", nd.Token != ""),
		)
	}

	rooms := diffRooms(oldCfg.Rooms, newCfg.Rooms)
	if len(rooms) > 0 {
		changed = append(changed, "rooms")
		attrs = append(attrs,
			logx.Int("rooms.changed_count", len(rooms)),
			logx.Int("rooms.total", len(newCfg.Rooms)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, rooms
}

// DefaultNotifier is the notifier section used when the config omits it.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "5m",
		DedupMaxEntries: 2000,
	}
}

func tokenMarker(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}

func diffRooms(oldRooms, newRooms []RoomConfig) []string {
	index := func(rs []RoomConfig) map[string]RoomConfig {
		m := make(map[string]RoomConfig, len(rs))
		for _, r := range rs {
			m[strings.TrimSpace(r.ID)] = r
		}
		return m
	}
	om, nm := index(oldRooms), index(newRooms)

	out := make([]string, 0)
	for id, n := range nm {
		if o, ok := om[id]; !ok || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	for id := range om {
		if _, ok := nm[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
