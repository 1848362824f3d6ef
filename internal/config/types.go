package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("5s", "10m"). Empty or zero
// values fall back to the runtime defaults of the owning component.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Monitor   MonitorConfig   `json:"monitor"`
	Extractor ExtractorConfig `json:"extractor"`
	Catalog   CatalogConfig   `json:"catalog"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Dashboard DashboardConfig `json:"dashboard"`

	// Rooms seeds the room registry. Rooms already present in storage keep
	// their stored running flag; rule fields from config win.
	Rooms []RoomConfig `json:"rooms"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// AlertChat receives room alerts. Chat id as a string ("-100123...").
	AlertChat     string `json:"alert_chat"`
	AlertThreadID int    `json:"alert_thread_id,omitempty"`
	GroupLog      string `json:"group_log"`
	PollTimeout   string `json:"poll_timeout"`
	// Commands enables /rooms, /watch, /unwatch, /refresh, /alerts for owners.
	Commands bool `json:"commands"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// HTTPConfig controls the shared client used for feed and status requests.
type HTTPConfig struct {
	BaseURL string `json:"base_url,omitempty"` // default "https://zh.superchat.live"
	// Proxy is an optional proxy URL: http://, https:// or socks5://.
	Proxy         string `json:"proxy,omitempty"`
	FeedTimeout   string `json:"feed_timeout,omitempty"`   // default 15s
	StatusTimeout string `json:"status_timeout,omitempty"` // default 10s
}

// MonitorConfig tunes the per-room polling loop.
type MonitorConfig struct {
	PollInterval        string  `json:"poll_interval,omitempty"`         // 5s
	OfflinePollInterval string  `json:"offline_poll_interval,omitempty"` // 10m
	CredentialRefresh   string  `json:"credential_refresh,omitempty"`    // 60s
	CredentialMaxAge    string  `json:"credential_max_age,omitempty"`    // 30m
	OnlineCheck         string  `json:"online_check,omitempty"`          // 3m
	AcquireBackoff      string  `json:"acquire_backoff,omitempty"`       // 5s
	TimeoutBackoff      string  `json:"timeout_backoff,omitempty"`       // 3s
	ErrorBackoff        string  `json:"error_backoff,omitempty"`         // 5s
	AlertWindow         string  `json:"alert_window,omitempty"`          // 5m
	DefaultThreshold    float64 `json:"default_threshold,omitempty"`     // 30
}

// ExtractorConfig controls the headless browser used to obtain sessions
// and scrape tip menus.
type ExtractorConfig struct {
	ChromePath string `json:"chrome_path,omitempty"`
	Headless   *bool  `json:"headless,omitempty"` // default true
	NavTimeout string `json:"nav_timeout,omitempty"`
	WatchTime  string `json:"watch_time,omitempty"` // how long to wait for the feed request
	Workers    int    `json:"workers,omitempty"`
	RatePerMin int    `json:"rate_per_min,omitempty"`
}

type CatalogConfig struct {
	CacheTTL string `json:"cache_ttl,omitempty"` // default 1h
	// Refresh is a schedule ("@every 6h", "0 */6 * * *", "06:00" for every six hours) for
	// re-scraping the menus of running rooms. Empty disables it.
	Refresh   string   `json:"refresh,omitempty"`
	StopWords []string `json:"stop_words,omitempty"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
	// AlertRetention prunes stored alert history older than this.
	AlertRetention string `json:"alert_retention,omitempty"` // default 168h
	PruneSchedule  string `json:"prune_schedule,omitempty"`  // default "@daily"
}

// NotifierConfig controls the async alert pipeline.
// If the section is omitted, the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls persistence.
//
//	"storage": { "driver": "sqlite", "path": "./data/tipwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DashboardConfig controls the HTTP API / websocket server.
//
// Prefer binding to localhost. A non-loopback address needs a token or allow_insecure.
type DashboardConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:8788"
	Token         string `json:"token,omitempty"` // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type RoomConfig struct {
	ID                string   `json:"id"`
	AutoStart         bool     `json:"auto_start"`
	AmountThreshold   float64  `json:"amount_threshold,omitempty"`
	CatalogSelections []string `json:"catalog_selections,omitempty"`
}
