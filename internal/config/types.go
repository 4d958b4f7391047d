package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets (telegram.token, feed tokens, storage.dsn, ops.token) are never
// logged; see SummarizeChange.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Feeds    []FeedConfig   `json:"feeds"`
	Poller   PollerConfig   `json:"poller"`
	Notifier NotifierConfig `json:"notifier"`
	Storage  StorageConfig  `json:"storage"`
	Ops      OpsConfig      `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// APIURL overrides https://api.telegram.org (local bot API servers).
	APIURL string `json:"api_url,omitempty"`
	// ChatID receives the transfer messages; ThreadID selects a forum topic.
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
	// HTTPTimeout bounds one Bot API request. Default "15s".
	HTTPTimeout string `json:"http_timeout,omitempty"`
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

// LoggingTelegram mirrors warn+ records into telegram.chat_id (optionally a
// separate thread).
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// FeedConfig is one upstream movement feed. Either URL or Community must be
// set; URL wins when both are.
type FeedConfig struct {
	Key       string `json:"key"`
	Label     string `json:"label,omitempty"`
	URL       string `json:"url,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
	Community string `json:"community,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Token     string `json:"token,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// PollerConfig controls the poll loop.
//
// Defaults (when fields are omitted/zero):
//   - schedule: "20s"
//   - retry_max: 5 (use -1 to disable in-cycle retries)
//   - retry_base: "500ms"
//   - retry_max_delay: "10s"
//   - publish_timeout: "30s"
//   - save_timeout: "10s"
type PollerConfig struct {
	// Schedule is a duration, HH:MM interval or cron expression.
	Schedule       string `json:"schedule,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	SkipBacklog    bool   `json:"skip_backlog,omitempty"`
	PublishTimeout string `json:"publish_timeout,omitempty"`
	SaveTimeout    string `json:"save_timeout,omitempty"`
}

// NotifierConfig controls message rendering and the send limiter.
type NotifierConfig struct {
	Timezone       string  `json:"timezone,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
	SendTimeout    string  `json:"send_timeout,omitempty"`
	DisablePreview bool    `json:"disable_preview,omitempty"`
	// Announce posts a startup message listing the monitored feeds.
	Announce bool `json:"announce,omitempty"`
	// Events are posted as a club logo or player avatar with a caption
	// unless DisableImages is set. SiteURL and MediaAPIURL locate the
	// pictures; ImageTimeout bounds the lookup per event (default "10s").
	DisableImages bool   `json:"disable_images,omitempty"`
	SiteURL       string `json:"site_url,omitempty"`
	MediaAPIURL   string `json:"media_api_url,omitempty"`
	ImageTimeout  string `json:"image_timeout,omitempty"`
}

// StorageConfig selects the cursor store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./last_id.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres only (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// OpsConfig controls the optional HTTP server for /metrics, /healthz and
// pprof.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
