package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"transferbot/internal/schedule"
	logx "transferbot/pkg/logx"
)

// Environment overrides, applied after the file is decoded.
const (
	EnvTelegramToken  = "TRANSFERBOT_TELEGRAM_TOKEN"
	EnvTelegramChatID = "TRANSFERBOT_TELEGRAM_CHAT_ID"
	EnvStorageDSN     = "TRANSFERBOT_STORAGE_DSN"
	EnvFeedToken      = "TRANSFERBOT_FEED_TOKEN"
)

// ApplyEnv overlays environment variables using lookup (os.LookupEnv when
// nil). TRANSFERBOT_FEED_TOKEN only fills feeds without their own token.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvTelegramToken); ok && strings.TrimSpace(v) != "" {
		cfg.Telegram.Token = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvTelegramChatID); ok && strings.TrimSpace(v) != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid chat id %q", EnvTelegramChatID, v)
		}
		cfg.Telegram.ChatID = id
	}
	if v, ok := lookup(EnvStorageDSN); ok && strings.TrimSpace(v) != "" {
		cfg.Storage.DSN = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvFeedToken); ok && strings.TrimSpace(v) != "" {
		for i := range cfg.Feeds {
			if strings.TrimSpace(cfg.Feeds[i].Token) == "" {
				cfg.Feeds[i].Token = strings.TrimSpace(v)
			}
		}
	}
	return nil
}

// Normalize trims strings and fills defaults in place.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Telegram.Token = strings.TrimSpace(cfg.Telegram.Token)
	cfg.Telegram.APIURL = strings.TrimSpace(cfg.Telegram.APIURL)

	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if cfg.Logging.Telegram.MinLevel == "" {
		cfg.Logging.Telegram.MinLevel = "warn"
	}
	if cfg.Logging.Telegram.RatePerSec <= 0 {
		cfg.Logging.Telegram.RatePerSec = 1
	}

	for i := range cfg.Feeds {
		f := &cfg.Feeds[i]
		f.Key = strings.TrimSpace(f.Key)
		f.Label = strings.TrimSpace(f.Label)
		if f.Label == "" {
			f.Label = f.Key
		}
		f.URL = strings.TrimSpace(f.URL)
		f.BaseURL = strings.TrimSpace(f.BaseURL)
		f.Community = strings.TrimSpace(f.Community)
	}

	if strings.TrimSpace(cfg.Poller.Schedule) == "" {
		cfg.Poller.Schedule = "20s"
	}
	cfg.Notifier.SiteURL = strings.TrimSpace(cfg.Notifier.SiteURL)
	cfg.Notifier.MediaAPIURL = strings.TrimSpace(cfg.Notifier.MediaAPIURL)
	if strings.TrimSpace(cfg.Notifier.Timezone) == "" {
		cfg.Notifier.Timezone = "Europe/Amsterdam"
	}

	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "file"
	}
	if cfg.Storage.Driver == "sqlite3" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Driver == "file" && strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = "last_id.json"
	}
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	cfg.Storage.DSN = strings.TrimSpace(cfg.Storage.DSN)
}

// Validate reports every problem it finds, joined. It expects a normalized
// config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if cfg.Telegram.Token == "" {
		add("telegram.token is required (or set %s)", EnvTelegramToken)
	}
	if cfg.Telegram.ChatID == 0 {
		add("telegram.chat_id is required (or set %s)", EnvTelegramChatID)
	}
	if _, err := ParseDurationField("telegram.http_timeout", cfg.Telegram.HTTPTimeout); err != nil {
		errs = append(errs, err)
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.Telegram.Enabled && !logx.ValidLevel(cfg.Logging.Telegram.MinLevel) {
		add("logging.telegram.min_level: unknown level %q", cfg.Logging.Telegram.MinLevel)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path is required when logging.file.enabled")
	}

	if len(cfg.Feeds) == 0 {
		add("feeds: at least one feed is required")
	}
	seen := map[string]bool{}
	for i, f := range cfg.Feeds {
		p := fmt.Sprintf("feeds[%d]", i)
		switch {
		case f.Key == "":
			add("%s.key is required", p)
		case seen[f.Key]:
			add("%s.key %q is duplicated", p, f.Key)
		}
		seen[f.Key] = true
		if f.URL == "" && f.Community == "" {
			add("%s: url or community is required", p)
		}
		if f.Limit < 0 {
			add("%s.limit must be >= 0", p)
		}
		if _, err := ParseDurationField(p+".timeout", f.Timeout); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := schedule.Parse(cfg.Poller.Schedule); err != nil {
		add("poller.schedule: %w", err)
	}
	for _, d := range [][2]string{
		{"poller.retry_base", cfg.Poller.RetryBase},
		{"poller.retry_max_delay", cfg.Poller.RetryMaxDelay},
		{"poller.publish_timeout", cfg.Poller.PublishTimeout},
		{"poller.save_timeout", cfg.Poller.SaveTimeout},
		{"notifier.send_timeout", cfg.Notifier.SendTimeout},
		{"notifier.image_timeout", cfg.Notifier.ImageTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.write_timeout", cfg.Ops.WriteTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
	} {
		if _, err := ParseDurationField(d[0], d[1]); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Notifier.RatePerSec < 0 {
		add("notifier.rate_per_sec must be >= 0")
	}
	if cfg.Notifier.Burst < 0 {
		add("notifier.burst must be >= 0")
	}
	for _, u := range [][2]string{
		{"notifier.site_url", cfg.Notifier.SiteURL},
		{"notifier.media_api_url", cfg.Notifier.MediaAPIURL},
	} {
		if u[1] == "" {
			continue
		}
		if parsed, err := url.Parse(u[1]); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			add("%s: want an http(s) URL, got %q", u[0], u[1])
		}
	}

	switch cfg.Storage.Driver {
	case "file", "sqlite", "bolt":
		if cfg.Storage.Path == "" {
			add("storage.path is required when storage.driver=%s", cfg.Storage.Driver)
		}
	case "postgres":
		if cfg.Storage.DSN == "" {
			add("storage.dsn is required when storage.driver=postgres (or set %s)", EnvStorageDSN)
		}
	case "memory":
	default:
		add("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}

	return errors.Join(errs...)
}
