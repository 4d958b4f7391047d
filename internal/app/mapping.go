package app

import (
	"fmt"
	"time"

	"transferbot/internal/config"
	"transferbot/internal/feed"
	"transferbot/internal/media"
	"transferbot/internal/notify"
	"transferbot/internal/ops"
	"transferbot/internal/poller"
	"transferbot/internal/schedule"
	"transferbot/internal/storage"
	kit "transferbot/internal/transport"
	telegram "transferbot/internal/transport/telegram/adapter"
	logx "transferbot/pkg/logx"
)

// The map* helpers expect a config that passed config.Validate.

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
			ChatID:     cfg.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapTelegram(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		APIURL:      cfg.Telegram.APIURL,
		HTTPTimeout: config.Duration(cfg.Telegram.HTTPTimeout, 15*time.Second),
	}
}

// StorageConfig maps the storage section. Exposed for the cursor commands.
func StorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: config.Duration(cfg.Storage.BusyTimeout, time.Second),
	}
}

func mapNotifier(cfg *config.Config) notify.Config {
	return notify.Config{
		Target:         kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID},
		Timezone:       cfg.Notifier.Timezone,
		RatePerSec:     cfg.Notifier.RatePerSec,
		Burst:          cfg.Notifier.Burst,
		SendTimeout:    config.Duration(cfg.Notifier.SendTimeout, 10*time.Second),
		ImageTimeout:   config.Duration(cfg.Notifier.ImageTimeout, 10*time.Second),
		DisablePreview: cfg.Notifier.DisablePreview,
	}
}

func mapMedia(cfg *config.Config) media.Config {
	return media.Config{
		SiteURL: cfg.Notifier.SiteURL,
		APIURL:  cfg.Notifier.MediaAPIURL,
	}
}

func mapPoller(cfg *config.Config) (poller.Config, error) {
	sched, err := schedule.Parse(cfg.Poller.Schedule)
	if err != nil {
		return poller.Config{}, fmt.Errorf("poller.schedule: %w", err)
	}
	return poller.Config{
		Schedule:       sched,
		RetryMax:       cfg.Poller.RetryMax,
		RetryBase:      config.Duration(cfg.Poller.RetryBase, poller.DefaultRetryBase),
		RetryMaxDelay:  config.Duration(cfg.Poller.RetryMaxDelay, poller.DefaultRetryMaxDelay),
		SkipBacklog:    cfg.Poller.SkipBacklog,
		PublishTimeout: config.Duration(cfg.Poller.PublishTimeout, poller.DefaultPublishTimeout),
		SaveTimeout:    config.Duration(cfg.Poller.SaveTimeout, poller.DefaultSaveTimeout),
	}, nil
}

func mapOps(cfg *config.Config) ops.Config {
	return ops.Config{
		Enabled:              cfg.Ops.Enabled,
		Addr:                 cfg.Ops.Addr,
		Token:                cfg.Ops.Token,
		AllowInsecure:        cfg.Ops.AllowInsecure,
		Pprof:                cfg.Ops.Pprof,
		PprofPrefix:          cfg.Ops.PprofPrefix,
		ReadTimeout:          config.Duration(cfg.Ops.ReadTimeout, 10*time.Second),
		WriteTimeout:         config.Duration(cfg.Ops.WriteTimeout, 0),
		IdleTimeout:          config.Duration(cfg.Ops.IdleTimeout, 60*time.Second),
		MutexProfileFraction: cfg.Ops.MutexProfileFraction,
		BlockProfileRate:     cfg.Ops.BlockProfileRate,
	}
}

func mapFeed(fc config.FeedConfig) feed.Config {
	return feed.Config{
		Key:       fc.Key,
		Label:     fc.Label,
		URL:       fc.URL,
		BaseURL:   fc.BaseURL,
		Community: fc.Community,
		Limit:     fc.Limit,
		Token:     fc.Token,
		UserAgent: fc.UserAgent,
		Timeout:   config.Duration(fc.Timeout, feed.DefaultTimeout),
	}
}

// FeedClients builds one client per configured feed, in config order.
func FeedClients(cfg *config.Config, log logx.Logger) ([]*feed.Client, error) {
	out := make([]*feed.Client, 0, len(cfg.Feeds))
	for _, fc := range cfg.Feeds {
		c, err := feed.New(mapFeed(fc), feed.WithLogger(log))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func sources(clients []*feed.Client) []poller.Source {
	out := make([]poller.Source, 0, len(clients))
	for _, c := range clients {
		out = append(out, poller.Source{Key: c.Key(), Label: c.Label(), Feed: c})
	}
	return out
}

func labels(cfg *config.Config) []string {
	out := make([]string, 0, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		out = append(out, f.Label)
	}
	return out
}
