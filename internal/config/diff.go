package config

import (
	"reflect"
	"sort"
	"strings"

	logx "transferbot/pkg/logx"
)

// SummarizeChange returns the changed section names and safe structured
// attrs for logging. Tokens and DSNs are only reported as "_set" booleans.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 20)

	o, n := oldCfg.Telegram, newCfg.Telegram
	if o.ChatID != n.ChatID || o.ThreadID != n.ThreadID || o.APIURL != n.APIURL ||
		o.HTTPTimeout != n.HTTPTimeout || o.Token != n.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int64("telegram.chat_id", n.ChatID),
			logx.Int("telegram.thread_id", n.ThreadID),
			logx.Bool("telegram.token_changed", o.Token != n.Token),
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

	if feedsChanged := diffFeeds(oldCfg.Feeds, newCfg.Feeds); len(feedsChanged) > 0 {
		changed = append(changed, "feeds")
		attrs = append(attrs,
			logx.Int("feeds.count", len(newCfg.Feeds)),
			logx.String("feeds.changed", strings.Join(feedsChanged, ",")),
		)
	}

	if oldCfg.Poller != newCfg.Poller {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.String("poller.schedule", newCfg.Poller.Schedule),
			logx.Int("poller.retry_max", newCfg.Poller.RetryMax),
			logx.Bool("poller.skip_backlog", newCfg.Poller.SkipBacklog),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.String("notifier.timezone", newCfg.Notifier.Timezone),
			logx.Any("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.Int("notifier.burst", newCfg.Notifier.Burst),
			logx.Bool("notifier.images", !newCfg.Notifier.DisableImages),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", newCfg.Storage.Path != ""),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// diffFeeds lists feed keys that were added, removed or modified.
func diffFeeds(oldF, newF []FeedConfig) []string {
	oldM := make(map[string]FeedConfig, len(oldF))
	for _, f := range oldF {
		oldM[f.Key] = f
	}
	newM := make(map[string]FeedConfig, len(newF))
	for _, f := range newF {
		newM[f.Key] = f
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for k := range set {
		o, okO := oldM[k]
		n, okN := newM[k]
		if okO != okN || o != n {
			out = append(out, k)
		}
	}
	// Reordering changes processing order.
	if len(out) == 0 && len(oldF) == len(newF) {
		for i := range oldF {
			if oldF[i].Key != newF[i].Key {
				out = append(out, "(order)")
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
