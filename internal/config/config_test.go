package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalJSON = `{
  "telegram": {"token": "t", "chat_id": -100123},
  "feeds": [{"key": "Holland", "community": "holland"}],
  "storage": {"driver": "file", "path": "last_id.json"}
}`

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDecodeDefaults(t *testing.T) {
	cfg, err := Decode("config.json", []byte(minimalJSON), noEnv)
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Poller.Schedule != "20s" {
		t.Fatalf("schedule = %q", cfg.Poller.Schedule)
	}
	if cfg.Notifier.Timezone != "Europe/Amsterdam" {
		t.Fatalf("timezone = %q", cfg.Notifier.Timezone)
	}
	if cfg.Feeds[0].Label != "Holland" {
		t.Fatalf("label should default to key, got %q", cfg.Feeds[0].Label)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
}

func TestDecodeYAML(t *testing.T) {
	y := `
telegram:
  token: t
  chat_id: 42
feeds:
  - key: Holland
    label: NL
    url: https://example.test/movement
poller:
  schedule: "*/1 * * * *"
  retry_max: 3
storage:
  driver: sqlite
  path: state.db
  busy_timeout: 2s
`
	cfg, err := Decode("config.yaml", []byte(y), noEnv)
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Telegram.ChatID != 42 || cfg.Feeds[0].Label != "NL" || cfg.Poller.RetryMax != 3 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if got := Duration(cfg.Storage.BusyTimeout, time.Second); got != 2*time.Second {
		t.Fatalf("busy timeout = %v", got)
	}
}

func TestDecodeYAMLStrictness(t *testing.T) {
	cases := []struct {
		name, body, wantErr string
	}{
		{"duplicate key", "telegram:\n  token: a\n  token: b\n", `"token"`},
		{"two documents", "telegram: {}\n---\nfeeds: []\n", "one document"},
		{"empty", "", "empty document"},
		{"non-string key", "telegram:\n  1: x\n", "must be a string"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode("config.yml", []byte(tc.body), noEnv)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestDecodeYAMLMerge(t *testing.T) {
	y := `
telegram: {token: t, chat_id: 1}
feeds:
  - &feed
    key: Holland
    community: holland
    limit: 12
  - <<: *feed
    key: Holland-5v5
    limit: 30
storage: {driver: memory}
`
	cfg, err := Decode("config.yaml", []byte(y), noEnv)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Feeds) != 2 || cfg.Feeds[1].Community != "holland" || cfg.Feeds[1].Limit != 30 || cfg.Feeds[1].Key != "Holland-5v5" {
		t.Fatalf("feeds = %+v", cfg.Feeds)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	for name, body := range map[string]string{
		"top level": `{"telegram": {"token": "t"}, "plugins": {}}`,
		"nested":    `{"poller": {"interval": "20s"}}`,
		"trailing":  minimalJSON + `{}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode("config.json", []byte(body), noEnv); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestValidateReportsProblems(t *testing.T) {
	for _, tt := range []struct {
		name string
		edit func(*Config)
		want string
	}{
		{"bad duration", func(c *Config) { c.Poller.RetryBase = "soon" }, "poller.retry_base"},
		{"negative duration", func(c *Config) { c.Notifier.SendTimeout = "-1s" }, "notifier.send_timeout"},
		{"bad schedule", func(c *Config) { c.Poller.Schedule = "whenever" }, "poller.schedule"},
		{"no token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"no chat", func(c *Config) { c.Telegram.ChatID = 0 }, "telegram.chat_id"},
		{"no feeds", func(c *Config) { c.Feeds = nil }, "at least one feed"},
		{"duplicate key", func(c *Config) { c.Feeds = append(c.Feeds, c.Feeds[0]) }, "duplicated"},
		{"feed without source", func(c *Config) { c.Feeds[0].Community = "" }, "url or community"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "redis" }, "unknown driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad image timeout", func(c *Config) { c.Notifier.ImageTimeout = "later" }, "notifier.image_timeout"},
		{"bad site url", func(c *Config) { c.Notifier.SiteURL = "virtualprogaming.com" }, "notifier.site_url"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Decode("config.json", []byte(minimalJSON), noEnv)
			if err != nil {
				t.Fatal(err)
			}
			tt.edit(cfg)
			err = Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	body := `{
  "feeds": [{"key": "a", "community": "a"}, {"key": "b", "community": "b", "token": "own"}],
  "storage": {"driver": "postgres"}
}`
	cfg, err := Decode("config.json", []byte(body), envMap(map[string]string{
		EnvTelegramToken:  "from-env",
		EnvTelegramChatID: "-1001",
		EnvStorageDSN:     "postgres://u@h/db",
		EnvFeedToken:      "shared",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Telegram.Token != "from-env" || cfg.Telegram.ChatID != -1001 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Storage.DSN != "postgres://u@h/db" {
		t.Fatalf("dsn = %q", cfg.Storage.DSN)
	}
	if cfg.Feeds[0].Token != "shared" || cfg.Feeds[1].Token != "own" {
		t.Fatalf("feed tokens = %q, %q", cfg.Feeds[0].Token, cfg.Feeds[1].Token)
	}

	if _, err := Decode("config.json", []byte(body), envMap(map[string]string{EnvTelegramChatID: "abc"})); err == nil {
		t.Fatal("expected bad chat id error")
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	a, _ := Decode("config.json", []byte(minimalJSON), noEnv)
	b, _ := Decode("config.json", []byte(minimalJSON), noEnv)
	if changed, _ := SummarizeChange(a, b); len(changed) != 0 {
		t.Fatalf("identical configs changed = %v", changed)
	}

	b.Telegram.Token = "rotated"
	b.Poller.Schedule = "1m"
	b.Feeds = append(b.Feeds, FeedConfig{Key: "Belgium", Community: "be"})
	changed, _ := SummarizeChange(a, b)
	want := []string{"feeds", "poller", "telegram"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if got := diffFeeds(a.Feeds, b.Feeds); len(got) != 1 || got[0] != "Belgium" {
		t.Fatalf("diffFeeds = %v", got)
	}
}

func TestManagerLoadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(minimalJSON), 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	m.SetEnv(noEnv)
	m.debounce = 10 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	updated := strings.Replace(minimalJSON, `"chat_id": -100123`, `"chat_id": 7`, 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Telegram.ChatID != 7 || m.Get().Telegram.ChatID != 7 {
				t.Fatalf("published chat_id = %d", cfg.Telegram.ChatID)
			}
			cancel()
			<-done
			return
		case <-tick.C:
			// The watcher may not be registered before the first write.
			if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("no config published after file change")
		}
	}
}

func TestManagerRejectsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(minimalJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	m.SetEnv(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)

	bad := strings.Replace(minimalJSON, `"driver": "file"`, `"driver": "redis"`, 1)
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatal("invalid config must not be published")
	default:
	}
	if m.Get().Storage.Driver != "file" {
		t.Fatalf("committed driver = %q", m.Get().Storage.Driver)
	}
}
