package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"transferbot/internal/config"
	"transferbot/internal/eventbus"
	"transferbot/internal/poller"
	"transferbot/internal/storage"
	kit "transferbot/internal/transport"
	logx "transferbot/pkg/logx"
	"transferbot/pkg/systemd"
)

type captureSender struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(c.texts)}, nil
}

func (c *captureSender) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

type sdRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *sdRecorder) notifier() *systemd.Notifier {
	return systemd.NewWith(func(state string) (bool, error) {
		r.mu.Lock()
		r.states = append(r.states, state)
		r.mu.Unlock()
		return true, nil
	}, func() (time.Duration, error) { return 0, nil })
}

func (r *sdRecorder) has(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func feedServer(t *testing.T, ids ...int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rows := make([]string, 0, len(ids))
		for _, id := range ids {
			rows = append(rows, fmt.Sprintf(`{"id":%d,"username":"player%d","from_name":"Ajax","to_name":"PSV","amount":1000000,"datetime":"2024-05-01T12:00:00Z"}`, id, id))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"data":[%s]}`, strings.Join(rows, ","))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, feedURL string, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	body := fmt.Sprintf(`{
  "telegram": {"token": "123:abc", "chat_id": -100},
  "feeds": [{"key": "Holland", "label": "NL", "url": %q}],
  "poller": {"schedule": "1h"},
  "storage": {"driver": "memory"}%s
}`, feedURL, extra)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func noEnv(string) (string, bool) { return "", false }

func waitCycle(t *testing.T, events <-chan eventbus.Event) poller.CycleReport {
	t.Helper()
	select {
	case e := <-events:
		return e.Data.(poller.CycleReport)
	case <-time.After(5 * time.Second):
		t.Fatal("no cycle finished")
	}
	return poller.CycleReport{}
}

func TestAppPublishesNewTransfersAndAdvancesCursor(t *testing.T) {
	srv := feedServer(t, 7, 5, 6)
	path := writeConfig(t, srv.URL, `, "notifier": {"announce": true}`)

	sender := &captureSender{}
	store := storage.NewMemory()
	if err := store.Save(context.Background(), "Holland", 5); err != nil {
		t.Fatal(err)
	}
	sd := &sdRecorder{}
	a, err := New(path, Options{Sender: sender, Store: store, Env: noEnv, Systemd: sd.notifier()})
	if err != nil {
		t.Fatal(err)
	}
	events, unsub := a.Bus().Subscribe(4, eventbus.TypeCycle)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	rep := waitCycle(t, events)
	if rep.Published() != 2 {
		t.Fatalf("published = %d, report %+v", rep.Published(), rep)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatal(err)
	}

	c, err := store.Load(context.Background(), "Holland")
	if err != nil || c != 7 {
		t.Fatalf("cursor = %d, %v", c, err)
	}
	var transfers []string
	for _, txt := range sender.all() {
		if strings.Contains(txt, "Transfer:") {
			transfers = append(transfers, txt)
		}
	}
	if len(transfers) != 2 || !strings.Contains(transfers[0], "player6") || !strings.Contains(transfers[1], "player7") {
		t.Fatalf("transfers = %q", transfers)
	}
	if !sd.has("READY=1") || !sd.has("STOPPING=1") || !sd.has("STATUS=stopping: app_stop") {
		t.Fatalf("systemd states = %v", sd.states)
	}
}

func (r *sdRecorder) wait(t *testing.T, prefix string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !r.has(prefix) {
		if time.Now().After(deadline) {
			r.mu.Lock()
			defer r.mu.Unlock()
			t.Fatalf("no %q in systemd states %v", prefix, r.states)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAppReportsFirstCycle(t *testing.T) {
	srv := feedServer(t, 1)
	path := writeConfig(t, srv.URL, "")
	sd := &sdRecorder{}
	a, err := New(path, Options{Sender: &captureSender{}, Store: storage.NewMemory(), Env: noEnv, Systemd: sd.notifier()})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background(), StopAppStop)
	// The schedule is 1h, so only the cycle run at startup can set this.
	sd.wait(t, "STATUS=last cycle")
}

type photoCapture struct {
	captureSender
	photos []string
}

func (c *photoCapture) SendPhoto(_ context.Context, to kit.ChatTarget, photoURL, caption string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.photos = append(c.photos, photoURL)
	c.texts = append(c.texts, caption)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(c.texts)}, nil
}

func (c *photoCapture) sentPhotos() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.photos...)
}

func TestAppPostsClubLogo(t *testing.T) {
	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":1,"username":"jan","from_name":"Ajax","to_name":"PSV","to_logo":"psv-logo"}]}`))
	}))
	defer feedSrv.Close()
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/media/psv-logo.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
	}))
	defer site.Close()

	for _, tc := range []struct {
		name   string
		extra  string
		photos int
	}{
		{"enabled", fmt.Sprintf(`, "notifier": {"site_url": %q, "media_api_url": %q}`, site.URL, site.URL), 1},
		{"disabled", fmt.Sprintf(`, "notifier": {"site_url": %q, "disable_images": true}`, site.URL), 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, feedSrv.URL, tc.extra)
			sender := &photoCapture{}
			a, err := New(path, Options{Sender: sender, Store: storage.NewMemory(), Env: noEnv, Systemd: (&sdRecorder{}).notifier()})
			if err != nil {
				t.Fatal(err)
			}
			events, unsub := a.Bus().Subscribe(4, eventbus.TypeCycle)
			defer unsub()
			if err := a.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			rep := waitCycle(t, events)
			_ = a.Stop(context.Background(), StopAppStop)

			if rep.Published() != 1 {
				t.Fatalf("published = %d", rep.Published())
			}
			photos := sender.sentPhotos()
			if len(photos) != tc.photos {
				t.Fatalf("photos = %v", photos)
			}
			if tc.photos == 1 && photos[0] != site.URL+"/media/psv-logo.png" {
				t.Fatalf("photo = %q", photos[0])
			}
			if texts := sender.all(); len(texts) != 1 || !strings.Contains(texts[0], "jan") {
				t.Fatalf("texts = %q", texts)
			}
		})
	}
}

func TestAppDryRunDoesNotNeedStore(t *testing.T) {
	srv := feedServer(t, 1)
	path := writeConfig(t, srv.URL, "")
	// A driver that would fail to open proves the store is not touched.
	body, _ := os.ReadFile(path)
	body = []byte(strings.Replace(string(body), `"driver": "memory"`, `"driver": "postgres", "dsn": "postgres://invalid:1/x"`, 1))
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}

	a, err := New(path, Options{DryRun: true, Env: noEnv, Systemd: (&sdRecorder{}).notifier()})
	if err != nil {
		t.Fatal(err)
	}
	events, unsub := a.Bus().Subscribe(4, eventbus.TypeCycle)
	defer unsub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if rep := waitCycle(t, events); rep.Published() != 1 {
		t.Fatalf("dry run published = %d", rep.Published())
	}
	_ = a.Stop(context.Background(), StopAppStop)
}

func TestAppHotReloadsSchedule(t *testing.T) {
	srv := feedServer(t)
	path := writeConfig(t, srv.URL, "")
	a, err := New(path, Options{Sender: &captureSender{}, Store: storage.NewMemory(), Env: noEnv, Systemd: (&sdRecorder{}).notifier()})
	if err != nil {
		t.Fatal(err)
	}
	events, unsub := a.Bus().Subscribe(4, eventbus.TypeConfigReloaded)
	defer unsub()

	old := a.cfgm.Get()
	next := *old
	next.Poller.Schedule = "2h"
	next.Feeds = append([]config.FeedConfig(nil), old.Feeds...)
	next.Feeds = append(next.Feeds, config.FeedConfig{Key: "Belgium", Label: "Belgium", URL: srv.URL})
	a.apply(context.Background(), old, &next)

	select {
	case e := <-events:
		if e.Data.(string) != "feeds,poller" {
			t.Fatalf("reloaded sections = %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no reload event")
	}
	if got := a.pollerConfig().Schedule.Every; got != 2*time.Hour {
		t.Fatalf("schedule = %v", got)
	}
	_ = a.Stop(context.Background(), StopAppStop)
}

func TestHealthDetectsStall(t *testing.T) {
	srv := feedServer(t)
	path := writeConfig(t, srv.URL, "")
	a, err := New(path, Options{Sender: &captureSender{}, Store: storage.NewMemory(), Env: noEnv, Systemd: (&sdRecorder{}).notifier()})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	a.started = time.Now()
	if h := a.health(); !h.OK {
		t.Fatalf("fresh app unhealthy: %+v", h)
	}
	a.started = time.Now().Add(-24 * time.Hour)
	if h := a.health(); h.OK {
		t.Fatalf("stalled app reported healthy: %+v", h)
	}
}

func TestMappingDefaults(t *testing.T) {
	cfg, err := config.Decode("c.json", []byte(`{
  "telegram": {"token": "t", "chat_id": 1, "thread_id": 9},
  "feeds": [{"key": "a", "community": "holland", "timeout": "3s"}],
  "poller": {"retry_base": "1s"},
  "storage": {"driver": "sqlite", "path": "x.db"}
}`), noEnv)
	if err != nil {
		t.Fatal(err)
	}
	pc, err := mapPoller(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if pc.Schedule.Every != 20*time.Second || pc.RetryBase != time.Second || pc.RetryMaxDelay != poller.DefaultRetryMaxDelay {
		t.Fatalf("poller cfg = %+v", pc)
	}
	if nc := mapNotifier(cfg); nc.Target.ThreadID != 9 || nc.Timezone != "Europe/Amsterdam" {
		t.Fatalf("notifier cfg = %+v", nc)
	}
	if sc := StorageConfig(cfg); sc.Driver != "sqlite" || sc.BusyTimeout != time.Second {
		t.Fatalf("storage cfg = %+v", sc)
	}
	clients, err := FeedClients(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(clients[0].Endpoint(), "/public/communities/holland/movement/?limit=12&offset=0") {
		t.Fatalf("endpoint = %s", clients[0].Endpoint())
	}
}

func TestCycleStatus(t *testing.T) {
	rep := poller.CycleReport{
		Started: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Feeds: []poller.FeedReport{
			{Key: "Holland", Published: 2},
			{Key: "Belgium", ErrKind: poller.ErrKindTransientFetch},
		},
	}
	want := "last cycle 2024-05-01T12:00:00Z: published 2, failed feeds [Belgium]"
	if got := cycleStatus(rep); got != want {
		t.Fatalf("cycleStatus = %q, want %q", got, want)
	}
}

func TestWatchdogPingsOnCycle(t *testing.T) {
	srv := feedServer(t)
	path := writeConfig(t, srv.URL, "")
	pinged := make(chan string, 8)
	sd := systemd.NewWith(func(state string) (bool, error) {
		pinged <- state
		return true, nil
	}, func() (time.Duration, error) { return time.Hour, nil })
	a, err := New(path, Options{Sender: &captureSender{}, Store: storage.NewMemory(), Env: noEnv, Systemd: sd})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	events := make(chan eventbus.Event, 1)
	events <- eventbus.Event{Type: eventbus.TypeCycle, Data: poller.CycleReport{Started: time.Now()}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.watchdogLoop(ctx, events)
		close(done)
	}()

	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case s := <-pinged:
			got = append(got, s)
		case <-deadline:
			t.Fatalf("states = %v", got)
		}
	}
	cancel()
	<-done
	if !strings.HasPrefix(got[0], "STATUS=last cycle") || got[1] != "WATCHDOG=1" {
		t.Fatalf("states = %v", got)
	}
}
