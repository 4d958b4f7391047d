// Package app wires configuration, logging, storage, feeds, the Telegram
// notifier and the poller into one process and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"transferbot/internal/config"
	"transferbot/internal/eventbus"
	"transferbot/internal/media"
	"transferbot/internal/metrics"
	"transferbot/internal/notify"
	"transferbot/internal/ops"
	"transferbot/internal/poller"
	rtsup "transferbot/internal/runtime/supervisor"
	"transferbot/internal/storage"
	kit "transferbot/internal/transport"
	telegram "transferbot/internal/transport/telegram/adapter"
	logx "transferbot/pkg/logx"
	"transferbot/pkg/systemd"
)

// Options adjust New. The zero value runs against Telegram and the
// configured store.
type Options struct {
	// DryRun keeps cursors in memory and logs messages instead of sending.
	DryRun bool
	// Sender replaces the Telegram adapter.
	Sender kit.Sender
	// Store replaces the configured store. The app does not close it.
	Store storage.Store
	// Env replaces os.LookupEnv for config overrides.
	Env func(string) (string, bool)
	// Systemd replaces the sd_notify client.
	Systemd *systemd.Notifier
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	ownsStore bool
	adapter   *telegram.Adapter

	notif   *notify.Telegram
	poller  *poller.Poller
	metrics *metrics.Metrics
	ops     *ops.Server
	sd      *systemd.Notifier

	mu      sync.Mutex
	pcfg    poller.Config
	started time.Time
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetEnv(opts.Env)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	sender := opts.Sender
	var ad *telegram.Adapter
	if sender == nil && !opts.DryRun {
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		ad, err = telegram.New(mapTelegram(cfg), bootLog)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = ad
	}

	// The Telegram log sink gets the real sender only; dry-run messages are
	// themselves log lines.
	var logSink kit.Sender
	if ad != nil {
		logSink = ad
	}
	logSvc, log := logx.New(mapLogging(cfg), logSink)
	log = log.With(logx.String("comp", "app"))

	if sender == nil {
		sender = &dryRunSender{log: log.With(logx.String("comp", "dryrun"))}
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		adapter: ad,
		metrics: metrics.New(),
		sd:      opts.Systemd,
	}
	if a.sd == nil {
		a.sd = systemd.New()
	}
	fail := func(err error) (*App, error) {
		a.closeResources()
		return nil, err
	}

	switch {
	case opts.Store != nil:
		a.store = opts.Store
	case opts.DryRun:
		a.store, a.ownsStore = storage.NewMemory(), true
		log.Warn("dry run: cursors are kept in memory and messages are only logged")
	default:
		st, err := storage.Open(StorageConfig(cfg), log.With(logx.String("comp", "storage")))
		if err != nil {
			return fail(err)
		}
		a.store, a.ownsStore = st, true
		log.Info("storage opened", logx.String("driver", cfg.Storage.Driver))
	}

	a.notif, err = notify.NewTelegram(mapNotifier(cfg), sender, log.With(logx.String("comp", "notify")))
	if err != nil {
		return fail(err)
	}
	a.applyImages(cfg)

	clients, err := FeedClients(cfg, log.With(logx.String("comp", "feed")))
	if err != nil {
		return fail(err)
	}
	a.pcfg, err = mapPoller(cfg)
	if err != nil {
		return fail(err)
	}
	a.poller, err = poller.New(a.pcfg, sources(clients), a.store, a.notif,
		poller.WithLogger(log.With(logx.String("comp", "poller"))),
		poller.WithBus(a.bus),
		poller.WithMetrics(a.metrics),
	)
	if err != nil {
		return fail(err)
	}

	a.ops = ops.New(mapOps(cfg), a.metrics.Handler(), a.health, log.With(logx.String("comp", "ops")))
	return a, nil
}

func (a *App) Poller() *poller.Poller { return a.poller }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Logger() logx.Logger { return a.log }

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

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.mu.Lock()
	a.started = time.Now()
	a.mu.Unlock()

	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
		rtsup.WithErrorHook(func(name string, err error) {
			a.bus.Publish(eventbus.Event{Type: eventbus.TypeSupervisorError, Time: time.Now(), Data: err.Error()})
		}),
	)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// Subscribe before the poller starts so the first cycle is seen.
	all, unsubAll := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsubAll()
		return a.logEvents(c, all)
	})
	cycles, unsubCycles := a.bus.Subscribe(16, eventbus.TypeCycle)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		defer unsubCycles()
		return a.watchdogLoop(c, cycles)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go("poller", a.poller.Run)
	a.ops.Start(a.sup.Context())

	if cfg := a.cfgm.Get(); cfg.Notifier.Announce {
		a.sup.Go("announce", func(c context.Context) error {
			actx, cancel := context.WithTimeout(c, 30*time.Second)
			defer cancel()
			if err := a.notif.Announce(actx, labels(cfg)); err != nil {
				a.log.Warn("startup announcement failed", logx.Err(err))
			}
			return nil
		})
	}

	if ok, err := a.sd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified: ready")
	}
	a.log.Info("app started", logx.Int("feeds", len(a.cfgm.Get().Feeds)), logx.String("schedule", a.pollerConfig().Schedule.String()))
	return nil
}

// applyImages builds a fresh picture resolver for cfg, or turns pictures
// off. A rebuilt resolver starts with an empty cache.
func (a *App) applyImages(cfg *config.Config) {
	if cfg.Notifier.DisableImages {
		a.notif.SetImages(nil)
		return
	}
	a.notif.SetImages(media.New(mapMedia(cfg), media.WithLogger(a.log.With(logx.String("comp", "media")))))
}

func (a *App) pollerConfig() poller.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pcfg
}

// logEvents mirrors bus events at debug level.
func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Status("stopping: " + string(reason))
	_, _ = a.sd.Stopping()

	// Cancel first so the poller leaves its wait; an event already being
	// published is finished under its own timeouts.
	a.sup.Cancel()

	pcfg := a.pollerConfig()
	drain := pcfg.PublishTimeout + pcfg.SaveTimeout + time.Second
	if drain <= time.Second {
		drain = poller.DefaultPublishTimeout + poller.DefaultSaveTimeout + time.Second
	}

	a.step(ctx, "supervisor", drain, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "resources", 2*time.Second, func(context.Context) error { return a.closeResources() })

	if err := a.sup.Err(); err != nil {
		a.log.Error("stopped with error", logx.Err(err))
	} else {
		a.log.Info("stopped")
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline.
// fn must honor its context; a step that overruns is logged and left
// behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}

func (a *App) closeResources() error {
	var errs []error
	if a.ownsStore && a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	if a.adapter != nil {
		errs = append(errs, a.adapter.Close())
		a.adapter = nil
	}
	return errors.Join(errs...)
}

// reloadLoop applies published configs, coalescing bursts to the latest.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}

	a.logs.Apply(mapLogging(newCfg))

	if changed["telegram"] || changed["notifier"] {
		if err := a.notif.Apply(mapNotifier(newCfg)); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		}
		if n, o := newCfg.Notifier, oldCfg.Notifier; n.DisableImages != o.DisableImages || n.SiteURL != o.SiteURL || n.MediaAPIURL != o.MediaAPIURL {
			a.applyImages(newCfg)
		}
	}
	if changed["telegram"] && (oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.APIURL != newCfg.Telegram.APIURL) {
		a.log.Warn("telegram token or api_url changed; restart required for changes to take effect")
	}
	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if changed["poller"] {
		if pc, err := mapPoller(newCfg); err != nil {
			a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
		} else {
			a.poller.Apply(pc)
			a.mu.Lock()
			a.pcfg = pc
			a.mu.Unlock()
		}
	}
	if changed["feeds"] {
		clients, err := FeedClients(newCfg, a.log.With(logx.String("comp", "feed")))
		if err == nil {
			err = a.poller.SetSources(sources(clients))
		}
		if err != nil {
			a.log.Warn("invalid feeds config; keeping previous", logx.Err(err))
		}
	}
	if changed["ops"] {
		a.ops.Reconfigure(ctx, mapOps(newCfg))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: strings.Join(sections, ",")})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
