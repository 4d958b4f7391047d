package poller

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"transferbot/internal/eventbus"
	"transferbot/internal/feed"
	"transferbot/internal/metrics"
	"transferbot/internal/notify"
	"transferbot/internal/transfer"
	logx "transferbot/pkg/logx"
)

// RunCycle processes every feed once and returns the cycle report. Retries
// of a send never run past the next scheduled poll.
func (p *Poller) RunCycle(ctx context.Context) CycleReport {
	cfg, sources := p.snapshot()
	started := p.clock.Now()
	rep := CycleReport{
		ID:       uuid.NewString(),
		Started:  started,
		Deadline: cfg.Schedule.Next(started),
		Feeds:    make([]FeedReport, 0, len(sources)),
	}
	log := p.log.With(logx.String("cycle", rep.ID))
	p.metrics.CycleStarted()

	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		fr := p.runFeed(ctx, cfg, src, rep.Deadline, log.With(logx.String("feed", src.Key)))
		rep.Feeds = append(rep.Feeds, fr)
	}

	if ctx.Err() != nil {
		p.setState(ShuttingDown)
	} else {
		p.setState(Waiting)
	}
	rep.Took = p.clock.Now().Sub(started)
	p.metrics.CycleFinished(rep.Took, started.Add(rep.Took))

	stored := rep
	p.last.Store(&stored)
	p.publishBus(eventbus.TypeCycle, rep)

	fields := []logx.Field{
		logx.Int("published", rep.Published()),
		logx.Duration("took", rep.Took),
	}
	if failed := rep.Failed(); len(failed) > 0 {
		fields = append(fields, logx.Any("failed_feeds", failed))
	}
	if rep.Published() > 0 || len(rep.Failed()) > 0 {
		log.Info("cycle finished", fields...)
	} else {
		log.Debug("cycle finished", fields...)
	}
	return rep
}

func (p *Poller) runFeed(ctx context.Context, cfg Config, src Source, deadline time.Time, log logx.Logger) FeedReport {
	fr := FeedReport{Key: src.Key}

	// Fetching
	p.setState(Fetching)
	fetchStart := p.clock.Now()
	raw, err := src.Feed.Fetch(ctx)
	took := p.clock.Now().Sub(fetchStart)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			fr.ErrKind, fr.Err = ErrKindShutdown, ctx.Err().Error()
		case feed.IsTransient(err):
			fr.ErrKind, fr.Err = ErrKindTransientFetch, err.Error()
			p.metrics.Fetch(src.Key, metrics.Transient, took)
			log.Warn("fetch failed, retrying next cycle", logx.Err(err))
		default:
			fr.ErrKind, fr.Err = ErrKindFatalFetch, err.Error()
			p.metrics.Fetch(src.Key, metrics.Fatal, took)
			log.Error("fetch rejected", logx.Err(err))
		}
		return fr
	}
	p.metrics.Fetch(src.Key, metrics.OK, took)

	// Diffing
	p.setState(Diffing)
	snap, dups := transfer.Normalize(raw)
	fr.Fetched, fr.Duplicates = len(snap), dups
	if dups > 0 {
		log.Warn("snapshot has duplicate ids, keeping the last instance", logx.Int("duplicates", dups))
	}

	cur, err := p.store.Load(ctx, src.Key)
	if err != nil {
		if ctx.Err() != nil {
			fr.ErrKind, fr.Err = ErrKindShutdown, ctx.Err().Error()
			return fr
		}
		fr.ErrKind, fr.Err = ErrKindPersistence, err.Error()
		log.Error("cursor load failed", logx.Err(err))
		return fr
	}
	fr.Cursor = cur

	if cur == transfer.None && cfg.SkipBacklog && len(snap) > 0 {
		return p.seed(ctx, cfg, src, snap, fr, log)
	}

	fresh := transfer.Diff(snap, cur)
	fr.New = len(fresh)
	p.metrics.NewEvents(src.Key, len(fresh), dups)
	if len(fresh) == 0 {
		log.Debug("no new events", logx.Int64("cursor", int64(cur)), logx.Int("fetched", len(snap)))
		return fr
	}
	log.Info("new events", logx.Int("count", len(fresh)), logx.Int64("cursor", int64(cur)), logx.Any("ids", fresh.IDs()))

	// Publishing
	p.setState(Publishing)
	for _, ev := range fresh {
		if ctx.Err() != nil {
			fr.ErrKind, fr.Err = ErrKindShutdown, ctx.Err().Error()
			log.Info("shutdown before publishing remaining events", logx.Int("remaining", fr.New-fr.Published))
			return fr
		}
		elog := log.With(logx.Int64("event_id", ev.ID))

		if err := p.publishWithRetry(ctx, cfg, src.Key, ev, deadline, elog); err != nil {
			fr.Err = err.Error()
			switch {
			case errors.Is(err, errShutdown):
				fr.ErrKind = ErrKindShutdown
			case notify.IsRetryable(err):
				fr.ErrKind = ErrKindRetryableSend
			default:
				fr.ErrKind = ErrKindFatalSend
			}
			return fr
		}

		if err := p.save(ctx, cfg, src.Key, transfer.Cursor(ev.ID)); err != nil {
			// Delivered but not recorded: the next cycle re-sends this event.
			fr.Published++
			fr.ErrKind, fr.Err = ErrKindPersistence, err.Error()
			elog.Error("cursor save failed after publish", logx.Err(err))
			return fr
		}
		fr.Published++
		fr.Cursor = transfer.Cursor(ev.ID)
		p.publishBus(eventbus.TypeTransferPublished, ev)
		elog.Debug("event published")
	}
	return fr
}

var errShutdown = errors.New("shutdown during retry backoff")

// publishWithRetry sends ev, retrying retryable failures with backoff until
// RetryMax is used up or the next wait would cross deadline. Each attempt
// runs to completion even if ctx is cancelled meanwhile.
func (p *Poller) publishWithRetry(ctx context.Context, cfg Config, key string, ev transfer.Event, deadline time.Time, log logx.Logger) error {
	for attempt := 1; ; attempt++ {
		err := p.publishOnce(ctx, cfg, ev)
		if err == nil {
			p.metrics.Publish(key, metrics.OK)
			return nil
		}
		if !notify.IsRetryable(err) {
			if !notify.IsFatal(err) {
				err = &notify.FatalError{Err: err}
			}
			p.metrics.Publish(key, metrics.Fatal)
			log.Error("publish failed, not retrying", logx.Err(err))
			return err
		}
		p.metrics.Publish(key, metrics.Retryable)

		if attempt > cfg.RetryMax {
			log.Warn("publish retries exhausted, deferring to next cycle", logx.Err(err), logx.Int("attempts", attempt))
			return err
		}
		hint, _ := notify.RetryAfterHint(err)
		delay := retryDelay(cfg, attempt, hint, p.jitter)
		if p.clock.Now().Add(delay).After(deadline) {
			log.Warn("publish retry would pass next poll, deferring", logx.Err(err), logx.Duration("delay", delay), logx.Int("attempts", attempt))
			return err
		}
		log.Debug("publish failed, backing off", logx.Err(err), logx.Duration("delay", delay), logx.Int("attempt", attempt))
		p.metrics.Retry(key)
		if serr := sleep(ctx, p.clock, delay); serr != nil {
			return errors.Join(errShutdown, err)
		}
	}
}

func (p *Poller) publishOnce(ctx context.Context, cfg Config, ev transfer.Event) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.PublishTimeout)
	defer cancel()
	return p.notifier.Publish(pctx, ev)
}

func (p *Poller) save(ctx context.Context, cfg Config, key string, c transfer.Cursor) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.SaveTimeout)
	defer cancel()
	if err := p.store.Save(sctx, key, c); err != nil {
		p.metrics.Save(key, metrics.Failed)
		return err
	}
	p.metrics.Save(key, metrics.OK)
	p.metrics.Cursor(key, int64(c))
	return nil
}

// seed records the newest id of a feed seen for the first time without
// publishing anything.
func (p *Poller) seed(ctx context.Context, cfg Config, src Source, snap transfer.Snapshot, fr FeedReport, log logx.Logger) FeedReport {
	latest := snap.Latest()
	if err := p.save(ctx, cfg, src.Key, latest); err != nil {
		fr.ErrKind, fr.Err = ErrKindPersistence, err.Error()
		log.Error("cursor seed failed", logx.Err(err))
		return fr
	}
	fr.Seeded = true
	fr.Cursor = latest
	log.Info("backlog skipped, cursor seeded", logx.Int64("cursor", int64(latest)), logx.Int("skipped", len(snap)))
	return fr
}

func (p *Poller) publishBus(typ string, data any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: p.clock.Now(), Data: data})
}
