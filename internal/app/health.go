package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"transferbot/internal/eventbus"
	"transferbot/internal/ops"
	"transferbot/internal/poller"
	kit "transferbot/internal/transport"
	logx "transferbot/pkg/logx"
)

// stallSlack is added to the expected cycle span before the poller counts
// as stuck.
const stallSlack = time.Minute

// health reports the poller healthy while it keeps finishing cycles. A
// cycle in progress may span up to one schedule gap plus the publish and
// save timeouts of its last event.
func (a *App) health() ops.Health {
	now := time.Now()
	state := a.poller.State()
	rep, hasReport := a.poller.LastReport()

	a.mu.Lock()
	pcfg, started := a.pcfg, a.started
	a.mu.Unlock()

	last := started
	if hasReport {
		last = rep.Started.Add(rep.Took)
	}
	gap := pcfg.Schedule.Next(now).Sub(now)
	window := 2*gap + pcfg.PublishTimeout + pcfg.SaveTimeout + stallSlack

	details := map[string]any{
		"state":        state.String(),
		"last_cycle":   last,
		"stall_window": window.String(),
	}
	ok := state != poller.ShuttingDown && now.Sub(last) <= window
	if hasReport {
		details["last_cycle_id"] = rep.ID
		details["published"] = rep.Published()
		if failed := rep.Failed(); len(failed) > 0 {
			details["failed_feeds"] = failed
		}
	}
	if a.sup != nil {
		details["tasks"] = a.sup.Snapshot()
		if a.sup.Context().Err() != nil {
			ok = false
		}
	}
	if dropped := a.bus.Dropped(); dropped > 0 {
		details["bus_dropped"] = dropped
	}
	return ops.Health{OK: ok, Details: details}
}

// watchdogLoop pings the systemd watchdog at half its interval while the
// poller is healthy, and updates the unit status after every cycle.
func (a *App) watchdogLoop(ctx context.Context, events <-chan eventbus.Event) error {
	var tick <-chan time.Time
	if iv := a.sd.WatchdogInterval(); iv > 0 {
		t := time.NewTicker(iv / 2)
		defer t.Stop()
		tick = t.C
		a.log.Info("systemd watchdog enabled", logx.Duration("interval", iv))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			rep, _ := e.Data.(poller.CycleReport)
			_, _ = a.sd.Status(cycleStatus(rep))
			if tick != nil {
				_, _ = a.sd.Ping()
			}
		case <-tick:
			if h := a.health(); h.OK {
				_, _ = a.sd.Ping()
			} else {
				a.log.Warn("watchdog ping withheld: poller unhealthy", logx.Any("state", h.Details["state"]))
			}
		}
	}
}

func cycleStatus(rep poller.CycleReport) string {
	s := fmt.Sprintf("last cycle %s: published %d", rep.Started.Format(time.RFC3339), rep.Published())
	if failed := rep.Failed(); len(failed) > 0 {
		s += fmt.Sprintf(", failed feeds %v", failed)
	}
	return s
}

// dryRunSender logs messages instead of sending them.
type dryRunSender struct {
	log logx.Logger
	n   atomic.Int64
}

func (s *dryRunSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	id := s.n.Add(1)
	s.log.Info("dry run message",
		logx.Int64("chat_id", to.ChatID),
		logx.Int("thread_id", to.ThreadID),
		logx.String("text", text),
	)
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: int(id)}, nil
}

func (s *dryRunSender) SendPhoto(_ context.Context, to kit.ChatTarget, photoURL, caption string, _ *kit.SendOptions) (kit.MessageRef, error) {
	id := s.n.Add(1)
	s.log.Info("dry run photo",
		logx.Int64("chat_id", to.ChatID),
		logx.Int("thread_id", to.ThreadID),
		logx.String("photo", photoURL),
		logx.String("caption", caption),
	)
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: int(id)}, nil
}
