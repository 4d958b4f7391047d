// Package poller drives the poll, diff and publish loop.
//
// One goroutine runs the loop. Every cycle walks the configured feeds in
// order: fetch the snapshot, diff it against the persisted cursor, then
// publish the new events in ascending id order, saving the cursor after
// each confirmed publish. A failure stops the remaining work of that feed
// for the cycle and never moves its cursor past an undelivered event.
package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"transferbot/internal/eventbus"
	"transferbot/internal/metrics"
	logx "transferbot/pkg/logx"
)

type Poller struct {
	mu      sync.Mutex
	cfg     Config
	sources []Source

	store    ProgressStore
	notifier Notifier

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	clock   Clock
	jitter  func() float64

	state   atomic.Int32
	last    atomic.Pointer[CycleReport]
	running atomic.Bool
	wake    chan struct{}
}

// Option configures a Poller.
type Option func(*Poller)

func WithLogger(log logx.Logger) Option { return func(p *Poller) { p.log = log } }

func WithBus(b eventbus.Bus) Option { return func(p *Poller) { p.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Poller) { p.metrics = m } }

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(p *Poller) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithJitter replaces the backoff jitter source; f returns values in [0,1).
func WithJitter(f func() float64) Option {
	return func(p *Poller) {
		if f != nil {
			p.jitter = f
		}
	}
}

func New(cfg Config, sources []Source, store ProgressStore, notifier Notifier, opts ...Option) (*Poller, error) {
	if store == nil {
		return nil, errors.New("poller: progress store is nil")
	}
	if notifier == nil {
		return nil, errors.New("poller: notifier is nil")
	}
	if err := validateSources(sources); err != nil {
		return nil, err
	}
	p := &Poller{
		cfg:      cfg.withDefaults(),
		sources:  append([]Source(nil), sources...),
		store:    store,
		notifier: notifier,
		log:      logx.Nop(),
		clock:    realClock{},
		jitter:   defaultJitter,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(logx.String("comp", "poller"))
	return p, nil
}

func validateSources(sources []Source) error {
	if len(sources) == 0 {
		return errors.New("poller: at least one feed is required")
	}
	seen := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		key := strings.TrimSpace(s.Key)
		if key == "" {
			return errors.New("poller: feed key is required")
		}
		if s.Feed == nil {
			return errors.New("poller: feed " + key + " has no client")
		}
		if _, dup := seen[key]; dup {
			return errors.New("poller: duplicate feed key " + key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Apply swaps the loop configuration. A running loop recomputes its wait
// with the new schedule; a cycle in progress keeps its old settings.
func (p *Poller) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	p.log.Info("poller config applied", logx.String("schedule", cfg.Schedule.String()), logx.Int("retry_max", cfg.RetryMax))
	p.poke()
}

// SetSources replaces the feed list from the next cycle on.
func (p *Poller) SetSources(sources []Source) error {
	if err := validateSources(sources); err != nil {
		return err
	}
	p.mu.Lock()
	p.sources = append([]Source(nil), sources...)
	p.mu.Unlock()
	return nil
}

func (p *Poller) poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) snapshot() (Config, []Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg, append([]Source(nil), p.sources...)
}

// State returns the current loop state.
func (p *Poller) State() State { return State(p.state.Load()) }

func (p *Poller) setState(s State) { p.state.Store(int32(s)) }

// LastReport returns the report of the most recent finished cycle.
func (p *Poller) LastReport() (CycleReport, bool) {
	r := p.last.Load()
	if r == nil {
		return CycleReport{}, false
	}
	return *r, true
}

// Run polls immediately and then on every schedule tick until ctx ends.
// It returns nil on cancellation.
func (p *Poller) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("poller: already running")
	}
	defer p.running.Store(false)
	defer p.setState(ShuttingDown)

	cfg, sources := p.snapshot()
	p.log.Info("poller started", logx.String("schedule", cfg.Schedule.String()), logx.Int("feeds", len(sources)))

	for {
		if ctx.Err() != nil {
			p.log.Info("poller stopped")
			return nil
		}
		rep := p.RunCycle(ctx)
		if ctx.Err() != nil {
			p.log.Info("poller stopped")
			return nil
		}
		if err := p.wait(ctx, rep.Started); err != nil {
			p.log.Info("poller stopped")
			return nil
		}
	}
}

// wait blocks until the next scheduled poll after the cycle that started
// at started. A config change recomputes the target.
func (p *Poller) wait(ctx context.Context, started time.Time) error {
	p.setState(Waiting)
	for {
		cfg, _ := p.snapshot()
		now := p.clock.Now()
		next := nextPoll(cfg, started, now)
		d := next.Sub(now)
		p.log.Debug("waiting for next poll", logx.Time("next", next), logx.Duration("in", d))
		if d <= 0 {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			p.setState(ShuttingDown)
			return ctx.Err()
		case <-p.wake:
			continue
		case <-p.clock.After(d):
			return nil
		}
	}
}

// nextPoll is the schedule tick after started, or after now when the cycle
// overran that tick.
func nextPoll(cfg Config, started, now time.Time) time.Time {
	next := cfg.Schedule.Next(started)
	if next.Before(now) {
		return now
	}
	return next
}
