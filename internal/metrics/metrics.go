// Package metrics holds the prometheus collectors for the poll pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "transferbot"

// Outcome label values.
const (
	OK        = "ok"
	Transient = "transient"
	Fatal     = "fatal"
	Retryable = "retryable"
	Failed    = "failed"
)

type Metrics struct {
	reg *prometheus.Registry

	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	lastCycle     prometheus.Gauge
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	events        *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	publishes     *prometheus.CounterVec
	retries       *prometheus.CounterVec
	saves         *prometheus.CounterVec
	cursor        *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_total",
			Help: "Poll cycles started.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cycle_duration_seconds",
			Help:    "Wall time of one poll cycle across all feeds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_cycle_timestamp_seconds",
			Help: "Unix time the last poll cycle finished.",
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_fetches_total",
			Help: "Feed fetches by outcome.",
		}, []string{"feed", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "feed_fetch_duration_seconds",
			Help:    "Feed fetch latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"feed"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_new_events_total",
			Help: "Events newer than the cursor found by diffing.",
		}, []string{"feed"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_duplicate_ids_total",
			Help: "Duplicate ids collapsed in feed snapshots.",
		}, []string{"feed"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publishes_total",
			Help: "Publish attempts by outcome.",
		}, []string{"feed", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_retries_total",
			Help: "Publish retries after a retryable send error.",
		}, []string{"feed"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cursor_saves_total",
			Help: "Cursor saves by outcome.",
		}, []string{"feed", "outcome"}),
		cursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cursor",
			Help: "Last persisted event id per feed.",
		}, []string{"feed"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.cycleDuration, m.lastCycle,
		m.fetches, m.fetchDuration, m.events, m.duplicates,
		m.publishes, m.retries, m.saves, m.cursor,
	)
	return m
}

// Registry exposes the registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

func (m *Metrics) CycleStarted() {
	if m == nil {
		return
	}
	m.cycles.Inc()
}

func (m *Metrics) CycleFinished(took time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(took.Seconds())
	m.lastCycle.Set(float64(at.Unix()))
}

func (m *Metrics) Fetch(feed, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(feed, outcome).Inc()
	m.fetchDuration.WithLabelValues(feed).Observe(took.Seconds())
}

func (m *Metrics) NewEvents(feed string, n int, dups int) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(feed).Add(float64(n))
	if dups > 0 {
		m.duplicates.WithLabelValues(feed).Add(float64(dups))
	}
}

func (m *Metrics) Publish(feed, outcome string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(feed, outcome).Inc()
}

func (m *Metrics) Retry(feed string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(feed).Inc()
}

func (m *Metrics) Save(feed, outcome string) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(feed, outcome).Inc()
}

func (m *Metrics) Cursor(feed string, id int64) {
	if m == nil {
		return
	}
	m.cursor.WithLabelValues(feed).Set(float64(id))
}
