// Package metrics exposes recorder counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "channel_recorder"

// Metrics holds every collector the worker updates.
// All methods are safe on a nil receiver so callers may skip metrics entirely.
type Metrics struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	blocks        *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	mergeFailures *prometheus.CounterVec
	restored      *prometheus.GaugeVec
	lastBlock     *prometheus.GaugeVec
	restarts      *prometheus.CounterVec
	backfilled    *prometheus.CounterVec
}

// New registers collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Message events received, by channel and source.",
		}, []string{"channel", "source"}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_written_total",
			Help:      "Blocks merged into durable storage, by channel and kind (new or edit).",
		}, []string{"channel", "kind"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Events dropped as duplicate deliveries.",
		}, []string{"channel"}),
		mergeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_failures_total",
			Help:      "Blocks that could not be merged after retries.",
		}, []string{"channel"}),
		restored: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "restored_messages",
			Help:      "Message revision counters restored from storage at startup.",
		}, []string{"channel"}),
		lastBlock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_block_timestamp_seconds",
			Help:      "Unix time of the last successful merge per channel.",
		}, []string{"channel"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_restarts_total",
			Help:      "Supervised task restarts, by task and outcome (error or clean).",
		}, []string{"task", "outcome"}),
		backfilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_posts_total",
			Help:      "Posts fetched from channel history.",
		}, []string{"channel"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events,
		m.blocks,
		m.duplicates,
		m.mergeFailures,
		m.restored,
		m.lastBlock,
		m.restarts,
		m.backfilled,
	)
	return m
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// EventReceived counts an incoming message event from a source.
func (m *Metrics) EventReceived(channel, source string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(channel, source).Inc()
}

// BlockWritten counts a merged block and records the time of the merge.
func (m *Metrics) BlockWritten(channel string, edit bool, unixTime float64) {
	if m == nil {
		return
	}
	kind := "new"
	if edit {
		kind = "edit"
	}
	m.blocks.WithLabelValues(channel, kind).Inc()
	m.lastBlock.WithLabelValues(channel).Set(unixTime)
}

// Duplicate counts an event dropped as a repeated delivery.
func (m *Metrics) Duplicate(channel string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(channel).Inc()
}

// MergeFailed counts a block that could not be stored.
func (m *Metrics) MergeFailed(channel string) {
	if m == nil {
		return
	}
	m.mergeFailures.WithLabelValues(channel).Inc()
}

// Restored sets how many message counters were rebuilt for a channel.
func (m *Metrics) Restored(channel string, n int) {
	if m == nil {
		return
	}
	m.restored.WithLabelValues(channel).Set(float64(n))
}

// TaskRestarted counts a supervised task restart.
func (m *Metrics) TaskRestarted(task string, failed bool) {
	if m == nil {
		return
	}
	outcome := "clean"
	if failed {
		outcome = "error"
	}
	m.restarts.WithLabelValues(task, outcome).Inc()
}

// Backfilled counts posts fetched from a channel's history.
func (m *Metrics) Backfilled(channel string, n int) {
	if m == nil {
		return
	}
	m.backfilled.WithLabelValues(channel).Add(float64(n))
}
