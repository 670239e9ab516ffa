// Package metrics holds the daemon's Prometheus collectors.
//
// Every method is safe on a nil *Metrics so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manwonyori/gitsyncd/internal/model"
)

const namespace = "syncd"

// Metrics is a private registry plus the collectors registered on it.
type Metrics struct {
	Registry *prometheus.Registry

	QueueDepth     prometheus.Gauge
	EventsReceived *prometheus.CounterVec
	BatchesFlushed *prometheus.CounterVec
	Cycles         *prometheus.CounterVec
	CycleDuration  prometheus.Histogram
	Reconnects     prometheus.Counter
	IndexRepairs   prometheus.Counter
	RuleReloads    *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Change events waiting for the aggregator.",
		}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Change events pushed onto the queue, by source.",
		}, []string{"source"}),
		BatchesFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_flushed_total",
			Help:      "Batches closed by the aggregator, by flush reason.",
		}, []string{"reason"}),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Completed sync cycles, by final state and error kind.",
		}, []string{"state", "error"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_cycle_duration_seconds",
			Help:      "Wall time of one sync cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_reconnects_total",
			Help:      "Remote event stream connection losses.",
		}),
		IndexRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_repairs_total",
			Help:      "Index repairs attempted by the health monitor.",
		}),
		RuleReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_reloads_total",
			Help:      "Exclusion ruleset reloads, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.QueueDepth,
		m.EventsReceived,
		m.BatchesFlushed,
		m.Cycles,
		m.CycleDuration,
		m.Reconnects,
		m.IndexRepairs,
		m.RuleReloads,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) EventReceived(src model.Source) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(src.String()).Inc()
}

func (m *Metrics) BatchFlushed(reason model.FlushReason) {
	if m == nil {
		return
	}
	m.BatchesFlushed.WithLabelValues(string(reason)).Inc()
}

// CycleCompleted records a finished sync cycle.
func (m *Metrics) CycleCompleted(res model.SyncResult) {
	if m == nil {
		return
	}
	kind := string(res.Error)
	if kind == "" {
		kind = "none"
	}
	m.Cycles.WithLabelValues(string(res.FinalState), kind).Inc()
	m.CycleDuration.Observe(float64(res.DurationMS) / 1000)
	if res.RepairedIndex {
		m.IndexRepairs.Inc()
	}
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// RulesReloaded counts a ruleset reload attempt.
func (m *Metrics) RulesReloaded(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.RuleReloads.WithLabelValues(result).Inc()
}
