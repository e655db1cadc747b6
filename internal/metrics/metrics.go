// Package metrics exposes Prometheus collectors for walks, node emits,
// nudge drains and inbound messages. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the FlowPipe collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	walks        *prometheus.CounterVec
	walkDuration *prometheus.HistogramVec
	nodeEmits    *prometheus.CounterVec
	nudges       *prometheus.CounterVec
	drainRuns    prometheus.Counter
	drainLast    prometheus.Gauge
	inbound      *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		walks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpipe_walks_total",
			Help: "Walks by graph kind and final state.",
		}, []string{"kind", "state"}),
		walkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowpipe_walk_duration_seconds",
			Help:    "Wall-clock duration of a walk, including channel sends.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		nodeEmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpipe_node_emits_total",
			Help: "Nodes emitted by node type and graph kind.",
		}, []string{"type", "kind"}),
		nudges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpipe_nudges_processed_total",
			Help: "Drained nudges by outcome.",
		}, []string{"outcome"}),
		drainRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowpipe_nudge_drain_runs_total",
			Help: "Completed nudge drain runs.",
		}),
		drainLast: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowpipe_nudge_drain_last_processed",
			Help: "Nudges processed by the most recent drain run.",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpipe_inbound_messages_total",
			Help: "Inbound messages by channel and disposition.",
		}, []string{"channel", "disposition"}),
	}
	m.registry.MustRegister(
		m.walks, m.walkDuration, m.nodeEmits, m.nudges, m.drainRuns, m.drainLast, m.inbound,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveWalk records one finished walk.
func (m *Metrics) ObserveWalk(kind, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.walks.WithLabelValues(kind, state).Inc()
	m.walkDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// NodeEmitted records a node arrival.
func (m *Metrics) NodeEmitted(nodeType, kind string) {
	if m == nil {
		return
	}
	m.nodeEmits.WithLabelValues(nodeType, kind).Inc()
}

// NudgeProcessed records one drained nudge; outcome is "ok" or "error".
func (m *Metrics) NudgeProcessed(outcome string) {
	if m == nil {
		return
	}
	m.nudges.WithLabelValues(outcome).Inc()
}

// DrainFinished records the end of a drain run.
func (m *Metrics) DrainFinished(processed int) {
	if m == nil {
		return
	}
	m.drainRuns.Inc()
	m.drainLast.Set(float64(processed))
}

// InboundReceived records an inbound message; disposition is one of
// "walked", "duplicate", "invalid" or "error".
func (m *Metrics) InboundReceived(channel, disposition string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(channel, disposition).Inc()
}
