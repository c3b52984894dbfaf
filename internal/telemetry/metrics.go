package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the routing hot path. They are
// registered on a private registry so tests can hold isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	RouteDecisions    *prometheus.CounterVec
	MatchDuration     prometheus.Histogram
	EvaluateDuration  prometheus.Histogram
	Fires             prometheus.Counter
	EscalationsDenied prometheus.Counter
	ConfidenceUpdates *prometheus.CounterVec
	HeuristicsFormed  prometheus.Counter
	CachedHeuristics  prometheus.Gauge
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.RouteDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reflexd",
		Subsystem: "router",
		Name:      "decisions_total",
		Help:      "Routing decisions by path (emergency, suppress, fast, slow, store_only).",
	}, []string{"path"})

	m.MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reflexd",
		Subsystem: "match",
		Name:      "duration_seconds",
		Help:      "Heuristic match competition latency.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	m.EvaluateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reflexd",
		Subsystem: "salience",
		Name:      "evaluate_duration_seconds",
		Help:      "Salience evaluation latency including embedding.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
	})

	m.Fires = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reflexd",
		Subsystem: "router",
		Name:      "fires_total",
		Help:      "Heuristic fast-path fires.",
	})

	m.EscalationsDenied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reflexd",
		Subsystem: "router",
		Name:      "escalations_denied_total",
		Help:      "Slow-path escalations degraded to store-only by the attention budget.",
	})

	m.ConfidenceUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reflexd",
		Subsystem: "learning",
		Name:      "confidence_updates_total",
		Help:      "Confidence updates by feedback source.",
	}, []string{"source", "signal"})

	m.HeuristicsFormed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reflexd",
		Subsystem: "formation",
		Name:      "heuristics_formed_total",
		Help:      "Heuristics formed from reasoning traces.",
	})

	m.CachedHeuristics = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reflexd",
		Subsystem: "cache",
		Name:      "heuristics",
		Help:      "Heuristics held in the fast-path cache.",
	})

	m.Registry.MustRegister(
		m.RouteDecisions,
		m.MatchDuration,
		m.EvaluateDuration,
		m.Fires,
		m.EscalationsDenied,
		m.ConfidenceUpdates,
		m.HeuristicsFormed,
		m.CachedHeuristics,
	)
	return m
}

// ObserveMatch records one match competition duration.
func (m *Metrics) ObserveMatch(d time.Duration) {
	m.MatchDuration.Observe(d.Seconds())
}

// ObserveEvaluate records one salience evaluation duration.
func (m *Metrics) ObserveEvaluate(d time.Duration) {
	m.EvaluateDuration.Observe(d.Seconds())
}
