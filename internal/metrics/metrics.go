// Package metrics implements C7, the orchestrator's MetricsCollector:
// Prometheus counters and histograms keyed by model kind and server,
// exposed at /metrics on every HTTP surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the orchestrator and its HTTP surfaces emit.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec // labels: model_kind, server, outcome
	RequestsFailed *prometheus.CounterVec // labels: model_kind, server, reason

	PrefillTokensTotal *prometheus.CounterVec // labels: model_kind, server
	DecodeTokensTotal  *prometheus.CounterVec // labels: model_kind, server

	PrefillMs   *prometheus.HistogramVec // labels: model_kind, server
	DecodeMs    *prometheus.HistogramVec // labels: model_kind, server
	EndToEndMs  *prometheus.HistogramVec // labels: model_kind

	ServerHealthState   *prometheus.GaugeVec // labels: model_kind, server; 0=healthy,1=degraded,2=offline
	CircuitBreakerState *prometheus.GaugeVec // labels: model_kind, server; 0=closed,1=open,2=half-open
	FallbackTotal       *prometheus.CounterVec // labels: model_kind, server

	GradingResultsTotal *prometheus.CounterVec // labels: outcome (ok, partial, error)
}

// New builds a fresh, independent metrics registry. Each process owns
// exactly one; tests may construct as many as they need without collision.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradeforge_requests_total",
			Help: "Total generate() calls routed through the orchestrator",
		}, []string{"model_kind", "server", "outcome"}),
		RequestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradeforge_requests_failed_total",
			Help: "Total generate() calls that returned an error",
		}, []string{"model_kind", "server", "reason"}),
		PrefillTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradeforge_prefill_tokens_total",
			Help: "Total prompt tokens processed by prefill servers",
		}, []string{"model_kind", "server"}),
		DecodeTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradeforge_decode_tokens_total",
			Help: "Total tokens generated by decode servers",
		}, []string{"model_kind", "server"}),
		PrefillMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gradeforge_prefill_ms",
			Help:    "Prefill phase latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"model_kind", "server"}),
		DecodeMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gradeforge_decode_ms",
			Help:    "Decode phase latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"model_kind", "server"}),
		EndToEndMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gradeforge_end_to_end_ms",
			Help:    "Full grading pipeline latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 12),
		}, []string{"model_kind"}),
		ServerHealthState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gradeforge_server_health_state",
			Help: "Server health state (0=healthy,1=degraded,2=offline)",
		}, []string{"model_kind", "server"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gradeforge_circuit_breaker_state",
			Help: "Fallback circuit breaker state (0=closed,1=open,2=half-open)",
		}, []string{"model_kind", "server"}),
		FallbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradeforge_fallback_total",
			Help: "Total generate() calls that used the decode direct-fallback path",
		}, []string{"model_kind", "server"}),
		GradingResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradeforge_grading_results_total",
			Help: "Total grading pipeline runs by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestsFailed,
		m.PrefillTokensTotal, m.DecodeTokensTotal,
		m.PrefillMs, m.DecodeMs, m.EndToEndMs,
		m.ServerHealthState, m.CircuitBreakerState, m.FallbackTotal,
		m.GradingResultsTotal,
	)
	return m
}

// Handler returns the HTTP handler for this registry's /metrics endpoint.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
