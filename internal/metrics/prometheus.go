// Package metrics provides Prometheus-based metrics for gateway calls and
// session transitions.
package metrics

import (
	"net/http"
	"time"

	"github.com/ashureev/realitycheck-coach/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder records gateway and session metrics on its own registry.
type PrometheusRecorder struct {
	registry        *prometheus.Registry
	gatewayCalls    *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	verdicts        *prometheus.CounterVec
	superseded      *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	throttled       prometheus.Counter
}

// NewPrometheusRecorder creates a recorder with a fresh registry that also
// carries the Go runtime and process collectors.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		gatewayCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_gateway_calls_total",
				Help: "Total number of decision gateway calls by gateway and outcome",
			},
			[]string{"gateway", "outcome"},
		),
		gatewayDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coach_gateway_call_duration_seconds",
				Help:    "Duration of decision gateway calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"gateway"},
		),
		verdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_verification_verdicts_total",
				Help: "Total number of committed verification verdicts",
			},
			[]string{"verdict"},
		),
		superseded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_superseded_results_total",
				Help: "Total number of gateway results discarded because the session moved on",
			},
			[]string{"op"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "coach_active_sessions",
				Help: "Number of sessions held in memory",
			},
		),
		throttled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coach_frames_throttled_total",
				Help: "Total number of frames rejected by the per-session rate limit",
			},
		),
	}
}

// ObserveGatewayCall records one gateway call. Outcome is "ok" or the
// failure kind.
func (p *PrometheusRecorder) ObserveGatewayCall(gateway, outcome string, duration time.Duration) {
	p.gatewayCalls.WithLabelValues(gateway, outcome).Inc()
	p.gatewayDuration.WithLabelValues(gateway).Observe(duration.Seconds())
}

// ObserveVerdict counts a committed verdict.
func (p *PrometheusRecorder) ObserveVerdict(verdict domain.Verdict) {
	p.verdicts.WithLabelValues(string(verdict)).Inc()
}

// ObserveSuperseded counts a discarded result.
func (p *PrometheusRecorder) ObserveSuperseded(op string) {
	p.superseded.WithLabelValues(op).Inc()
}

// SetActiveSessions sets the in-memory session gauge.
func (p *PrometheusRecorder) SetActiveSessions(n int) {
	p.activeSessions.Set(float64(n))
}

// IncThrottle counts a frame rejected by rate limiting.
func (p *PrometheusRecorder) IncThrottle() {
	p.throttled.Inc()
}

// Registry exposes the underlying registry.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
