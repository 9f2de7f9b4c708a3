// Package metrics exposes Prometheus instrumentation for the runtime.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the runtime reports.
type Metrics struct {
	registry *prometheus.Registry

	sessionsTotal   *prometheus.CounterVec
	messagesTotal   prometheus.Counter
	consensusTotal  *prometheus.CounterVec
	providerReqs    *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	providerCost    *prometheus.CounterVec
	limiterDenials  *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conclave",
			Name:      "sessions_total",
			Help:      "Session lifecycle transitions by resulting state.",
		}, []string{"state"}),
		messagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conclave",
			Name:      "messages_total",
			Help:      "Messages routed between session participants.",
		}),
		consensusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conclave",
			Name:      "consensus_rounds_total",
			Help:      "Consensus rounds by algorithm and outcome.",
		}, []string{"algorithm", "outcome"}),
		providerReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conclave",
			Name:      "provider_requests_total",
			Help:      "LLM completion requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conclave",
			Name:      "provider_latency_seconds",
			Help:      "LLM completion latency by provider.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"provider"}),
		providerCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conclave",
			Name:      "provider_cost_dollars_total",
			Help:      "Accumulated estimated spend by provider.",
		}, []string{"provider"}),
		limiterDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conclave",
			Name:      "ratelimit_denials_total",
			Help:      "Rate limiter denials by resource.",
		}, []string{"resource"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conclave",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, path, and status.",
		}, []string{"method", "path", "status"}),
	}

	m.registry.MustRegister(
		m.sessionsTotal,
		m.messagesTotal,
		m.consensusTotal,
		m.providerReqs,
		m.providerLatency,
		m.providerCost,
		m.limiterDenials,
		m.httpRequests,
	)
	return m
}

// RegisterSessionGauge exposes the live session count via a callback.
func (m *Metrics) RegisterSessionGauge(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "conclave",
		Name:      "sessions_active",
		Help:      "Sessions currently tracked by the runtime.",
	}, func() float64 { return float64(count()) }))
}

// RegisterStreamGauge exposes the connected SSE client count via a callback.
func (m *Metrics) RegisterStreamGauge(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "conclave",
		Name:      "stream_clients",
		Help:      "Connected SSE clients.",
	}, func() float64 { return float64(count()) }))
}

func (m *Metrics) SessionTransition(state string) {
	m.sessionsTotal.WithLabelValues(state).Inc()
}

func (m *Metrics) MessageRouted() {
	m.messagesTotal.Inc()
}

func (m *Metrics) ConsensusRound(algorithm string, approved bool) {
	outcome := "rejected"
	if approved {
		outcome = "approved"
	}
	m.consensusTotal.WithLabelValues(algorithm, outcome).Inc()
}

func (m *Metrics) ProviderRequest(provider string, latency time.Duration, cost float64, failed bool) {
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	m.providerReqs.WithLabelValues(provider, outcome).Inc()
	m.providerLatency.WithLabelValues(provider).Observe(latency.Seconds())
	if cost > 0 {
		m.providerCost.WithLabelValues(provider).Add(cost)
	}
}

func (m *Metrics) RateLimitDenied(resource string) {
	m.limiterDenials.WithLabelValues(resource).Inc()
}

func (m *Metrics) HTTPRequest(method, path string, status int) {
	m.httpRequests.WithLabelValues(method, path, statusClass(status)).Inc()
}

// statusClass buckets statuses to keep label cardinality flat.
func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
