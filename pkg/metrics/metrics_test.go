package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetricsExposition(t *testing.T) {
	m := New()
	m.RegisterSessionGauge(func() int { return 3 })
	m.RegisterStreamGauge(func() int { return 7 })

	m.SessionTransition("active")
	m.SessionTransition("active")
	m.MessageRouted()
	m.ConsensusRound("quorum", true)
	m.ConsensusRound("quorum", false)
	m.ProviderRequest("mock", 120*time.Millisecond, 0.02, false)
	m.ProviderRequest("mock", time.Second, 0, true)
	m.RateLimitDenied("messages")
	m.HTTPRequest(http.MethodGet, "/api/v1/sessions", http.StatusOK)
	m.HTTPRequest(http.MethodPost, "/api/v1/sessions", http.StatusForbidden)

	body := scrape(t, m)
	assert.Contains(t, body, `conclave_sessions_active 3`)
	assert.Contains(t, body, `conclave_stream_clients 7`)
	assert.Contains(t, body, `conclave_sessions_total{state="active"} 2`)
	assert.Contains(t, body, `conclave_messages_total 1`)
	assert.Contains(t, body, `conclave_consensus_rounds_total{algorithm="quorum",outcome="approved"} 1`)
	assert.Contains(t, body, `conclave_provider_requests_total{outcome="failure",provider="mock"} 1`)
	assert.Contains(t, body, `conclave_provider_cost_dollars_total{provider="mock"} 0.02`)
	assert.Contains(t, body, `conclave_ratelimit_denials_total{resource="messages"} 1`)
	assert.Contains(t, body, `conclave_http_requests_total{method="POST",path="/api/v1/sessions",status="4xx"} 1`)
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(200))
	assert.Equal(t, "3xx", statusClass(304))
	assert.Equal(t, "4xx", statusClass(429))
	assert.Equal(t, "5xx", statusClass(503))
}
