package admin

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	m.IncTotalRequests()
	m.IncHit()
	m.InflightAdd("x")
	m.InflightRemove("x")
	m.ObserveDuration("hit", 0.01)
}

func TestInflightGauge(t *testing.T) {
	m := NewMetrics()
	m.InflightAdd("a")
	m.InflightAdd("b")
	assert.Equal(t, 2, m.Inflight)
	m.InflightRemove("a")
	assert.Equal(t, 1, m.Inflight)
	m.InflightRemove("a")
	assert.Equal(t, 1, m.Inflight, "removing an unknown id does not underflow")
	m.InflightRemove("b")
	assert.Equal(t, 0, m.Inflight)
}

func TestExposition(t *testing.T) {
	m := NewMetrics()
	m.IncTotalRequests()
	m.IncTotalRequests()
	m.IncHit()
	m.IncMiss()
	m.ObserveDuration("hit", 0.003)
	m.ObserveDuration("hit", 0.7)
	m.ObserveDuration("hit", 99)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/metrics", nil)
	Router(m, nil).ServeHTTP(w, r)

	require.Equal(t, 200, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "gatehouse_requests_total 2")
	assert.Contains(t, body, "gatehouse_hits_total 1")
	assert.Contains(t, body, "gatehouse_misses_total 1")
	assert.Contains(t, body, "gatehouse_inflight_requests 0")
	assert.Contains(t, body, `gatehouse_request_duration_seconds_bucket{outcome="hit",le="0.005"} 1`)
	assert.Contains(t, body, `gatehouse_request_duration_seconds_bucket{outcome="hit",le="1"} 2`)
	assert.Contains(t, body, `gatehouse_request_duration_seconds_bucket{outcome="hit",le="+Inf"} 3`)
	assert.Contains(t, body, `gatehouse_request_duration_seconds_count{outcome="hit"} 3`)
}

func TestHealthz(t *testing.T) {
	w := httptest.NewRecorder()
	Router(NewMetrics(), nil).ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, w.Code)
}

func TestConfigz(t *testing.T) {
	cfg := struct {
		Listen string `json:"listen"`
	}{Listen: ":8443"}
	w := httptest.NewRecorder()
	Router(NewMetrics(), cfg).ServeHTTP(w, httptest.NewRequest("GET", "/configz", nil))
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `":8443"`)
}

func TestStatusz(t *testing.T) {
	m := NewMetrics()
	m.InflightAdd("GET /slow")
	w := httptest.NewRecorder()
	Router(m, nil).ServeHTTP(w, httptest.NewRequest("GET", "/statusz", nil))
	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "GET /slow")
}
