// Package admin implements the metrics container and the optional admin
// endpoints: /healthz, /metrics, /statusz and /configz.
package admin

import (
	"encoding/json"
	"html"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// HistogramBuckets defines the latency buckets (seconds) used when
// observing request durations.
var HistogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics is the counters/gauge/histogram container consumed by the
// request pipeline and exposed by the /metrics handler.
type Metrics struct {
	sync.Mutex

	TotalRequests uint64 `json:"total_requests"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Stale         uint64 `json:"stale"`
	Bypass        uint64 `json:"bypass"`
	Revalidated   uint64 `json:"revalidated"`
	Collapsed     uint64 `json:"collapsed"`
	Rejected      uint64 `json:"rejected"`
	OriginErrors  uint64 `json:"origin_errors"`
	StoreErrors   uint64 `json:"store_errors"`

	Inflight     int                  `json:"inflight"`
	InflightList map[string]time.Time `json:"-"`

	HistCounts map[string][]uint64 `json:"-"`
	HistSum    map[string]float64  `json:"-"`
	HistTotal  map[string]uint64   `json:"-"`
}

// NewMetrics constructs a Metrics instance with initialized maps.
func NewMetrics() *Metrics {
	return &Metrics{
		InflightList: make(map[string]time.Time),
		HistCounts:   make(map[string][]uint64),
		HistSum:      make(map[string]float64),
		HistTotal:    make(map[string]uint64),
	}
}

// InflightAdd records an in-flight request with id.
func (m *Metrics) InflightAdd(id string) {
	if m == nil {
		return
	}
	m.Lock()
	defer m.Unlock()
	m.Inflight++
	m.InflightList[id] = time.Now()
}

// InflightRemove removes an in-flight request id.
func (m *Metrics) InflightRemove(id string) {
	if m == nil {
		return
	}
	m.Lock()
	defer m.Unlock()
	if m.Inflight > 0 {
		m.Inflight--
	}
	delete(m.InflightList, id)
}

// Increment helpers. All are safe on a nil receiver so callers need not
// guard every observation site.
func (m *Metrics) IncTotalRequests() { m.inc(&m.TotalRequests) }
func (m *Metrics) IncHit()           { m.inc(&m.Hits) }
func (m *Metrics) IncMiss()          { m.inc(&m.Misses) }
func (m *Metrics) IncStale()         { m.inc(&m.Stale) }
func (m *Metrics) IncBypass()        { m.inc(&m.Bypass) }
func (m *Metrics) IncRevalidated()   { m.inc(&m.Revalidated) }
func (m *Metrics) IncCollapsed()     { m.inc(&m.Collapsed) }
func (m *Metrics) IncRejected()      { m.inc(&m.Rejected) }
func (m *Metrics) IncOriginErrors()  { m.inc(&m.OriginErrors) }
func (m *Metrics) IncStoreErrors()   { m.inc(&m.StoreErrors) }

func (m *Metrics) inc(counter *uint64) {
	if m == nil {
		return
	}
	m.Lock()
	*counter++
	m.Unlock()
}

// ObserveDuration records a request duration under a named outcome.
func (m *Metrics) ObserveDuration(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Lock()
	defer m.Unlock()
	if _, ok := m.HistCounts[outcome]; !ok {
		m.HistCounts[outcome] = make([]uint64, len(HistogramBuckets))
	}
	m.HistSum[outcome] += seconds
	m.HistTotal[outcome]++
	for i, b := range HistogramBuckets {
		if seconds <= b {
			m.HistCounts[outcome][i]++
			return
		}
	}
	// past the last bucket: only sum and total record it
}

// Router returns the admin endpoints. The config argument is rendered by
// /configz; pass a redacted copy if it holds secrets.
func Router(m *Metrics, config any) chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		m.writeExposition(w)
	})
	r.Get("/statusz", func(w http.ResponseWriter, _ *http.Request) {
		m.writeStatusz(w)
	})
	r.Get("/configz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(config)
	})
	return r
}

func (m *Metrics) writeExposition(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	m.Lock()
	defer m.Unlock()

	counter := func(name, help string, v uint64) {
		w.Write([]byte("# HELP " + name + " " + help + "\n"))
		w.Write([]byte("# TYPE " + name + " counter\n"))
		w.Write([]byte(name + " " + strconv.FormatUint(v, 10) + "\n\n"))
	}
	counter("gatehouse_requests_total", "Total requests processed", m.TotalRequests)
	counter("gatehouse_hits_total", "Served from fresh cache", m.Hits)
	counter("gatehouse_misses_total", "Fetched from origin", m.Misses)
	counter("gatehouse_stale_total", "Served stale", m.Stale)
	counter("gatehouse_bypass_total", "Forwarded without caching", m.Bypass)
	counter("gatehouse_revalidated_total", "Background revalidations completed", m.Revalidated)
	counter("gatehouse_collapsed_total", "Requests collapsed onto an in-flight fetch", m.Collapsed)
	counter("gatehouse_rejected_total", "Requests rejected by admission control", m.Rejected)
	counter("gatehouse_origin_errors_total", "Errors contacting origin", m.OriginErrors)
	counter("gatehouse_store_errors_total", "Cache store write failures", m.StoreErrors)

	w.Write([]byte("# HELP gatehouse_inflight_requests In-flight requests\n"))
	w.Write([]byte("# TYPE gatehouse_inflight_requests gauge\n"))
	w.Write([]byte("gatehouse_inflight_requests " + strconv.Itoa(m.Inflight) + "\n\n"))

	w.Write([]byte("# HELP gatehouse_request_duration_seconds Request duration by cache outcome\n"))
	w.Write([]byte("# TYPE gatehouse_request_duration_seconds histogram\n"))
	for outcome, counts := range m.HistCounts {
		cumulative := uint64(0)
		for i, b := range HistogramBuckets {
			cumulative += counts[i]
			w.Write([]byte(
				"gatehouse_request_duration_seconds_bucket{outcome=\"" + outcome + "\",le=\"" +
					strconv.FormatFloat(b, 'f', -1, 64) + "\"} " + strconv.FormatUint(cumulative, 10) + "\n"))
		}
		w.Write([]byte(
			"gatehouse_request_duration_seconds_bucket{outcome=\"" + outcome + "\",le=\"+Inf\"} " +
				strconv.FormatUint(m.HistTotal[outcome], 10) + "\n"))
		w.Write([]byte(
			"gatehouse_request_duration_seconds_sum{outcome=\"" + outcome + "\"} " +
				strconv.FormatFloat(m.HistSum[outcome], 'f', -1, 64) + "\n"))
		w.Write([]byte(
			"gatehouse_request_duration_seconds_count{outcome=\"" + outcome + "\"} " +
				strconv.FormatUint(m.HistTotal[outcome], 10) + "\n\n"))
	}
}

func (m *Metrics) writeStatusz(w http.ResponseWriter) {
	m.Lock()
	defer m.Unlock()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte("<html><head><title>Status</title></head><body>"))
	w.Write([]byte("<h1>Status</h1>"))
	w.Write([]byte("<p>Inflight: " + strconv.Itoa(m.Inflight) + "</p>"))
	w.Write([]byte("<table border='1' cellpadding='4' cellspacing='0'>"))
	w.Write([]byte("<tr><th>Request</th><th>Start</th><th>Age (s)</th></tr>"))
	now := time.Now()
	for id, t := range m.InflightList {
		age := now.Sub(t).Seconds()
		w.Write([]byte("<tr><td>" + html.EscapeString(id) + "</td><td>" +
			t.Format(time.RFC3339) + "</td><td>" +
			strconv.FormatFloat(age, 'f', 3, 64) + "</td></tr>"))
	}
	w.Write([]byte("</table></body></html>"))
}
