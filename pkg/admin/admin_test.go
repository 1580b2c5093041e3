package admin

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)

	HandleHealth(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, "should return 200 OK")
	// Body can be empty or "ok"—don’t assert exact value.
}

func TestHandleMetricsAndStatusz(t *testing.T) {
	m := NewMetrics()

	// Seed some counters.
	m.TotalRequests = 7
	m.Signed = 4
	m.Failed = 2
	m.Inflight = 2
	m.ObserveSignDuration(12 * time.Millisecond)

	// Populate in-flight list to render in /statusz.
	m.InflightList["req1"] = time.Now().Add(-2 * time.Second)
	m.InflightList["req2"] = time.Now().Add(-1 * time.Second)

	// /metrics
	rr := httptest.NewRecorder()
	HandleMetrics(rr, m)
	require.Equal(t, http.StatusOK, rr.Code, "metrics should return 200")

	body := rr.Body.String()
	assert.Contains(t, body, "forge_requests_total", "should include total requests metric")
	assert.Contains(t, body, "forge_signed_total", "should include signed metric")
	assert.Contains(t, body, "forge_failed_total", "should include failed metric")
	assert.Contains(t, body, "forge_inflight", "should include inflight gauge")
	assert.Contains(t, body, "forge_sign_duration_seconds_bucket", "should include the signing histogram")
	// Basic formatting sanity
	assert.True(t, strings.Contains(body, "\n"), "prometheus format should be multiline")

	// /statusz
	rr2 := httptest.NewRecorder()
	HandleStatusz(rr2, m)
	require.Equal(t, http.StatusOK, rr2.Code, "statusz should return 200")

	html := rr2.Body.String()
	assert.Contains(t, html, "req1", "statusz should list inflight request keys")
	assert.Contains(t, html, "req2", "statusz should list inflight request keys")
	assert.Contains(t, html, "<table", "statusz should render an HTML table")
}

func TestObserveDurationBuckets(t *testing.T) {
	m := NewMetrics()
	m.ObserveDuration("sign", 0.003)
	m.ObserveDuration("sign", 0.3)
	m.ObserveDuration("sign", 60) // beyond the last bucket

	require.Len(t, m.HistCounts["sign"], len(HistogramBuckets))
	assert.Equal(t, uint64(3), m.HistTotal["sign"])
	assert.Equal(t, uint64(1), m.HistCounts["sign"][0])
	assert.InDelta(t, 60.303, m.HistSum["sign"], 0.001)

	// the over-the-top observation lands only in the implicit +Inf bucket,
	// never in the last finite one
	last := len(HistogramBuckets) - 1
	assert.Equal(t, uint64(0), m.HistCounts["sign"][last])

	rr := httptest.NewRecorder()
	HandleMetrics(rr, m)
	body := rr.Body.String()
	assert.Contains(t, body, `le="10"} 2`)
	assert.Contains(t, body, `le="+Inf"} 3`)
}
