package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstancesDoNotShareRegistry(t *testing.T) {
	a, b := New(), New()
	a.ItemsIngested.Add(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(a.ItemsIngested))
	assert.Zero(t, testutil.ToFloat64(b.ItemsIngested))
}

func TestObserveSweep(t *testing.T) {
	m := New()
	started := time.Unix(1700000000, 0)
	m.ObserveSweep("completed", started, started.Add(2*time.Second))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepsTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(started.Add(2*time.Second).Unix()), testutil.ToFloat64(m.LastSweepTimestamp))
}

func TestObserveHTTPBucketsStatus(t *testing.T) {
	m := New()
	m.ObserveHTTP("GET", "/api/news", 200, time.Millisecond)
	m.ObserveHTTP("GET", "/api/news", 404, time.Millisecond)
	m.ObserveHTTP("GET", "/api/news", 503, time.Millisecond)

	for _, code := range []string{"2xx", "4xx", "5xx"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/news", code)), code)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.DuplicatesSkipped.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "telereader_duplicates_skipped_total 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
