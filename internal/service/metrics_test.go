package service

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecording(t *testing.T) {
	m := NewMetrics()

	m.ObserveRequest("ccc.xbyct.net", "node5", http.StatusOK, 10*time.Millisecond)
	m.ObserveRequest("ccc.xbyct.net", "node5", http.StatusOK, 20*time.Millisecond)
	m.IncrementErrors("RATE_LIMITED")
	m.IncrementRetries()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("ccc.xbyct.net", "node5", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("RATE_LIMITED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries))

	stats := m.GetStats()
	assert.Equal(t, int64(2), stats["total_requests"])
	assert.Equal(t, int64(1), stats["total_errors"])
	assert.Equal(t, int64(1), stats["total_retries"])
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.SetNodeHealth("_", "a", true)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `bulu_node_healthy{domain="_",node="a"} 1`)
}

func TestMetricsInstancesAreIndependent(t *testing.T) {
	// Each instance owns its registry, so building two must not panic
	assert.NotPanics(t, func() {
		NewMetrics()
		NewMetrics()
	})
}
