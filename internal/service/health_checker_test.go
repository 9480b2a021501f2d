package service

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mir00r/bulu/internal/domain"
	"github.com/mir00r/bulu/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closedAddr returns an address nothing listens on
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func poolOf(t *testing.T, rawURLs ...string) *Pool {
	t.Helper()
	nodes := make([]*domain.Node, len(rawURLs))
	for i, raw := range rawURLs {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		nodes[i] = domain.NewNode("probe.example", string(rune('a'+i)), u, 1, domain.DefaultTransportConfig())
	}
	p, err := NewPool("probe.example", nodes)
	require.NoError(t, err)
	return p
}

func TestProbeAllTCP(t *testing.T) {
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer live.Close()

	p := poolOf(t, live.URL, "http://"+closedAddr(t))
	metrics := NewMetrics()
	hc := NewHealthChecker(HealthCheckConfig{Timeout: time.Second}, func() []*Pool { return []*Pool{p} }, metrics, logger.NewNop())

	results := hc.ProbeAll(context.Background())
	require.Len(t, results, 2)

	a, _ := p.Lookup("a")
	b, _ := p.Lookup("b")
	assert.True(t, a.IsHealthy())
	assert.False(t, b.IsHealthy(), "unreachable node starts out of rotation")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.nodeHealthy.WithLabelValues("probe.example", "a")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.nodeHealthy.WithLabelValues("probe.example", "b")))
}

func TestProbeHTTPPath(t *testing.T) {
	var healthy atomic.Bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" || !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := poolOf(t, backend.URL)
	node, _ := p.Lookup("a")
	hc := NewHealthChecker(HealthCheckConfig{Timeout: time.Second, Path: "/healthz"}, func() []*Pool { return []*Pool{p} }, nil, logger.NewNop())

	hc.ProbeAll(context.Background())
	assert.False(t, node.IsHealthy())

	healthy.Store(true)
	hc.ProbeAll(context.Background())
	assert.True(t, node.IsHealthy(), "recovered node returns to rotation")
}

func TestStartStopChecking(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	p := poolOf(t, backend.URL)
	node, _ := p.Lookup("a")
	p.MarkUnhealthy(node)

	hc := NewHealthChecker(HealthCheckConfig{
		Enabled:  true,
		Interval: 20 * time.Millisecond,
		Timeout:  time.Second,
	}, func() []*Pool { return []*Pool{p} }, nil, logger.NewNop())

	require.NoError(t, hc.StartChecking(context.Background()))
	assert.Error(t, hc.StartChecking(context.Background()), "already running")

	assert.Eventually(t, node.IsHealthy, 2*time.Second, 10*time.Millisecond)
	hc.StopChecking()
	hc.StopChecking()
}

func TestDisabledCheckerRecoversUnhealthyNodes(t *testing.T) {
	var hits [2]atomic.Int64
	backends := make([]*httptest.Server, 2)
	for i := range backends {
		i := i
		backends[i] = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits[i].Add(1)
		}))
		defer backends[i].Close()
	}

	p := poolOf(t, backends[0].URL, backends[1].URL)
	down, _ := p.Lookup("a")
	up, _ := p.Lookup("b")
	p.MarkUnhealthy(down)

	hc := NewHealthChecker(HealthCheckConfig{
		Interval: 20 * time.Millisecond,
		Timeout:  time.Second,
		Path:     "/health",
	}, func() []*Pool { return []*Pool{p} }, nil, logger.NewNop())

	require.NoError(t, hc.StartChecking(context.Background()))
	defer hc.StopChecking()

	assert.Eventually(t, down.IsHealthy, 2*time.Second, 10*time.Millisecond,
		"a node dropped after failed requests returns without periodic checks")
	assert.True(t, up.IsHealthy())
	assert.Equal(t, int64(0), hits[1].Load(), "healthy nodes are not probed")
}

func TestStartCheckingRejectsZeroInterval(t *testing.T) {
	hc := NewHealthChecker(HealthCheckConfig{Timeout: time.Second}, func() []*Pool { return nil }, nil, logger.NewNop())
	assert.Error(t, hc.StartChecking(context.Background()))
	hc.StopChecking()
}

func TestProbeUnhealthySkipsHealthyNodes(t *testing.T) {
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer live.Close()

	p := poolOf(t, live.URL, "http://"+closedAddr(t))
	hc := NewHealthChecker(HealthCheckConfig{Timeout: time.Second}, func() []*Pool { return []*Pool{p} }, nil, logger.NewNop())

	assert.Empty(t, hc.ProbeUnhealthy(context.Background()))

	b, _ := p.Lookup("b")
	p.MarkUnhealthy(b)
	results := hc.ProbeUnhealthy(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, b, results[0].Node)
	assert.Error(t, results[0].Err)
	assert.False(t, b.IsHealthy())
}
