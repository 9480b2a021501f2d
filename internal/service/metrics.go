package service

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects proxy metrics on a private Prometheus registry
type Metrics struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	errors      *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	retries     prometheus.Counter
	nodeHealthy *prometheus.GaugeVec
	startTime   time.Time

	totalRequests atomic.Int64
	totalErrors   atomic.Int64
	totalRetries  atomic.Int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulu",
			Name:      "requests_total",
			Help:      "Requests forwarded to a node, by upstream status code.",
		}, []string{"domain", "node", "code"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulu",
			Name:      "errors_total",
			Help:      "Requests answered locally with an error, by error code.",
		}, []string{"code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bulu",
			Name:      "request_duration_seconds",
			Help:      "Time from request receipt to upstream response completion.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"domain", "node"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bulu",
			Name:      "retries_total",
			Help:      "Forwarding attempts retried on another node.",
		}),
		nodeHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bulu",
			Name:      "node_healthy",
			Help:      "Node health status (1=healthy, 0=unhealthy).",
		}, []string{"domain", "node"}),
	}

	m.registry.MustRegister(
		m.requests,
		m.errors,
		m.latency,
		m.retries,
		m.nodeHealthy,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records a forwarded request and its latency
func (m *Metrics) ObserveRequest(domainName, node string, status int, duration time.Duration) {
	m.totalRequests.Add(1)
	m.requests.WithLabelValues(domainName, node, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(domainName, node).Observe(duration.Seconds())
}

// IncrementErrors records a locally generated error response
func (m *Metrics) IncrementErrors(code string) {
	m.totalErrors.Add(1)
	m.errors.WithLabelValues(code).Inc()
}

// IncrementRetries records a retry on another node
func (m *Metrics) IncrementRetries() {
	m.totalRetries.Add(1)
	m.retries.Inc()
}

// SetNodeHealth publishes the health of a node
func (m *Metrics) SetNodeHealth(domainName, node string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.nodeHealthy.WithLabelValues(domainName, node).Set(v)
}

// GetStats returns a summary for the admin status endpoint
func (m *Metrics) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"total_requests": m.totalRequests.Load(),
		"total_errors":   m.totalErrors.Load(),
		"total_retries":  m.totalRetries.Load(),
		"uptime":         time.Since(m.startTime).Round(time.Second).String(),
	}
}
