package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mir00r/bulu/internal/domain"
	"github.com/mir00r/bulu/pkg/logger"
)

// HealthCheckConfig controls probing. An empty Path selects a plain TCP
// dial; otherwise an HTTP GET of Path must answer 2xx.
type HealthCheckConfig struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
	Path     string
}

// PoolSource returns the pools currently in service. It is consulted on
// every round so reloaded configurations are picked up.
type PoolSource func() []*Pool

// ProbeResult is the outcome of probing one node
type ProbeResult struct {
	Node     *domain.Node
	Err      error
	Duration time.Duration
}

// HealthChecker probes nodes and moves them in and out of rotation
type HealthChecker struct {
	config    HealthCheckConfig
	source    PoolSource
	metrics   *Metrics
	client    *http.Client
	logger    *logger.Logger
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.Mutex
}

// NewHealthChecker creates a new health checker instance. metrics may be nil.
func NewHealthChecker(config HealthCheckConfig, source PoolSource, metrics *Metrics, log *logger.Logger) *HealthChecker {
	return &HealthChecker{
		config:  config,
		source:  source,
		metrics: metrics,
		client: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				DisableCompression:  true,
				MaxIdleConnsPerHost: 2,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:   log.HealthCheckLogger(),
		stopChan: make(chan struct{}),
	}
}

// Check probes a single node without changing its state
func (hc *HealthChecker) Check(ctx context.Context, node *domain.Node) error {
	if hc.config.Path == "" {
		dialer := net.Dialer{Timeout: hc.config.Timeout}
		conn, err := dialer.DialContext(ctx, "tcp", hostPort(node))
		if err != nil {
			return fmt.Errorf("dial %s: %w", node.URL.Host, err)
		}
		return conn.Close()
	}

	healthURL := strings.TrimSuffix(node.URL.String(), "/") + "/" + strings.TrimPrefix(hc.config.Path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	req.Header.Set("User-Agent", "bulu-health-checker/1.0")

	resp, err := hc.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// ProbeAll checks every node of every pool once, concurrently, and applies
// the results. It is run at startup so unreachable nodes start out of
// rotation instead of failing their first requests.
func (hc *HealthChecker) ProbeAll(ctx context.Context) []ProbeResult {
	return hc.probe(ctx, false)
}

// ProbeUnhealthy checks only the nodes currently out of rotation
func (hc *HealthChecker) ProbeUnhealthy(ctx context.Context) []ProbeResult {
	return hc.probe(ctx, true)
}

func (hc *HealthChecker) probe(ctx context.Context, unhealthyOnly bool) []ProbeResult {
	var results []ProbeResult
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, pool := range hc.source() {
		for _, node := range pool.Nodes() {
			if unhealthyOnly && node.IsHealthy() {
				continue
			}
			wg.Add(1)
			go func(pool *Pool, node *domain.Node) {
				defer wg.Done()
				checkCtx, cancel := context.WithTimeout(ctx, hc.config.Timeout)
				defer cancel()

				start := time.Now()
				err := hc.Check(checkCtx, node)
				hc.apply(pool, node, err)

				mu.Lock()
				results = append(results, ProbeResult{Node: node, Err: err, Duration: time.Since(start)})
				mu.Unlock()
			}(pool, node)
		}
	}

	wg.Wait()
	return results
}

// StartChecking starts periodic health checking of all pools. With checks
// disabled the loop still runs, but only re-probes nodes that are out of
// rotation so a node dropped after a failed request can come back.
func (hc *HealthChecker) StartChecking(ctx context.Context) error {
	if hc.config.Interval <= 0 {
		return fmt.Errorf("health check interval must be positive, got %v", hc.config.Interval)
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()

	if hc.isRunning {
		return fmt.Errorf("health checker is already running")
	}

	hc.isRunning = true
	if hc.config.Enabled {
		hc.logger.Infof("Starting health checker with interval %v", hc.config.Interval)
	} else {
		hc.logger.Infof("Periodic health checks disabled, re-probing unhealthy nodes every %v", hc.config.Interval)
	}

	hc.wg.Add(1)
	go hc.healthCheckLoop(ctx)
	return nil
}

// StopChecking stops health checking
func (hc *HealthChecker) StopChecking() {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if !hc.isRunning {
		return
	}

	close(hc.stopChan)
	hc.wg.Wait()
	hc.isRunning = false
	hc.stopChan = make(chan struct{})
	hc.logger.Info("Health checker stopped")
}

func (hc *HealthChecker) healthCheckLoop(ctx context.Context) {
	defer hc.wg.Done()

	ticker := time.NewTicker(hc.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hc.stopChan:
			return
		case <-ticker.C:
			hc.probe(ctx, !hc.config.Enabled)
		}
	}
}

func (hc *HealthChecker) apply(pool *Pool, node *domain.Node, err error) {
	log := hc.logger.NodeLogger(node.Domain, node.Name, node.URL.String())

	if err != nil {
		if pool.MarkUnhealthy(node) {
			log.WithError(err).Warn("Node marked unhealthy")
		}
	} else if pool.MarkHealthy(node) {
		log.Info("Node marked healthy")
	}

	if hc.metrics != nil {
		hc.metrics.SetNodeHealth(node.Domain, node.Name, node.IsHealthy())
	}
}

func hostPort(node *domain.Node) string {
	if node.URL.Port() != "" {
		return node.URL.Host
	}
	port := "80"
	if node.URL.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(node.URL.Hostname(), port)
}
