package handler

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httputil"
	"sync/atomic"
	"time"

	"github.com/mir00r/bulu/internal/domain"
	lberrors "github.com/mir00r/bulu/internal/errors"
	"github.com/mir00r/bulu/internal/middleware"
	"github.com/mir00r/bulu/internal/routing"
	"github.com/mir00r/bulu/internal/service"
	"github.com/mir00r/bulu/pkg/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const forwardedBy = "bulu"

// ForwardConfig bounds a single dispatch
type ForwardConfig struct {
	// Timeout is the deadline for the whole request, retries included
	Timeout time.Duration
	// MaxRetries is how many other nodes are tried after a connection failure
	MaxRetries int
}

// DefaultForwardConfig returns the default dispatch bounds
func DefaultForwardConfig() ForwardConfig {
	return ForwardConfig{Timeout: 30 * time.Second, MaxRetries: 1}
}

type routerState struct {
	router routing.Router
}

// ProxyHandler resolves the request's domain, selects a node and forwards
// the request to it, retrying on other nodes when a node cannot be reached.
type ProxyHandler struct {
	router   atomic.Pointer[routerState]
	settings atomic.Pointer[ForwardConfig]
	metrics  *service.Metrics
	logger   *logger.Logger
	buffers  *bufferPool
	errorLog *log.Logger

	noHealthyLog rate.Sometimes
}

// NewProxyHandler creates a new proxy handler
func NewProxyHandler(router routing.Router, cfg ForwardConfig, metrics *service.Metrics, log *logger.Logger) *ProxyHandler {
	h := &ProxyHandler{
		metrics:      metrics,
		logger:       log.WithField("component", "dispatch"),
		buffers:      newBufferPool(copyBufferSize),
		noHealthyLog: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	h.errorLog = newStdLogger(log)
	h.router.Store(&routerState{router: router})
	h.SetForwardConfig(cfg)
	return h
}

// Router returns the router currently in use
func (h *ProxyHandler) Router() routing.Router {
	return h.router.Load().router
}

// SetRouter atomically replaces the router and returns the previous one.
// Requests already dispatched keep using the router they started with.
func (h *ProxyHandler) SetRouter(r routing.Router) routing.Router {
	return h.router.Swap(&routerState{router: r}).router
}

// SetForwardConfig replaces the dispatch bounds
func (h *ProxyHandler) SetForwardConfig(cfg ForwardConfig) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultForwardConfig().Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	h.settings.Store(&cfg)
}

// ServeHTTP handles incoming HTTP requests
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc, r := domain.EnsureRequestContext(r)
	if rc.State == domain.StateReceived {
		_ = rc.Transition(domain.StateRateChecked)
	}
	cfg := *h.settings.Load()

	host := r.Host
	if host == "" && r.TLS != nil {
		host = r.TLS.ServerName
	}
	pool, err := h.Router().Resolve(host)
	if err != nil {
		h.fail(w, r, rc, err)
		return
	}
	rc.Domain = pool.Name()
	_ = rc.Transition(domain.StateDomainResolved)

	clientCtx := r.Context()
	ctx, cancel := context.WithTimeout(clientCtx, cfg.Timeout)
	defer cancel()
	rc.Deadline, _ = ctx.Deadline()

	outReq := r.WithContext(ctx)
	var body *replayGuard
	if r.Body != nil && r.Body != http.NoBody {
		body = &replayGuard{ReadCloser: r.Body}
		outReq.Body = body
	}

	var tried []*domain.Node
	var lastErr error
	for {
		node, err := pool.Select(tried...)
		if err != nil {
			if len(tried) > 0 {
				err = lberrors.NewUpstreamUnavailableError(tried[len(tried)-1].ID(), len(tried), lastErr)
			}
			h.fail(w, r, rc, err)
			return
		}

		rc.NodeName = node.Name
		_ = rc.Transition(domain.StateNodeSelected)
		_ = rc.Transition(domain.StateForwarding)

		res := h.forward(clientCtx, w, outReq, node, rc)
		nodeLog := h.logger.NodeLogger(node.Domain, node.Name, node.URL.String()).WithField("request_id", rc.RequestID)

		switch res.outcome {
		case outcomeCompleted:
			_ = rc.Transition(domain.StateCompleted)
			node.IncrementRequests()
			h.metrics.ObserveRequest(pool.Name(), node.Name, res.status, time.Since(rc.StartTime))
			return

		case outcomeClientGone:
			_ = rc.Transition(domain.StateFailed)
			nodeLog.WithError(res.err).Debug("Client went away before the response")
			return

		case outcomeBroken:
			_ = rc.Transition(domain.StateFailed)
			node.IncrementFailures()
			nodeLog.WithError(res.err).Warn("Upstream failed after response headers were sent")
			return

		case outcomeTimeout:
			node.IncrementFailures()
			h.fail(w, r, rc, lberrors.NewUpstreamTimeoutError(node.ID(), cfg.Timeout, res.err))
			return
		}

		// outcomeUnreachable
		node.IncrementFailures()
		if pool.MarkUnhealthy(node) {
			nodeLog.WithError(res.err).Warn("Node marked unhealthy after connection failure")
			h.metrics.SetNodeHealth(node.Domain, node.Name, false)
		}
		tried = append(tried, node)
		lastErr = res.err

		if rc.Retries >= cfg.MaxRetries || (body != nil && body.consumed()) {
			h.fail(w, r, rc, lberrors.NewUpstreamUnavailableError(node.ID(), len(tried), res.err))
			return
		}

		_ = rc.Transition(domain.StateRetrying)
		rc.Retries++
		h.metrics.IncrementRetries()
		nodeLog.WithField("retry", rc.Retries).Debug("Retrying on another node")
	}
}

type attemptOutcome int

const (
	outcomeCompleted attemptOutcome = iota
	outcomeClientGone
	outcomeBroken
	outcomeTimeout
	outcomeUnreachable
)

type attemptResult struct {
	outcome attemptOutcome
	status  int
	err     error
}

// forward sends one attempt to node. Errors are classified rather than
// written so the caller can retry while nothing has reached the client.
func (h *ProxyHandler) forward(clientCtx context.Context, w http.ResponseWriter, r *http.Request, node *domain.Node, rc *domain.RequestContext) attemptResult {
	var proxyErr error
	responded := false
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(node.URL)
			pr.Out.Host = pr.In.Host
			pr.Out.Header["X-Forwarded-For"] = pr.In.Header["X-Forwarded-For"]
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Forwarded-By", forwardedBy)
			pr.Out.Header.Set("X-Request-ID", rc.RequestID)
		},
		Transport:  node.Transport,
		BufferPool: h.buffers,
		ErrorLog:   h.errorLog,
		ModifyResponse: func(resp *http.Response) error {
			responded = true
			if resp.Header.Get("X-Request-ID") == "" {
				resp.Header.Set("X-Request-ID", rc.RequestID)
			}
			return nil
		},
		ErrorHandler: func(_ http.ResponseWriter, _ *http.Request, err error) {
			proxyErr = err
		},
	}

	proxy.ServeHTTP(rec, r)

	switch {
	case proxyErr == nil:
		return attemptResult{outcome: outcomeCompleted, status: rec.status}
	case clientCtx.Err() != nil:
		return attemptResult{outcome: outcomeClientGone, err: proxyErr}
	case responded:
		return attemptResult{outcome: outcomeBroken, err: proxyErr}
	case errors.Is(r.Context().Err(), context.DeadlineExceeded):
		return attemptResult{outcome: outcomeTimeout, err: proxyErr}
	default:
		return attemptResult{outcome: outcomeUnreachable, err: proxyErr}
	}
}

func (h *ProxyHandler) fail(w http.ResponseWriter, r *http.Request, rc *domain.RequestContext, err error) {
	entry := h.logger.WithFields(logrus.Fields{
		"request_id": rc.RequestID,
		"host":       rc.Host,
		"domain":     rc.Domain,
		"retries":    rc.Retries,
	}).WithError(err)

	switch lberrors.GetErrorCode(err) {
	case lberrors.ErrCodeUnknownDomain:
		entry.Debug("No domain configured for host")
	case lberrors.ErrCodeNoHealthyNode:
		h.noHealthyLog.Do(func() { entry.Warn("No healthy node available") })
	default:
		entry.Warn("Request failed")
	}

	middleware.Reject(w, r, h.metrics, err)
}

// replayGuard lets a request body be offered to another node as long as
// no byte of it has been read. Close is left to the server.
type replayGuard struct {
	io.ReadCloser
	read atomic.Bool
}

func (g *replayGuard) Read(p []byte) (int, error) {
	n, err := g.ReadCloser.Read(p)
	if n > 0 {
		g.read.Store(true)
	}
	return n, err
}

func (g *replayGuard) Close() error { return nil }

func (g *replayGuard) consumed() bool { return g.read.Load() }

// statusRecorder captures the status code written by the reverse proxy
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader && code >= 200 {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func newStdLogger(l *logger.Logger) *log.Logger {
	return log.New(l.WriterLevel(logrus.WarnLevel), "", 0)
}
