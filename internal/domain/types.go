package domain

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// FlatDomain is the domain name reported for nodes of the single global pool
const FlatDomain = "_"

// Node represents one backend server eligible to receive proxied traffic.
// Name, URL and Weight never change after construction; only health and
// counters are mutated at runtime.
type Node struct {
	Name   string   `json:"name"`
	Domain string   `json:"domain"`
	URL    *url.URL `json:"-"`
	Weight int      `json:"weight"`

	// Transport pools connections to this node only
	Transport *http.Transport `json:"-"`

	healthy       atomic.Bool
	totalRequests atomic.Int64
	failureCount  atomic.Int64
	lastFailure   atomic.Int64
}

// TransportConfig tunes the per-node upstream connection pool
type TransportConfig struct {
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConnsPerHost   int
}

// DefaultTransportConfig returns the connection pool settings used when none are configured
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		DialTimeout:           2 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   64,
	}
}

// NewNode creates a healthy node with its own upstream transport
func NewNode(domainName, name string, u *url.URL, weight int, tc TransportConfig) *Node {
	n := &Node{
		Name:   name,
		Domain: domainName,
		URL:    u,
		Weight: weight,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   tc.DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          tc.MaxIdleConnsPerHost,
			MaxIdleConnsPerHost:   tc.MaxIdleConnsPerHost,
			IdleConnTimeout:       tc.IdleConnTimeout,
			ResponseHeaderTimeout: tc.ResponseHeaderTimeout,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
	n.healthy.Store(true)
	return n
}

// ID returns the admin-facing identifier domain/name
func (n *Node) ID() string {
	return n.Domain + "/" + n.Name
}

// IsHealthy reports whether the node may be selected
func (n *Node) IsHealthy() bool {
	return n.healthy.Load()
}

// SetHealthy updates the health flag and reports whether it changed
func (n *Node) SetHealthy(healthy bool) bool {
	changed := n.healthy.CompareAndSwap(!healthy, healthy)
	if changed && !healthy && n.Transport != nil {
		n.Transport.CloseIdleConnections()
	}
	return changed
}

// IncrementRequests atomically increments the total request count
func (n *Node) IncrementRequests() {
	n.totalRequests.Add(1)
}

// GetTotalRequests returns the total number of requests forwarded to the node
func (n *Node) GetTotalRequests() int64 {
	return n.totalRequests.Load()
}

// IncrementFailures atomically increments the failure count
func (n *Node) IncrementFailures() {
	n.failureCount.Add(1)
	n.lastFailure.Store(time.Now().UnixNano())
}

// GetFailureCount returns the number of upstream failures seen for the node
func (n *Node) GetFailureCount() int64 {
	return n.failureCount.Load()
}

// GetLastFailure returns the time of the last upstream failure, zero if none
func (n *Node) GetLastFailure() time.Time {
	ns := n.lastFailure.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// RequestState is a step of the per-request dispatch state machine
type RequestState int

const (
	StateReceived RequestState = iota
	StateRateChecked
	StateDomainResolved
	StateNodeSelected
	StateForwarding
	StateRetrying
	StateCompleted
	StateFailed
)

// String returns the string representation of RequestState
func (s RequestState) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateRateChecked:
		return "rate_checked"
	case StateDomainResolved:
		return "domain_resolved"
	case StateNodeSelected:
		return "node_selected"
	case StateForwarding:
		return "forwarding"
	case StateRetrying:
		return "retrying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible
func (s RequestState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var transitions = map[RequestState][]RequestState{
	StateReceived:       {StateRateChecked, StateFailed},
	StateRateChecked:    {StateDomainResolved, StateFailed},
	StateDomainResolved: {StateNodeSelected, StateFailed},
	StateNodeSelected:   {StateForwarding, StateFailed},
	StateForwarding:     {StateCompleted, StateRetrying, StateFailed},
	StateRetrying:       {StateNodeSelected, StateFailed},
}

// RequestContext carries per-request dispatch state. It is created when a
// request arrives and discarded when the response completes.
type RequestContext struct {
	RequestID  string
	RemoteAddr string
	Method     string
	Host       string
	Path       string
	StartTime  time.Time
	Deadline   time.Time

	Domain   string
	NodeName string
	Retries  int
	State    RequestState
}

// NewRequestContext creates a new RequestContext from an HTTP request
func NewRequestContext(r *http.Request) *RequestContext {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &RequestContext{
		RequestID:  requestID,
		RemoteAddr: r.RemoteAddr,
		Method:     r.Method,
		Host:       r.Host,
		Path:       r.URL.Path,
		StartTime:  time.Now(),
		State:      StateReceived,
	}
}

// Transition moves the request to the next state, rejecting moves the
// dispatch state machine does not allow.
func (rc *RequestContext) Transition(to RequestState) error {
	for _, allowed := range transitions[rc.State] {
		if allowed == to {
			rc.State = to
			return nil
		}
	}
	return fmt.Errorf("invalid request state transition %s -> %s", rc.State, to)
}

type requestContextKey struct{}

// WithRequestContext stores rc in ctx
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the RequestContext stored in ctx, if any
func RequestContextFrom(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok
}

// EnsureRequestContext returns the request's RequestContext, attaching a new one when missing
func EnsureRequestContext(r *http.Request) (*RequestContext, *http.Request) {
	if rc, ok := RequestContextFrom(r.Context()); ok {
		return rc, r
	}
	rc := NewRequestContext(r)
	return rc, r.WithContext(WithRequestContext(r.Context(), rc))
}

// NormalizeHost reduces a Host header or domain key to its lowercase
// hostname: any port is dropped, IPv6 brackets are removed and a trailing
// dot is ignored.
func NormalizeHost(host string) string {
	h := strings.TrimSpace(host)
	if hh, _, err := net.SplitHostPort(h); err == nil {
		h = hh
	} else {
		h = strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
	}
	h = strings.TrimSuffix(h, ".")
	return strings.ToLower(h)
}
