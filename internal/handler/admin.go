package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mir00r/bulu/internal/domain"
	"github.com/mir00r/bulu/internal/service"
	"github.com/mir00r/bulu/pkg/logger"
)

// AdminHandler provides administrative API endpoints
type AdminHandler struct {
	source    RouterSource
	metrics   *service.Metrics
	health    *HealthHandler
	logger    *logger.Logger
	startTime time.Time
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(source RouterSource, metrics *service.Metrics, version string, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		source:    source,
		metrics:   metrics,
		health:    NewHealthHandler(source, version),
		logger:    log.AdminLogger(),
		startTime: time.Now(),
	}
}

// NodeResponse represents node information in API responses
type NodeResponse struct {
	Domain        string     `json:"domain"`
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	Weight        int        `json:"weight"`
	Healthy       bool       `json:"healthy"`
	TotalRequests int64      `json:"total_requests"`
	Failures      int64      `json:"failures"`
	LastFailure   *time.Time `json:"last_failure,omitempty"`
}

// DomainStatus summarises one pool
type DomainStatus struct {
	Domain       string `json:"domain"`
	Nodes        int    `json:"nodes"`
	HealthyNodes int    `json:"healthy_nodes"`
	TotalWeight  int    `json:"total_weight"`
}

// StatusResponse is returned by GET /status
type StatusResponse struct {
	Mode    string                 `json:"mode"`
	Uptime  string                 `json:"uptime"`
	Domains []DomainStatus         `json:"domains"`
	Stats   map[string]interface{} `json:"stats"`
}

// HealthOverride is the body of PUT /nodes/{domain}/{node}/health
type HealthOverride struct {
	Healthy *bool `json:"healthy"`
}

// Routes builds the admin router
func (h *AdminHandler) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", h.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/nodes", h.ListNodesHandler).Methods(http.MethodGet)
	r.HandleFunc("/nodes/{domain}/{node}/health", h.SetNodeHealthHandler).Methods(http.MethodPut)
	r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/liveness", h.health.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/readiness", h.health.ReadinessHandler).Methods(http.MethodGet)
	return r
}

// StatusHandler returns uptime, routing mode and per-domain health
func (h *AdminHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	router := h.source.Router()
	resp := StatusResponse{
		Mode:   string(router.Mode()),
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
		Stats:  h.metrics.GetStats(),
	}
	for _, p := range router.Pools() {
		resp.Domains = append(resp.Domains, DomainStatus{
			Domain:       p.Name(),
			Nodes:        len(p.Nodes()),
			HealthyNodes: p.HealthyCount(),
			TotalWeight:  p.TotalWeight(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListNodesHandler returns every node of every pool
func (h *AdminHandler) ListNodesHandler(w http.ResponseWriter, r *http.Request) {
	nodes := make([]NodeResponse, 0)
	for _, p := range h.source.Router().Pools() {
		for _, n := range p.Nodes() {
			nodes = append(nodes, toNodeResponse(n))
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": nodes,
		"total": len(nodes),
	})
}

// SetNodeHealthHandler manually moves a node in or out of rotation
func (h *AdminHandler) SetNodeHealthHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	pool, ok := h.source.Router().Pool(vars["domain"])
	if !ok {
		h.writeErrorResponse(w, "unknown domain", http.StatusNotFound)
		return
	}
	node, ok := pool.Lookup(vars["node"])
	if !ok {
		h.writeErrorResponse(w, "unknown node", http.StatusNotFound)
		return
	}

	var req HealthOverride
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Healthy == nil {
		h.writeErrorResponse(w, `body must be {"healthy": true|false}`, http.StatusBadRequest)
		return
	}

	var changed bool
	if *req.Healthy {
		changed = pool.MarkHealthy(node)
	} else {
		changed = pool.MarkUnhealthy(node)
	}
	h.metrics.SetNodeHealth(node.Domain, node.Name, node.IsHealthy())

	if changed {
		h.logger.WithFields(map[string]interface{}{
			"node":    node.ID(),
			"healthy": *req.Healthy,
		}).Info("Node health overridden")
	}

	writeJSON(w, http.StatusOK, toNodeResponse(node))
}

func toNodeResponse(n *domain.Node) NodeResponse {
	resp := NodeResponse{
		Domain:        n.Domain,
		Name:          n.Name,
		URL:           n.URL.String(),
		Weight:        n.Weight,
		Healthy:       n.IsHealthy(),
		TotalRequests: n.GetTotalRequests(),
		Failures:      n.GetFailureCount(),
	}
	if last := n.GetLastFailure(); !last.IsZero() {
		resp.LastFailure = &last
	}
	return resp
}

func (h *AdminHandler) writeErrorResponse(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]interface{}{
		"error":   http.StatusText(code),
		"message": message,
		"status":  code,
	})
}
