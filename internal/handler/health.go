package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mir00r/bulu/internal/routing"
)

// RouterSource returns the router currently serving traffic
type RouterSource interface {
	Router() routing.Router
}

// HealthHandler provides the liveness and readiness endpoints
type HealthHandler struct {
	source    RouterSource
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(source RouterSource, version string) *HealthHandler {
	return &HealthHandler{
		source:    source,
		startTime: time.Now(),
		version:   version,
	}
}

// ReadinessHandler reports ready when every pool has a healthy node
func (h *HealthHandler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	var drained []string
	for _, p := range h.source.Router().Pools() {
		if p.HealthyCount() == 0 {
			drained = append(drained, p.Name())
		}
	}

	status, code := "ready", http.StatusOK
	if len(drained) > 0 {
		status, code = "not_ready", http.StatusServiceUnavailable
	}

	response := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   h.version,
		"uptime":    time.Since(h.startTime).String(),
	}
	if len(drained) > 0 {
		response["unavailable_domains"] = drained
	}

	writeJSON(w, code, response)
}

// LivenessHandler checks if the application is alive
func (h *HealthHandler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
		"version":   h.version,
		"uptime":    time.Since(h.startTime).String(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
