package handler

import (
	"net/http"
	"time"
)

// ReadinessFunc reports whether the process can serve traffic and why not
type ReadinessFunc func() (bool, string)

// HealthHandler provides application health check endpoints
type HealthHandler struct {
	startTime time.Time
	version   string
	ready     ReadinessFunc
}

// NewHealthHandler creates a new health handler. A nil ready func means
// always ready.
func NewHealthHandler(version string, ready ReadinessFunc) *HealthHandler {
	return &HealthHandler{
		startTime: time.Now(),
		version:   version,
		ready:     ready,
	}
}

// ReadinessHandler checks if the application is ready to serve traffic
func (h *HealthHandler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready, reason := true, ""
	if h.ready != nil {
		ready, reason = h.ready()
	}

	response := map[string]interface{}{
		"status":    "ready",
		"timestamp": time.Now().UTC(),
		"version":   h.version,
		"uptime":    time.Since(h.startTime).String(),
	}
	status := http.StatusOK
	if !ready {
		response["status"] = "not_ready"
		response["reason"] = reason
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
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
