package api

import (
	"fmt"
	"net/http"
	"time"
)

// Version is reported by the health endpoint, set at build time
var Version = "dev"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint
// This is a simple liveness check - returns 200 if the process is alive
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
	})
}

// readyHandler implements the /ready endpoint
// The daemon is ready once the configuration store answers. The state of
// the target service is reported but does not affect readiness, since a
// stopped target is a valid configuration.
func (s *Server) readyHandler(w http.ResponseWriter, _ *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	if s.manager == nil {
		checks["storage"] = "not initialized"
		ready = false
		message = "Manager not initialized"
	} else if _, err := s.manager.GlobalConfig(); err != nil {
		checks["storage"] = fmt.Sprintf("error: %v", err)
		ready = false
		message = "Storage not accessible"
	} else {
		checks["storage"] = "ok"
	}

	if s.service == nil {
		checks["target"] = "not configured"
	} else {
		switch st := s.service.Status(); {
		case st.Error != "":
			checks["target"] = "error: " + st.Error
		case st.Running:
			checks["target"] = "running (" + st.Backend + ")"
		default:
			checks["target"] = "stopped"
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}
