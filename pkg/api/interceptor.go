package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/truenas/nvmetd/pkg/metrics"
)

// ReadOnly wraps a handler so that it only serves read-only requests.
// This is used for the UNIX socket listener so that local monitoring can
// not change the configuration.
func ReadOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isReadOnlyMethod(r.Method) {
			writeJSON(w, http.StatusForbidden, ErrorResponse{
				Error: "write operations not allowed on the UNIX socket - use the TCP listener (nvmetctl --addr <host:port>)",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isReadOnlyMethod checks if an HTTP method is read-only
func isReadOnlyMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument records request metrics and logs every request
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)

		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("duration", timer.Duration()).
			Msg("Request served")
	})
}
