package api

import (
	"net/http"
	"time"
)

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	status := "ok"
	if _, err := s.store.CountLiveTokens(r.Context(), time.Now().UTC()); err != nil {
		code = http.StatusServiceUnavailable
		status = "storage unavailable"
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": "1.0.0",
	})
}
