package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/org/secretbroker/pkg/models"
)

func auditFilterFromQuery(r *http.Request) models.AuditFilter {
	q := r.URL.Query()
	filter := models.AuditFilter{
		SecretID:  q.Get("secret_id"),
		ToolID:    q.Get("tool_id"),
		EventType: q.Get("event_type"),
		Severity:  models.Severity(q.Get("severity")),
		Limit:     100,
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = &t
		}
	}
	return filter
}

// AuditUsageHandler handles GET /v1/audit/usage
func (s *Server) AuditUsageHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := s.sink.QueryUsage(r.Context(), auditFilterFromQuery(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

// AuditEventsHandler handles GET /v1/audit/events
func (s *Server) AuditEventsHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := s.sink.QueryEvents(r.Context(), auditFilterFromQuery(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}
