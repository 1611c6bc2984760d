package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/org/secretbroker/internal/broker"
	"github.com/org/secretbroker/pkg/models"
)

// ToolRegisterHandler handles POST /v1/tools
func (s *Server) ToolRegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name                  string               `json:"name"`
		AllowedSecrets        []string             `json:"allowed_secrets"`
		AllowedEnvironments   []models.Environment `json:"allowed_environments"`
		MaxConcurrentSessions int                  `json:"max_concurrent_sessions"`
		MaxSessionSeconds     int64                `json:"max_session_seconds"`
		RiskLevel             models.RiskLevel     `json:"risk_level"`
		AutoApprove           bool                 `json:"auto_approve"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tool, err := s.broker.RegisterTool(r.Context(), broker.RegisterToolParams{
		Name:                  req.Name,
		AllowedSecrets:        req.AllowedSecrets,
		AllowedEnvironments:   req.AllowedEnvironments,
		MaxConcurrentSessions: req.MaxConcurrentSessions,
		MaxSessionDuration:    time.Duration(req.MaxSessionSeconds) * time.Second,
		RiskLevel:             req.RiskLevel,
		AutoApprove:           req.AutoApprove,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": tool})
}

// ToolListHandler handles GET /v1/tools
func (s *Server) ToolListHandler(w http.ResponseWriter, r *http.Request) {
	tools, err := s.store.ListTools(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": tools})
}

// ToolGetHandler handles GET /v1/tools/{id}
func (s *Server) ToolGetHandler(w http.ResponseWriter, r *http.Request) {
	tool, err := s.store.GetTool(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": tool})
}

// ToolStatusHandler handles PUT /v1/tools/{id}/status
func (s *Server) ToolStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.ToolStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Status == "" {
		writeError(w, http.StatusBadRequest, "status required")
		return
	}
	if err := s.broker.SetToolStatus(r.Context(), chi.URLParam(r, "id"), req.Status); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToolSessionsHandler handles GET /v1/tools/{id}/sessions
func (s *Server) ToolSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListToolSessions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	now := time.Now().UTC()
	type sessionView struct {
		*models.ActiveSession
		Live             bool  `json:"live"`
		RemainingSeconds int64 `json:"remaining_seconds"`
	}
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		v := sessionView{ActiveSession: sess, Live: sess.Live(now)}
		if v.Live {
			v.RemainingSeconds = int64(sess.ExpiresAt.Sub(now).Seconds())
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

// AccessRequestHandler handles POST /v1/access/requests
func (s *Server) AccessRequestHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToolID           string             `json:"tool_id"`
		ProjectID        string             `json:"project_id"`
		SecretNames      []string           `json:"secret_names"`
		Environment      models.Environment `json:"environment"`
		Justification    string             `json:"justification"`
		RequestedSeconds int64              `json:"requested_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	access, err := s.broker.RequestAccess(r.Context(), broker.AccessParams{
		ToolID:            req.ToolID,
		ProjectID:         req.ProjectID,
		SecretNames:       req.SecretNames,
		Environment:       req.Environment,
		Justification:     req.Justification,
		RequestedDuration: time.Duration(req.RequestedSeconds) * time.Second,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": access})
}

// AccessRequestGetHandler handles GET /v1/access/requests/{id}
func (s *Server) AccessRequestGetHandler(w http.ResponseWriter, r *http.Request) {
	req, err := s.broker.GetAccessRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": req})
}

// AccessRequestListHandler handles GET /v1/access/requests?status=
func (s *Server) AccessRequestListHandler(w http.ResponseWriter, r *http.Request) {
	status := models.RequestStatus(r.URL.Query().Get("status"))
	list, err := s.broker.ListAccessRequests(r.Context(), status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

// AccessRequestWaitHandler handles GET /v1/access/requests/{id}/wait. Long
// polls the request's decision: returns immediately when already decided,
// otherwise waits up to timeout_seconds (default 30) for one.
func (s *Server) AccessRequestWaitHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	timeout := 30 * time.Second
	if t := r.URL.Query().Get("timeout_seconds"); t != "" {
		if d, err := time.ParseDuration(t + "s"); err == nil && d > 0 && d <= 5*time.Minute {
			timeout = d
		}
	}

	// Subscribe before checking the store so a decision landing between
	// the two is not missed. The subscription is released on every exit
	// path; otherwise watching an already-decided request would leave the
	// channel registered forever.
	ch, cancel := s.broker.WatchRequest(id)
	defer cancel()
	req, err := s.broker.GetAccessRequest(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if req.Status != models.RequestPending {
		writeJSON(w, http.StatusOK, map[string]any{"data": req})
		return
	}

	select {
	case <-r.Context().Done():
		return
	case <-time.After(timeout):
		writeJSON(w, http.StatusOK, map[string]any{"data": req})
	case <-ch:
		decided, err := s.broker.GetAccessRequest(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": decided})
	}
}

// AccessApproveHandler handles POST /v1/access/requests/{id}/approve
func (s *Server) AccessApproveHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approved bool   `json:"approved"`
		Notes    string `json:"notes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	decided, err := s.broker.ApproveAccessRequest(r.Context(), chi.URLParam(r, "id"), req.Approved, req.Notes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": decided})
}

// AccessActivateHandler handles POST /v1/access/requests/{id}/activate
func (s *Server) AccessActivateHandler(w http.ResponseWriter, r *http.Request) {
	session, tokens, err := s.broker.ActivateAccess(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	type tokenView struct {
		TokenID    string    `json:"token_id"`
		SecretName string    `json:"secret_name"`
		ProxyValue string    `json:"proxy_value"`
		ExpiresAt  time.Time `json:"expires_at"`
	}
	out := make([]tokenView, len(tokens))
	for i, tok := range tokens {
		out[i] = tokenView{
			TokenID:    tok.ID,
			SecretName: tok.SecretName,
			ProxyValue: tok.ProxyValue,
			ExpiresAt:  tok.ExpiresAt,
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"data": map[string]any{
			"session": session,
			"tokens":  out,
		},
	})
}

// TokenResolveHandler handles POST /v1/access/resolve
func (s *Server) TokenResolveHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProxyValue string `json:"proxy_value"`
	}
	if err := decodeJSON(r, &req); err != nil || req.ProxyValue == "" {
		writeError(w, http.StatusBadRequest, "proxy_value required")
		return
	}
	value, err := s.broker.ResolveProxyToken(r.Context(), req.ProxyValue)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"value": value}})
}

// SessionRevokeHandler handles DELETE /v1/sessions/{id}
func (s *Server) SessionRevokeHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.RevokeSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TokenRevokeHandler handles DELETE /v1/tokens/{id}
func (s *Server) TokenRevokeHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.RevokeToken(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
