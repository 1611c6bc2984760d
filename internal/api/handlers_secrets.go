package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/secretbroker/internal/crypto"
	"github.com/org/secretbroker/internal/secrets"
	"github.com/org/secretbroker/pkg/models"
)

// SecretCreateHandler handles POST /v1/secrets
func (s *Server) SecretCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string             `json:"name"`
		Environment  models.Environment `json:"environment"`
		ProjectID    string             `json:"project_id"`
		Value        string             `json:"value"`
		Type         models.SecretType  `json:"type"`
		Tags         []string           `json:"tags"`
		RotationDays int                `json:"rotation_days"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	secret, err := s.secrets.Create(r.Context(), secrets.CreateParams{
		Name:         req.Name,
		Environment:  req.Environment,
		ProjectID:    req.ProjectID,
		Value:        req.Value,
		Type:         req.Type,
		Tags:         req.Tags,
		RotationDays: req.RotationDays,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": secret})
}

// SecretListHandler handles GET /v1/secrets
func (s *Server) SecretListHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.SecretFilter{
		ProjectID:   q.Get("project_id"),
		Environment: models.Environment(q.Get("environment")),
		Status:      models.SecretStatus(q.Get("status")),
		Tag:         q.Get("tag"),
	}
	list, err := s.secrets.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

// SecretGetHandler handles GET /v1/secrets/{id}
func (s *Server) SecretGetHandler(w http.ResponseWriter, r *http.Request) {
	secret, err := s.secrets.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": secret})
}

// SecretRevealHandler handles POST /v1/secrets/{id}/reveal. Operator-only
// escape hatch; tools go through proxy tokens instead.
func (s *Server) SecretRevealHandler(w http.ResponseWriter, r *http.Request) {
	value, err := s.secrets.RevealValue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"value": value}})
}

// SecretValueHandler handles PUT /v1/secrets/{id}/value
func (s *Server) SecretValueHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Value == "" {
		writeError(w, http.StatusBadRequest, "value required")
		return
	}
	if err := s.secrets.UpdateValue(r.Context(), chi.URLParam(r, "id"), req.Value); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SecretStatusHandler handles PUT /v1/secrets/{id}/status
func (s *Server) SecretStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.SecretStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Status == "" {
		writeError(w, http.StatusBadRequest, "status required")
		return
	}
	if err := s.secrets.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SecretStrengthHandler handles POST /v1/secrets/strength. Stateless
// validation, useful before storing a caller-supplied value.
func (s *Server) SecretStrengthHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Value == "" {
		writeError(w, http.StatusBadRequest, "value required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": crypto.ValidateStrength(req.Value)})
}
