package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/secretbroker/internal/rotation"
)

// RotationScheduleHandler handles PUT /v1/secrets/{id}/rotation
func (s *Server) RotationScheduleHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FrequencyDays  int      `json:"frequency_days"`
		AutoRotate     bool     `json:"auto_rotate"`
		CronExpression string   `json:"cron_expression"`
		NotifyTargets  []string `json:"notify_targets"`
		IncludeValue   bool     `json:"include_value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FrequencyDays <= 0 {
		writeError(w, http.StatusBadRequest, "frequency_days must be positive")
		return
	}
	policy, err := s.rotation.ScheduleRotation(r.Context(), chi.URLParam(r, "id"), rotation.PolicyParams{
		FrequencyDays:  req.FrequencyDays,
		AutoRotate:     req.AutoRotate,
		CronExpression: req.CronExpression,
		NotifyTargets:  req.NotifyTargets,
		IncludeValue:   req.IncludeValue,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": policy})
}

// RotateHandler handles POST /v1/secrets/{id}/rotate. The old and new
// values go to the caller only; they appear nowhere else.
func (s *Server) RotateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewValue string `json:"new_value"`
	}
	decodeJSON(r, &req) //nolint:errcheck

	result, err := s.rotation.RotateSecret(r.Context(), chi.URLParam(r, "id"), req.NewValue)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"secret_id": result.SecretID,
			"old_value": result.OldValue,
			"new_value": result.NewValue,
		},
	})
}

// RotationPendingHandler handles GET /v1/rotation/pending
func (s *Server) RotationPendingHandler(w http.ResponseWriter, r *http.Request) {
	due, err := s.rotation.CheckPendingRotations(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": due})
}

// RotationBatchHandler handles POST /v1/rotation/batch. Per-secret
// failures land in the outcome, never in the status code.
func (s *Server) RotationBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SecretIDs []string `json:"secret_ids"`
	}
	if err := decodeJSON(r, &req); err != nil || len(req.SecretIDs) == 0 {
		writeError(w, http.StatusBadRequest, "secret_ids required")
		return
	}
	outcome := s.rotation.ExecuteBatchRotation(r.Context(), req.SecretIDs)
	writeJSON(w, http.StatusOK, map[string]any{"data": outcome})
}
