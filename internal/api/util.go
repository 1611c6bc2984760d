package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/org/secretbroker/internal/broker"
	"github.com/org/secretbroker/internal/rotation"
	"github.com/org/secretbroker/internal/secrets"
	"github.com/org/secretbroker/internal/storage"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"errors":[%q]}`, msg)
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// writeServiceError maps domain errors onto HTTP status codes. Anything
// unmapped is a 500.
func writeServiceError(w http.ResponseWriter, err error) {
	var unauth *broker.UnauthorizedSecretsError
	var partial *broker.PartialMintError
	switch {
	case errors.As(err, &unauth):
		writeError(w, http.StatusForbidden, unauth.Error())
	case errors.As(err, &partial):
		writeJSON(w, http.StatusConflict, map[string]any{
			"errors":     []string{partial.Error()},
			"session_id": partial.SessionID,
			"minted":     partial.Minted,
			"failed":     partial.Failed,
		})
	case errors.Is(err, broker.ErrToolNotRegistered),
		errors.Is(err, broker.ErrRequestNotFound),
		errors.Is(err, broker.ErrSessionNotFound),
		errors.Is(err, secrets.ErrSecretNotFound),
		errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, broker.ErrToolNotActive),
		errors.Is(err, broker.ErrEnvironmentNotAllowed):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, broker.ErrInvalidOrExpiredToken):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, broker.ErrSessionLimitExceeded),
		errors.Is(err, broker.ErrRequestDecided),
		errors.Is(err, broker.ErrRequestNotApproved),
		errors.Is(err, broker.ErrRequestConsumed),
		errors.Is(err, rotation.ErrRotationConflict),
		errors.Is(err, storage.ErrAlreadyExists),
		errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, secrets.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
