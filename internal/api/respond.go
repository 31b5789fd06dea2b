package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
)

type errorResponse struct {
	Error  string              `json:"error"`
	Fields []domain.FieldError `json:"fields,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// respondErr maps domain errors to status codes: validation 400, missing rows 404, anything else 500.
func respondErr(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Fields: verr.Fields})
	case errors.Is(err, domain.ErrRowNotFound), errors.Is(err, domain.ErrCredentialNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNoWriter):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// platformParam parses an optional ?platform= query value. Empty means all platforms.
func platformParam(r *http.Request) (domain.Platform, error) {
	raw := r.URL.Query().Get("platform")
	if raw == "" {
		return "", nil
	}
	return domain.ParsePlatform(raw)
}
