package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/waste-dispatch/internal/models"
)

type errorBody struct {
	Error   string              `json:"error"`
	Message string              `json:"message"`
	Fields  []models.FieldError `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

// statusFor maps domain errors onto HTTP statuses and stable error codes.
// Order matters: ErrAlreadyAssigned also wraps ErrConflict.
func statusFor(err error) (int, string) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, models.ErrUnsupportedWasteType):
		return http.StatusBadRequest, "unsupported_waste_type"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, models.ErrAlreadyAssigned):
		return http.StatusConflict, "already_assigned"
	case errors.Is(err, models.ErrIllegalTransition):
		return http.StatusConflict, "illegal_transition"
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, models.ErrCollectorIneligible):
		return http.StatusUnprocessableEntity, "collector_ineligible"
	case errors.Is(err, models.ErrNoCandidatesFound):
		return http.StatusUnprocessableEntity, "no_candidates"
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	body := errorBody{Error: code, Message: err.Error()}
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "err", err)
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		verr := &models.ValidationError{}
		verr.Add("body", "invalid JSON: %v", err)
		return verr
	}
	return nil
}
