package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aristath/quotevault/internal/adjustments"
	"github.com/aristath/quotevault/internal/jobs"
	"github.com/aristath/quotevault/internal/maintenance"
	"github.com/aristath/quotevault/internal/marketdata"
	"github.com/aristath/quotevault/internal/upstream"
)

// Canonical error codes
const (
	codeValidation         = "VALIDATION_ERROR"
	codeSymbolNotFound     = "SYMBOL_NOT_FOUND"
	codeNoDataInRange      = "NO_DATA_IN_RANGE"
	codeTooMuchData        = "TOO_MUCH_DATA"
	codeRateLimited        = "UPSTREAM_RATE_LIMITED"
	codeDatabase           = "DATABASE_ERROR"
	codeMissingAuth        = "MISSING_AUTH"
	codeInvalidToken       = "INVALID_TOKEN"
	codeCheckDisabled      = "ADJUSTMENT_CHECK_DISABLED"
	codeJobNotFound        = "JOB_NOT_FOUND"
	codeJobNotCancellable  = "JOB_NOT_CANCELLABLE"
	codeConfirmationNeeded = "CONFIRMATION_REQUIRED"
)

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes the error envelope
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string,
	details map[string]interface{}) {
	s.writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// writeMappedError translates domain errors to status codes and envelope
// codes. Unrecognized errors are reported as DATABASE_ERROR without leaking
// internals.
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, marketdata.ErrSymbolNotFound),
		errors.Is(err, marketdata.ErrInvalidSymbol):
		s.writeError(w, http.StatusNotFound, codeSymbolNotFound, err.Error(), nil)
	case errors.Is(err, marketdata.ErrNoDataInRange):
		s.writeError(w, http.StatusNotFound, codeNoDataInRange, err.Error(), nil)
	case errors.Is(err, marketdata.ErrTooManySymbols),
		errors.Is(err, marketdata.ErrTooMuchData):
		s.writeError(w, http.StatusBadRequest, codeTooMuchData, err.Error(), nil)
	case errors.Is(err, upstream.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		s.writeError(w, http.StatusServiceUnavailable, codeRateLimited, err.Error(), nil)
	case errors.Is(err, jobs.ErrValidation):
		s.writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
	case errors.Is(err, jobs.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, codeJobNotFound, err.Error(), nil)
	case errors.Is(err, jobs.ErrJobNotCancellable):
		s.writeError(w, http.StatusConflict, codeJobNotCancellable, err.Error(), nil)
	case errors.Is(err, adjustments.ErrEventNotFound):
		s.writeError(w, http.StatusNotFound, codeValidation, err.Error(), nil)
	case errors.Is(err, adjustments.ErrIllegalTransition):
		s.writeError(w, http.StatusConflict, codeValidation, err.Error(), nil)
	case errors.Is(err, maintenance.ErrAdjustmentCheckDisabled):
		s.writeError(w, http.StatusForbidden, codeCheckDisabled, err.Error(), nil)
	default:
		s.log.Error().Err(err).Msg("Request failed")
		s.writeError(w, http.StatusInternalServerError, codeDatabase,
			"internal error", nil)
	}
}
