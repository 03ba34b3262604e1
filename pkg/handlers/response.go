package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
)

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// writeDomainError maps sentinel errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		_ = ErrorResponse(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, apperrors.ErrConflict):
		_ = ErrorResponse(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, apperrors.ErrPermissionDenied):
		_ = ErrorResponse(w, http.StatusForbidden, "permission_denied", err.Error())
	case errors.Is(err, apperrors.ErrRateLimitExceeded):
		_ = ErrorResponse(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, apperrors.ErrSchemaViolation), errors.Is(err, apperrors.ErrInjectionDetected):
		_ = ErrorResponse(w, http.StatusUnprocessableEntity, "invalid_query", err.Error())
	default:
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
