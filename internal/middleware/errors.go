package middleware

import (
	"encoding/json"
	"net/http"
)

// Machine-readable error codes carried in the envelope.
const (
	CodeMissingAPIKey       = "MISSING_API_KEY"
	CodeInvalidAPIKey       = "INVALID_API_KEY"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	CodeNotFound            = "NOT_FOUND"
	CodeInternalError       = "INTERNAL_ERROR"
)

// ErrorEnvelope is the uniform error response body.
type ErrorEnvelope struct {
	Error     string      `json:"error"`
	Code      string      `json:"code"`
	Details   interface{} `json:"details,omitempty"`
	RequestID string      `json:"requestId"`
}

// WriteError emits the error envelope. The request ID is taken from the
// request context so callers never have to thread it through.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	WriteErrorDetails(w, r, status, code, message, nil)
}

// WriteErrorDetails is WriteError with a details payload (validation field
// errors, idempotency fingerprints).
func WriteErrorDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorEnvelope{
		Error:     message,
		Code:      code,
		Details:   details,
		RequestID: CorrelationID(r.Context()),
	})
}
