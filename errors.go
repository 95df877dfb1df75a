package main

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Domain error kinds returned by the key lifecycle service and the store.
// Handlers map these to HTTP statuses; everything else is treated as a
// transient store failure and answered with a 503.
var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrRateLimited     = errors.New("rate limited")
	ErrConflict        = errors.New("conflict")
	ErrExpired         = errors.New("expired")
	ErrTaskNotComplete = errors.New("task not complete")
	ErrInvalidTier     = errors.New("invalid tier")
	ErrExhausted       = errors.New("token space exhausted")

	// Identity provider failures.
	ErrInvalidCode        = errors.New("invalid authorization code")
	ErrMembershipRequired = errors.New("guild membership required")
	ErrProvider           = errors.New("identity provider error")
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// writeServiceError maps a lifecycle/store error onto a status code and
// structured body. Unrecognized errors are assumed transient (timeouts,
// connection failures) and surfaced as 503 so clients retry.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Key not found")
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Operation not permitted")
	case errors.Is(err, ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Reset already used within the last 7 days")
	case errors.Is(err, ErrExpired):
		writeError(w, http.StatusGone, "KEY_EXPIRED", "Key has expired")
	case errors.Is(err, ErrTaskNotComplete):
		writeError(w, http.StatusForbidden, "TASK_NOT_COMPLETE", "Complete the Linkvertise task first")
	case errors.Is(err, ErrInvalidTier):
		writeError(w, http.StatusBadRequest, "INVALID_TIER", "Operation not available for this tier")
	case errors.Is(err, ErrExhausted), errors.Is(err, ErrConflict):
		writeError(w, http.StatusServiceUnavailable, "KEY_GENERATION_FAILED", "Could not generate a unique key, try again")
	case errors.Is(err, ErrMembershipRequired):
		writeError(w, http.StatusForbidden, "NOT_A_MEMBER", "You must join the Discord server first")
	case errors.Is(err, ErrInvalidCode):
		writeError(w, http.StatusUnauthorized, "INVALID_CODE", "Discord rejected the authorization code")
	case errors.Is(err, ErrProvider):
		writeError(w, http.StatusBadGateway, "PROVIDER_ERROR", "Upstream provider failed")
	default:
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Temporary storage failure, retry shortly")
	}
}
