package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-hublink/internal/hub"
	"github.com/nerrad567/gray-logic-hublink/internal/registry"
	"github.com/nerrad567/gray-logic-hublink/internal/sync"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeForbidden      = "forbidden"
	ErrCodeInternal       = "internal_error"
	ErrCodeHubAuthFailed  = "hub_auth_failed"
	ErrCodeHubUnavailable = "hub_unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeCommandError maps command-path errors from the coordinator and hub
// client onto HTTP responses. Upstream hub failures become gateway-style
// statuses so callers can tell a hublink fault from a hub fault.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sync.ErrUnknownDevice), errors.Is(err, registry.ErrRecordNotFound), errors.Is(err, hub.ErrNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, sync.ErrUnknownCapability), errors.Is(err, hub.ErrInvalidValue):
		writeBadRequest(w, err.Error())
	case errors.Is(err, hub.ErrPermissionMissing):
		writeError(w, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, hub.ErrAuthFailed):
		writeError(w, http.StatusBadGateway, ErrCodeHubAuthFailed, err.Error())
	case errors.Is(err, hub.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, ErrCodeHubUnavailable, err.Error())
	default:
		writeInternalError(w, "command failed")
	}
}
