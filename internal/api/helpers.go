// Package api implements the request pipeline: CORS, security headers, rate
// limiting, CSRF, route lookup, authentication, and dispatch to registered
// handlers. Stages are plain func(http.Handler) http.Handler middlewares; a
// stage terminates a request by writing its response and not calling next.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Framework error messages. Auth and security stages use the {"error": ...}
// envelope instead; see securityError. MsgEndpointNotFound and
// MsgInternalError are exported for the engine's fallback paths.
const (
	MsgEndpointNotFound = "Endpoint not found."
	MsgInternalError    = "Internal server error."

	msgInvalidParam = "Invalid route parameter format."
)

// ErrorResponse is the JSON envelope for framework-generated errors.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// writeJSON encodes v as JSON and writes it to w with the given status code.
// Logs an error if encoding fails (response may be partial at that point).
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// errorJSON writes the framework error envelope.
func errorJSON(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Success: false, Message: message})
}

// WriteError writes the framework error envelope. Exported for callers
// outside the pipeline, such as the engine's catch-all.
func WriteError(w http.ResponseWriter, status int, message string) {
	errorJSON(w, status, message)
}

// securityError writes the short error envelope used by the security and
// auth stages.
func securityError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
