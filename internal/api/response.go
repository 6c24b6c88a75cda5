// Package api is the bootstrap HTTP surface of the controller: token
// issuance, agent and command inspection, command submission for clients
// that cannot hold a websocket open, and the health/metrics endpoints.
// Chi is the router; every resource lives under /api/v1.
//
// The realtime path stays on the websocket — these handlers only feed the
// router and read the registries.
package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the standard JSON wrapper for all responses.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Accepted writes a 202 for submissions that will finish asynchronously.
func Accepted(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusAccepted, envelope{"data": payload})
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// errJSON writes an error response. Code is a machine-readable string
// ("not_found", "bad_request", ...) clients can branch on.
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{
			Message: message,
			Code:    code,
		},
	})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrUnauthorized writes a 401 Unauthorized error response.
func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "authentication required", "unauthorized")
}

// ErrForbidden writes a 403 Forbidden error response.
func ErrForbidden(w http.ResponseWriter) {
	errJSON(w, http.StatusForbidden, "insufficient permissions", "forbidden")
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "not_found")
}

// ErrUnprocessable writes a 422 for well-formed requests that fail
// business validation.
func ErrUnprocessable(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusUnprocessableEntity, message, "validation_error")
}

// ErrGatewayTimeout writes a 504 for blocking submissions whose command is
// still in flight when the wait window closes. The command keeps running;
// its id is echoed so the caller can poll /commands/{id}.
func ErrGatewayTimeout(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusGatewayTimeout, message, "wait_timeout")
}

// ErrInternal writes a 500. Internal detail is never exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// decodeJSON decodes the request body into dst. Returns false and writes the
// error response itself so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
