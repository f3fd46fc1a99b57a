// Package api implements the administrative HTTP REST API: agents, jobs,
// and workflows over /api/v1, plus an events.subscribe SSE endpoint. It
// uses Chi as the router and enforces bearer-token auth (JWT, or an OIDC ID
// token when configured) on every /api/v1 route; /healthz and /metrics are
// served without auth. Auth is
// generalized from the teacher's per-user auth to an operator/role model —
// spec.md has no concept of end-user accounts, only administrative callers.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/orbitmesh/orbitmesh/internal/orbiterr"
)

// envelope is the standard JSON response wrapper for all API responses.
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

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes a 201 Created response with the payload wrapped in {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{"error": errorResponse{Message: message, Code: code}})
}

func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "authentication required", "unauthorized")
}

func ErrForbidden(w http.ResponseWriter) {
	errJSON(w, http.StatusForbidden, "insufficient permissions", "forbidden")
}

func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "not_found")
}

func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message, "conflict")
}

func ErrUnprocessable(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusUnprocessableEntity, message, "validation_error")
}

func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// WriteError maps an orbiterr.Code to the matching HTTP response, so
// handlers can funnel every domain-layer error through one call instead of
// re-deriving the mapping at each call site.
func WriteError(w http.ResponseWriter, err error) {
	switch orbiterr.CodeOf(err) {
	case orbiterr.NotFound:
		ErrNotFound(w)
	case orbiterr.InvalidArgument:
		ErrUnprocessable(w, err.Error())
	case orbiterr.Conflict:
		ErrConflict(w, err.Error())
	case orbiterr.Unauthorized:
		ErrUnauthorized(w)
	case orbiterr.ResourceExhausted:
		errJSON(w, http.StatusTooManyRequests, err.Error(), "resource_exhausted")
	case orbiterr.Unavailable:
		errJSON(w, http.StatusServiceUnavailable, err.Error(), "unavailable")
	case orbiterr.Timeout:
		errJSON(w, http.StatusGatewayTimeout, err.Error(), "timeout")
	default:
		ErrInternal(w)
	}
}

// decodeJSON decodes the request body into dst, writing an error response
// and returning false on failure so callers can early-return.
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
