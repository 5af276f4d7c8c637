package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/iotflow/iotflow-core/internal/liveness"
)

// Error kinds surfaced to clients in the "error" field. Machine
// readable: integrations switch on these, so they are part of the API
// contract and never change casing.
const (
	KindValidation       = "ValidationError"
	KindAuthRequired     = "AuthRequired"
	KindAuthFailed       = "AuthFailed"
	KindNotFound         = "NotFound"
	KindConflict         = "Conflict"
	KindRateLimited      = "RateLimited"
	KindPartialWrite     = "PartialWrite"
	KindStoreUnavailable = "StoreUnavailable"
	KindInternal         = "Internal"
)

// ErrorBody is the structured error envelope every failed request
// renders. Stack traces and wrapped error chains never leave the
// process; Message is written for the device developer reading it.
type ErrorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Path      string `json:"path"`
	RequestID string `json:"request_id,omitempty"`
}

// errorBody builds the envelope from the request context.
func errorBody(r *http.Request, kind, message string) ErrorBody {
	body := ErrorBody{
		Error:     kind,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      r.URL.Path,
	}
	if id, ok := r.Context().Value(ctxKeyRequestID).(string); ok {
		body.RequestID = id
	}
	return body
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes the structured error envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	writeJSON(w, status, errorBody(r, kind, message))
}

// writeValidation writes a 400 response.
func writeValidation(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusBadRequest, KindValidation, message)
}

// writeAuthRequired writes a 401 response for missing credentials.
func writeAuthRequired(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusUnauthorized, KindAuthRequired, message)
}

// writeAuthFailed writes a 403 response for rejected credentials.
func writeAuthFailed(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusForbidden, KindAuthFailed, message)
}

// writeNotFound writes a 404 response.
func writeNotFound(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusNotFound, KindNotFound, message)
}

// writeInternal writes a 500 response.
func writeInternal(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusInternalServerError, KindInternal, message)
}

// writeStoreUnavailable writes a 503 response for an exhausted
// time-series retry.
func writeStoreUnavailable(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusServiceUnavailable, KindStoreUnavailable, message)
}

// writeRateLimited writes a 429 response carrying the window state in
// the X-RateLimit headers.
func writeRateLimited(w http.ResponseWriter, r *http.Request, d liveness.Decision) {
	setRateLimitHeaders(w, d)
	writeError(w, r, http.StatusTooManyRequests, KindRateLimited, "rate limit exceeded, retry after the reset")
}

// setRateLimitHeaders stamps the window budget onto a response. Applied
// to allowed responses too, so well-behaved clients can pace themselves
// before hitting the wall.
func setRateLimitHeaders(w http.ResponseWriter, d liveness.Decision) {
	if d.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}
