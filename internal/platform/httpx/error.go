// Package httpx carries the JSON error envelope shared by every handler.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/checkspot/api/internal/platform/requestctx"
)

// Error is the wire shape of a failed API call. Code is a stable
// machine-readable identifier, Message is safe to show to an end user.
type Error struct {
	Code    string
	Message string
	Status  int

	// Details, when set, is merged into the envelope as extra top-level keys.
	Details map[string]any
}

// NewError builds an Error, clamping code and message to sane lengths.
func NewError(code, message string, status int) Error {
	if status < 100 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clip(code, 80),
		Message: clip(message, 512),
		Status:  status,
	}
}

// WriteError renders err as the canonical envelope. Request and trace
// identifiers are pulled from ctx so handlers never thread them manually.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status < 100 {
		status = http.StatusInternalServerError
	}

	envelope := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  status,
	}
	if id := clip(middleware.GetReqID(ctx), 80); id != "" {
		envelope["request_id"] = id
	}
	if id := clip(requestctx.TraceID(ctx), 64); id != "" {
		envelope["trace_id"] = id
	}
	for k, v := range err.Details {
		envelope[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope)
}

// clip collapses whitespace runs and truncates to limit bytes. Values land in
// log pipelines and response bodies, so newlines are never allowed through.
func clip(value string, limit int) string {
	value = strings.Join(strings.Fields(value), " ")
	if limit > 0 && len(value) > limit {
		value = value[:limit]
	}
	return value
}
