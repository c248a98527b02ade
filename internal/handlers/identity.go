package handlers

import (
	"net/http"
	"strings"

	"github.com/checkspot/api/internal/platform/httpx"
	"github.com/checkspot/api/internal/platform/requestctx"
)

// EdgeUserHeader carries the authenticated user identifier set by the edge
// proxy. Authentication itself happens upstream; this service only consumes
// the verified identity.
const EdgeUserHeader = "X-User-ID"

// EdgeIdentityMiddleware lifts the edge-asserted user identifier into the
// request context so handlers and services can enforce ownership.
func EdgeIdentityMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(EdgeUserHeader))
			if userID != "" {
				r = r.WithContext(requestctx.WithUserID(r.Context(), userID))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireUser rejects requests that arrive without an edge-asserted identity.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestctx.UserID(r.Context()) == "" {
			httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "missing user identity", http.StatusUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}
