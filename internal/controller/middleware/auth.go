// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"encoding/json"
	"net/http"

	"caeplane/internal/auth"
	"caeplane/pkg/api"
)

// RequireBearerToken rejects requests that do not carry the configured API
// token. An empty token disables the check.
func RequireBearerToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := auth.BearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or malformed authorization header")
				return
			}
			if !auth.TokenMatches(presented, token) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid authorization token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Status:    api.StatusError,
		ErrorCode: code,
		Message:   message,
	})
}
