package api

import (
	"net/http"
	"slices"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/auth"
)

// withAuth resolves the caller's credential and attaches the principal to
// the request context. API keys come in via X-API-Key or as an ak_-prefixed
// bearer token; anything else in Authorization is treated as a JWT.
func (h *Handler) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := h.auth.Resolve(r.Context(), r.Header.Get("Authorization"), r.Header.Get("X-API-Key"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing credentials")
			return
		}
		if err := auth.RequireActive(principal); err != nil {
			writeError(w, http.StatusForbidden, "permission_error", "account not active")
			return
		}
		next(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	}
}

// withAdmin additionally accepts the credential through X-Admin-Token and
// requires admin status.
func (h *Handler) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := r.Header.Get("Authorization")
		if token := r.Header.Get("X-Admin-Token"); token != "" && authorization == "" {
			authorization = "Bearer " + token
		}
		principal, err := h.auth.Resolve(r.Context(), authorization, r.Header.Get("X-API-Key"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing credentials")
			return
		}
		if err := auth.RequireAdmin(principal); err != nil {
			writeError(w, http.StatusForbidden, "permission_error", "admin access required")
			return
		}
		next(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	}
}

// withCORS answers preflight requests and reflects allowed origins. An
// empty allowlist disables CORS headers entirely.
func (h *Handler) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && h.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Admin-Token")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) originAllowed(origin string) bool {
	if slices.Contains(h.corsOrigins, "*") {
		return true
	}
	return slices.Contains(h.corsOrigins, origin)
}
