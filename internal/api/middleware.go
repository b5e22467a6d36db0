package api

import (
	"net/http"
	"strings"
)

// AdminAuth validates the shared admin secret on /admin routes.
func (s *Server) AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminSecret == "" {
			writeError(w, http.StatusServiceUnavailable, "Admin secret not configured")
			return
		}

		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == "" || token == auth {
			writeError(w, http.StatusUnauthorized, "Missing admin token")
			return
		}

		if token != s.adminSecret {
			writeError(w, http.StatusForbidden, "Invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
