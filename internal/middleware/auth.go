// Package middleware holds the HTTP middleware for the admin surface.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/termgate/termgate/internal/config"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireAdminToken guards the admin endpoints with a bearer token from
// configuration. With no token configured the admin surface is disabled
// outright rather than left open.
func RequireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := config.Cfg.AdminToken
		if token == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Admin API disabled: no admin token configured"})
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
			return
		}
		presented := strings.TrimPrefix(header, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
