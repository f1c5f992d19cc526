package middleware

import (
	"net/http"
	"strings"

	"github.com/nadmax/genwatch/internal/httputil"
)

// RequireBearer rejects requests that carry no bearer credential. Token
// verification is out of scope for the reference service.
func RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			httputil.WriteJSONError(w, "Missing bearer token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
