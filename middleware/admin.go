package middleware

import (
	"net/http"
)

// RequireAdmin runs after Guard and rejects non-admin identities with 403.
// A request that never passed Guard is treated as unauthenticated.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, ok := IdentityFromContext(r.Context())
		if !ok {
			unauthorized(w)
			return
		}
		if !ident.IsAdmin() {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
