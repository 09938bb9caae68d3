package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	auth "github.com/KingInYellow18/medianest/auth"
	"github.com/KingInYellow18/medianest/auth/identity"
)

// Authenticator is satisfied by *auth.Coordinator.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*identity.Identity, error)
}

type identityContextKey struct{}

// IdentityFromContext returns the identity Guard attached to the request.
func IdentityFromContext(ctx context.Context) (*identity.Identity, bool) {
	ident, ok := ctx.Value(identityContextKey{}).(*identity.Identity)
	return ident, ok
}

// Guard authenticates the bearer token of every request. Any failure is
// answered with 401 and auth.PublicMessage; the reason never reaches the
// client.
func Guard(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil {
				unauthorized(w)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				unauthorized(w)
				return
			}

			ctx := auth.WithClientIP(r.Context(), clientIP(r))
			ctx = auth.WithUserAgent(ctx, r.UserAgent())

			ident, err := a.Authenticate(ctx, token)
			if err != nil {
				unauthorized(w)
				return
			}

			ctx = context.WithValue(ctx, identityContextKey{}, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, auth.PublicMessage, http.StatusUnauthorized)
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
