package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"
)

// bearerAuth is a minimal bearer-token middleware: when enabled, every
// request must carry "Authorization: Bearer <token>" where token verifies
// against signingKey. The outer authentication scheme itself (OIDC,
// mTLS, ...) is explicitly out of scope; this is the simplest contract
// the core needs satisfied before a request reaches the router.
type bearerAuth struct {
	enabled    bool
	signingKey []byte
}

func newBearerAuth(enabled bool, signingKey string) *bearerAuth {
	return &bearerAuth{enabled: enabled, signingKey: []byte(signingKey)}
}

func (a *bearerAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "invalid_input", "missing bearer token")
			return
		}

		if _, err := a.validate(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_input", fmt.Sprintf("invalid bearer token: %v", err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *bearerAuth) validate(token string) (*jwt.Token, error) {
	return jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.signingKey, nil
	})
}
