// Package auth guards HTTP endpoints with a static bearer token.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// HeaderPrefix precedes the token in the Authorization header.
const HeaderPrefix = "Bearer "

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, HeaderPrefix) {
		return "", false
	}
	return strings.TrimPrefix(header, HeaderPrefix), true
}

// Middleware rejects requests without the expected bearer token. Paths in
// open are served without a token. An empty token disables the check.
func Middleware(token string, open ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range open {
				if r.URL.Path == p {
					next.ServeHTTP(w, r)
					return
				}
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}
			got, ok := BearerToken(authHeader)
			if !ok || !SecureCompare(got, token) {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SetBearer adds the token to an outgoing request. An empty token is a no-op.
func SetBearer(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", HeaderPrefix+token)
	}
}
