package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireToken admits requests carrying "Authorization: Bearer <token>".
// Failed attempts are charged to the caller's IP in limiter; a caller over
// the limit is refused before the token is checked.
func RequireToken(token string, limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := RealIP(r)
			if limiter != nil && limiter.Blocked(ip) {
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}

			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				if limiter != nil {
					limiter.Fail(ip)
				}
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
