package middleware

import (
	"math"
	"net"
	"net/http"

	"github.com/shellgate/shellgate/internal/ratelimit"
)

// ClientSource identifies the caller for rate limiting. The first
// X-Forwarded-For hop wins when a proxy fronts the gateway, otherwise the
// peer address.
func ClientSource(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit rejects over-limit sources with 429 and a retryAfter hint in
// seconds, rounded up so a client that honors it lands outside the window.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			retryAfter, ok := limiter.Allow(ClientSource(r))
			if !ok {
				seconds := int(math.Ceil(retryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
					"success":    false,
					"error":      "Too many requests",
					"retryAfter": seconds,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
