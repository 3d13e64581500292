package server

import (
	"net/http"
	"time"

	"github.com/didip/tollbooth/v6"
	"github.com/didip/tollbooth/v6/limiter"
)

const rateLimitedBody = `{"error":{"code":"rate_limited","message":"too many login requests; slow down"}}`

// newLoginLimiter throttles POSTs to loginPath per client IP. A non-positive
// rate disables throttling. The per-identity lockout in the login gate still applies.
func newLoginLimiter(loginPath string, perSecond float64) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	lmt := tollbooth.NewLimiter(perSecond, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
	lmt.SetIPLookups([]string{"RemoteAddr", "X-Forwarded-For", "X-Real-IP"})
	lmt.SetMethods([]string{http.MethodPost})
	lmt.SetMessage(rateLimitedBody)
	lmt.SetMessageContentType("application/json")
	return func(next http.Handler) http.Handler {
		limited := tollbooth.LimitHandler(lmt, next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == loginPath {
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
