package middleware

import (
	"log"
	"net/http"
	"strconv"

	"github.com/claimspipe/backend/internal/metrics"
	"github.com/claimspipe/backend/internal/ratelimit"
)

// RateLimit consumes one unit of the credential's quota per request. Quota
// headers are set on refusals and on successes alike so clients can pace
// themselves. Must run after Require: anonymous requests pass through
// untouched.
func RateLimit(limiter *ratelimit.Limiter, m *metrics.Metrics) func(http.Handler) http.Handler {
	logger := log.New(log.Writer(), "[RATELIMIT] ", log.LstdFlags)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc := TenantFrom(r.Context())
			if tc == nil {
				next.ServeHTTP(w, r)
				return
			}

			res, err := limiter.TryConsume(r.Context(), tc.KeyID, tc.RateLimits)
			if err != nil {
				// Fail open: quota enforcement never takes the write path down.
				logger.Printf("limiter error, admitting request: %v", err)
				next.ServeHTTP(w, r)
				return
			}

			setQuotaHeaders(w, res)
			if !res.Allowed {
				if m != nil {
					m.RateLimited.WithLabelValues(res.Window).Inc()
				}
				retry := int(res.RetryAfter().Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				WriteError(w, r, http.StatusTooManyRequests, CodeRateLimitExceeded,
					"rate limit exceeded for window "+res.Window)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setQuotaHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	h.Set("X-RateLimit-Window", res.Window)
}
