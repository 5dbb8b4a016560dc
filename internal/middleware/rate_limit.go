package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/imbrick/attributes-login-access/internal/metrics"
	pkghttp "github.com/imbrick/attributes-login-access/pkg/http"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
	IPConfig          *pkghttp.IPConfig
}

// DefaultHTTPRateLimit returns the coarse per-IP request cap applied ahead of the gate
func DefaultHTTPRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 300,
	}
}

// RateLimitByIP creates a middleware that rate limits requests by client IP.
// The key uses the same trusted-proxy rules as the gate so a spoofed
// X-Forwarded-For cannot spread one client over many buckets.
// A non-positive limit disables the middleware.
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	if config.RequestsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	return httprate.Limit(
		config.RequestsPerMinute,
		1*time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return pkghttp.ExtractClientIP(r, config.IPConfig), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.HTTPRateLimitedTotal.Inc()
			pkghttp.WriteTooManyRequests(w, "Rate limit exceeded", 60)
		}),
	)
}
