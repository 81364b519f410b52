package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
)

// KeyFunc extracts the rate-limit key from a request. An empty key skips
// limiting.
type KeyFunc func(*http.Request) string

// Middleware rejects requests over their wallet's budget.
type Middleware struct {
	limiter *Limiter
	key     KeyFunc
	reject  http.Handler
}

// NewMiddleware creates a middleware. reject writes the 429 response and
// defaults to a plain-text error.
func NewMiddleware(limiter *Limiter, key KeyFunc, reject http.Handler) *Middleware {
	if reject == nil {
		reject = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
		})
	}
	return &Middleware{limiter: limiter, key: key, reject: reject}
}

// Wrap applies rate limiting to next. It has the chi middleware signature.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.key(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		d := m.limiter.Allow(r.Context(), key)
		setHeaders(w, d)
		if !d.Allowed {
			m.limiter.logger.Info().Str("key", key).Str("path", r.URL.Path).Msg("ratelimit.exceeded")
			m.reject.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// setHeaders adds the draft-polli-ratelimit-headers fields.
func setHeaders(w http.ResponseWriter, d Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", d.Limit))
	h.Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", math.Floor(d.Remaining)))
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	}
}
