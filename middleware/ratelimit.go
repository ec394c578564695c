package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RateLimiter keeps one token bucket per dashboard client, keyed on
// the presented bearer token (the remote address when the auth guard
// is disabled, since no token is recorded then). The websocket subscribe is a single
// request; in practice the limiter bounds screenshot polling, which
// the dashboard re-requests on every screenshot_update delta.
type RateLimiter struct {
	logger  zerolog.Logger
	enabled bool
	perMin  float64
	burst   float64

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a limiter refilling rpm tokens per minute per
// client, with the given burst capacity.
func NewRateLimiter(logger zerolog.Logger, enabled bool, rpm, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		logger:  logger,
		enabled: enabled,
		perMin:  float64(rpm),
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		swept:   time.Now(),
	}
}

// Handler returns the rate limiting middleware handler.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		key := GetAPIKey(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}

		ok, wait := rl.take(key, time.Now())
		if !ok {
			retry := int(wait.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			http.Error(w, fmt.Sprintf(`{"error":"rate_limit_exceeded","retry_after":%d}`, retry), http.StatusTooManyRequests)
			rl.logger.Warn().Str("path", r.URL.Path).Int("retry_after", retry).Msg("dashboard client over rate limit")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// take refills key's bucket at perMin tokens per minute (capped at
// burst) and spends one. When the bucket is empty it returns how long
// until the next token accrues.
func (rl *RateLimiter) take(key string, now time.Time) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.swept) > time.Minute {
		for k, b := range rl.buckets {
			if now.Sub(b.last) > 2*time.Minute {
				delete(rl.buckets, k)
			}
		}
		rl.swept = now
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, last: now}
		rl.buckets[key] = b
	}

	b.tokens += now.Sub(b.last).Minutes() * rl.perMin
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.last = now

	if b.tokens < 1 {
		deficit := 1 - b.tokens
		return false, time.Duration(deficit / rl.perMin * float64(time.Minute))
	}
	b.tokens--
	return true, 0
}
