package api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter interface {
	Allow() bool
}

// retryAdvisor is implemented by limiters that can say when the next token frees up.
type retryAdvisor interface {
	RetryAfter() time.Duration
}

type limiterAdapter struct {
	limiter *rate.Limiter
}

func newTokenBucketLimiter(ratePerSecond float64, burst int) *limiterAdapter {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}

	return &limiterAdapter{
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

func (l *limiterAdapter) Allow() bool {
	if l == nil || l.limiter == nil {
		return true
	}
	return l.limiter.Allow()
}

// RetryAfter peeks at the delay until one token is available without consuming it.
func (l *limiterAdapter) RetryAfter() time.Duration {
	if l == nil || l.limiter == nil {
		return 0
	}
	r := l.limiter.Reserve()
	defer r.Cancel()
	if !r.OK() {
		return time.Second
	}
	return r.Delay()
}

func rateLimitMiddleware(limiter rateLimiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter.Allow() {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(limiter)))
		writeError(w, http.StatusTooManyRequests, "Too many requests", "rate limit exceeded, please retry shortly")
	})
}

// retryAfterSeconds rounds up to whole seconds; the header has no finer unit.
func retryAfterSeconds(limiter rateLimiter) int {
	advisor, ok := limiter.(retryAdvisor)
	if !ok {
		return 1
	}
	secs := int(math.Ceil(advisor.RetryAfter().Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
