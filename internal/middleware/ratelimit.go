package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter holds one token bucket per key. Each bucket allows limit
// requests per window with a burst of limit.
type RateLimiter struct {
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	limit       int
	window      time.Duration
	now         func() time.Time
	lastCleanup time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return NewRateLimiterWithNow(limit, window, time.Now)
}

func NewRateLimiterWithNow(limit int, window time.Duration, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		limiters:    make(map[string]*rate.Limiter),
		limit:       limit,
		window:      window,
		now:         now,
		lastCleanup: now(),
	}
}

func (rl *RateLimiter) every() rate.Limit {
	if rl.limit <= 0 || rl.window <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(rl.limit) / rl.window.Seconds())
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.maybeCleanupLocked(now)

	limiter, ok := rl.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rl.every(), rl.limit)
		rl.limiters[key] = limiter
	}
	return limiter.AllowN(now, 1)
}

// RetryAfter estimates how long key must wait for its next token.
func (rl *RateLimiter) RetryAfter(key string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, ok := rl.limiters[key]
	if !ok {
		return 0
	}
	now := rl.now()
	r := limiter.ReserveN(now, 1)
	defer r.CancelAt(now)
	return r.DelayFrom(now)
}

// maybeCleanupLocked drops buckets that have refilled completely; an idle
// key is indistinguishable from a new one.
func (rl *RateLimiter) maybeCleanupLocked(now time.Time) {
	if rl.window <= 0 || now.Sub(rl.lastCleanup) < rl.window {
		return
	}
	rl.lastCleanup = now
	for key, limiter := range rl.limiters {
		if limiter.TokensAt(now) >= float64(rl.limit) {
			delete(rl.limiters, key)
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if !rl.Allow(key) {
			retry := int(rl.RetryAfter(key).Seconds())
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}
