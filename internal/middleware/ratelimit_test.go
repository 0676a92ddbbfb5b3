package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRateLimiter_AllowAndDeny(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	rl := NewRateLimiterWithNow(2, time.Minute, func() time.Time { return clock })

	if !rl.Allow("ip") {
		t.Fatalf("expected allow")
	}
	if !rl.Allow("ip") {
		t.Fatalf("expected allow")
	}
	if rl.Allow("ip") {
		t.Fatalf("expected deny")
	}
	if !rl.Allow("other-ip") {
		t.Fatalf("expected independent bucket per key")
	}

	clock = clock.Add(time.Minute + time.Second)
	if !rl.Allow("ip") {
		t.Fatalf("expected allow after window")
	}
}

func TestRateLimiter_CleanupDropsIdleKeys(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiterWithNow(2, time.Minute, func() time.Time { return clock })

	rl.Allow("a")
	rl.Allow("b")
	if rl.size() != 2 {
		t.Fatalf("expected 2 buckets, got %d", rl.size())
	}

	clock = clock.Add(2 * time.Minute)
	rl.Allow("c")
	if rl.size() != 1 {
		t.Fatalf("expected idle buckets dropped, got %d", rl.size())
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiterWithNow(1, time.Minute, func() time.Time { return clock })

	r := gin.New()
	r.POST("/", RateLimitMiddleware(rl), func(c *gin.Context) { c.Status(http.StatusCreated) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}
