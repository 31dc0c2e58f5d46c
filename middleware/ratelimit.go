package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"heartline/apperr"
)

// IPRateLimiter is a sliding window counter per client IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

func NewIPRateLimiter(limit int, window time.Duration) *IPRateLimiter {
	return &IPRateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	requests := rl.prune(rl.requests[ip], now.Add(-rl.window))
	if len(requests) >= rl.limit {
		rl.requests[ip] = requests
		return false
	}
	rl.requests[ip] = append(requests, now)
	return true
}

func (rl *IPRateLimiter) prune(requests []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(requests); i++ {
		if requests[i].After(cutoff) {
			break
		}
	}
	return requests[i:]
}

// Cleanup forgets IPs with no requests inside the window.
func (rl *IPRateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	removed := 0
	for ip, requests := range rl.requests {
		if len(rl.prune(requests, cutoff)) == 0 {
			delete(rl.requests, ip)
			removed++
		}
	}
	return removed
}

func RateLimit(rl *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			RespondError(c, apperr.New(apperr.CodeRateLimited, "too many requests").
				WithDetail("limit", rl.limit).
				WithDetail("window", rl.window.String()))
			c.Abort()
			return
		}
		c.Next()
	}
}
