package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"homesense/dashboard/internal/logging"
	"homesense/dashboard/internal/metrics"
)

const rateLimiterIdleExpiry = time.Hour

// userRateLimiter hands out one token bucket per user for the AI routes.
// Idle buckets are swept lazily on access instead of from a goroutine.
type userRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rateLimiterEntry
	rate      rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

type rateLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// newUserRateLimiter allows perWindow requests per window per user. A
// non-positive perWindow disables limiting.
func newUserRateLimiter(perWindow int, window time.Duration) *userRateLimiter {
	rl := &userRateLimiter{
		limiters: make(map[string]*rateLimiterEntry),
		now:      time.Now,
	}
	if perWindow <= 0 {
		rl.rate = rate.Inf
		return rl
	}
	rl.rate = rate.Every(window / time.Duration(perWindow))
	rl.burst = perWindow
	return rl
}

func (rl *userRateLimiter) Allow(userID string) bool {
	if rl.rate == rate.Inf {
		return true
	}
	rl.mu.Lock()
	now := rl.now()
	if now.Sub(rl.lastSweep) > rateLimiterIdleExpiry {
		rl.sweep(now)
	}
	entry, ok := rl.limiters[userID]
	if !ok {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[userID] = entry
	}
	entry.lastAccess = now
	limiter := entry.limiter
	rl.mu.Unlock()

	return limiter.AllowN(now, 1)
}

func (rl *userRateLimiter) sweep(now time.Time) {
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastAccess) > rateLimiterIdleExpiry {
			delete(rl.limiters, key)
		}
	}
	rl.lastSweep = now
}

// rateLimit must run after apiAuth.
func (a *App) rateLimit(route string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := authUserFromContext(c)
		if !ok || a.limiter.Allow(user.ID) {
			c.Next()
			return
		}
		metrics.RecordRateLimit(route)
		logging.Ctx(c.Request.Context()).Warn().Str("route", route).Msg("AI rate limit exceeded")
		writeError(c, http.StatusTooManyRequests, "Too many requests, please slow down")
	}
}
