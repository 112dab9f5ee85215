package chat

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterCleanupInterval = 5 * time.Minute
	limiterStaleThreshold  = 10 * time.Minute
)

// RateLimitError rejects a request that exceeded the per-user budget.
// RetryAfter tells the caller when a retry will be admitted.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

// RateLimiter applies a per-user token bucket. It gates entry into the
// orchestrator before any downstream resource is touched. Stale user
// entries are cleaned up inline during Allow calls.
type RateLimiter struct {
	mu          sync.Mutex
	users       map[string]*userBucket
	limit       rate.Limit
	burst       int
	lastCleanup time.Time
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter admitting perMinute requests per user
// with the given burst.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		users:       make(map[string]*userBucket),
		limit:       rate.Limit(float64(perMinute) / 60.0),
		burst:       burst,
		lastCleanup: time.Now(),
	}
}

// Allow admits or rejects one request for userID. On rejection the returned
// error is a *RateLimitError carrying the retry-after duration.
func (rl *RateLimiter) Allow(userID string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastCleanup) > limiterCleanupInterval {
		for k, u := range rl.users {
			if now.Sub(u.lastSeen) > limiterStaleThreshold {
				delete(rl.users, k)
			}
		}
		rl.lastCleanup = now
	}

	u, ok := rl.users[userID]
	if !ok {
		u = &userBucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.users[userID] = u
	}
	u.lastSeen = now

	res := u.limiter.Reserve()
	if !res.OK() {
		return &RateLimitError{RetryAfter: time.Minute}
	}
	if delay := res.Delay(); delay > 0 {
		// Requests are rejected, not queued; give the token back.
		res.Cancel()
		return &RateLimitError{RetryAfter: delay}
	}
	return nil
}
