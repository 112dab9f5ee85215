package chat

import (
	"errors"
	"testing"
	"time"
)

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(60, 3)
	for i := range 3 {
		if err := rl.Allow("u1"); err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
	}
}

func TestRateLimiterRejectsWithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	if err := rl.Allow("u1"); err != nil {
		t.Fatalf("first request rejected: %v", err)
	}

	err := rl.Allow("u1")
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("err = %v, want *RateLimitError", err)
	}
	if rlErr.RetryAfter <= 0 || rlErr.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want in (0, 1m]", rlErr.RetryAfter)
	}
}

func TestRateLimiterIsolatesUsers(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	if err := rl.Allow("u1"); err != nil {
		t.Fatalf("u1 rejected: %v", err)
	}
	if err := rl.Allow("u1"); err == nil {
		t.Fatal("u1 second request admitted, want rejection")
	}
	if err := rl.Allow("u2"); err != nil {
		t.Errorf("u2 affected by u1's bucket: %v", err)
	}
}

func TestRateLimiterCleansStaleUsers(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	if err := rl.Allow("old"); err != nil {
		t.Fatalf("Allow: %v", err)
	}

	rl.mu.Lock()
	rl.users["old"].lastSeen = time.Now().Add(-limiterStaleThreshold - time.Minute)
	rl.lastCleanup = time.Now().Add(-limiterCleanupInterval - time.Minute)
	rl.mu.Unlock()

	if err := rl.Allow("fresh"); err != nil {
		t.Fatalf("Allow: %v", err)
	}

	rl.mu.Lock()
	_, stale := rl.users["old"]
	rl.mu.Unlock()
	if stale {
		t.Error("stale user bucket survived cleanup")
	}
}
