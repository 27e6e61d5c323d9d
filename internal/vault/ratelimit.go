package vault

import (
	"sync"
	"time"
)

// rateLimiter is a sliding-window limiter guarding unlock attempts,
// grounded directly on internal/services/ratelimit/limiter.go, generalized
// from per-wallet-id keys to whatever key the caller chooses (the vault
// only ever uses a single key since one process holds one vault).
type rateLimiter struct {
	maxAttempts int
	window      time.Duration

	mu       sync.Mutex
	attempts map[string][]time.Time
}

func newRateLimiter(maxAttempts int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		attempts:    make(map[string][]time.Time),
	}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	valid := make([]time.Time, 0, len(r.attempts[key]))
	for _, t := range r.attempts[key] {
		if now.Sub(t) < r.window {
			valid = append(valid, t)
		}
	}

	if len(valid) >= r.maxAttempts {
		r.attempts[key] = valid
		return false
	}

	valid = append(valid, now)
	r.attempts[key] = valid
	return true
}

func (r *rateLimiter) reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, key)
}
