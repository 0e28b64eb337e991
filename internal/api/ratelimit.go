package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxLimiters caps the number of tracked clients.
const maxLimiters = 10000

// RateLimiter keeps one token bucket per client key.
type RateLimiter struct {
	mu                sync.Mutex
	limiters          map[string]*rate.Limiter
	requestsPerSecond float64
	burstSize         int
}

// NewRateLimiter allows requestsPerSecond sustained and burst at once per
// key. A non-positive rate disables limiting.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters:          make(map[string]*rate.Limiter),
		requestsPerSecond: requestsPerSecond,
		burstSize:         burst,
	}
}

func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.requestsPerSecond > 0
}

func (rl *RateLimiter) Allow(key string) bool {
	allowed, _ := rl.Take(key)
	return allowed
}

// Burst is the most requests a client may make at once.
func (rl *RateLimiter) Burst() int {
	return rl.burstSize
}

// Take consumes a token for key and reports whether it was available,
// along with the whole tokens left afterwards.
func (rl *RateLimiter) Take(key string) (bool, int) {
	if !rl.Enabled() {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// MEMORY PROTECTION: Prevent unlimited growth
	if len(rl.limiters) >= maxLimiters {
		rl.limiters = make(map[string]*rate.Limiter)
	}

	limiter, exists := rl.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burstSize)
		rl.limiters[key] = limiter
	}

	allowed := limiter.Allow()
	remaining := int(limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining
}
