package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// authRateLimiter applies exponential lockout to clients that keep
// presenting a wrong API token.
type authRateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	maxFailures   = 10
	baseLockout   = 1 * time.Minute
	maxLockout    = 30 * time.Minute
	attemptExpiry = 1 * time.Hour
)

func newAuthRateLimiter() *authRateLimiter {
	return &authRateLimiter{attempts: make(map[string]*attemptRecord)}
}

// check reports whether key is locked out and for how long.
func (rl *authRateLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		return false, 0
	}
	if time.Since(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, key)
		return false, 0
	}
	if time.Now().Before(rec.lockedUntil) {
		return true, time.Until(rec.lockedUntil)
	}
	return false, 0
}

// recordFailure locks key out for baseLockout * 2^(failures - maxFailures),
// capped at maxLockout, once maxFailures is reached.
func (rl *authRateLimiter) recordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[key] = rec
	}
	rec.failures++
	rec.lastFailure = time.Now()
	if rec.failures < maxFailures {
		return
	}
	lockout := baseLockout
	for i := 0; i < rec.failures-maxFailures && lockout < maxLockout; i++ {
		lockout *= 2
	}
	if lockout > maxLockout {
		lockout = maxLockout
	}
	rec.lockedUntil = time.Now().Add(lockout)
}

func (rl *authRateLimiter) recordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "too many failed authentication attempts; try again later")
}
