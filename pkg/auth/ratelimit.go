package auth

import (
	"sync"
	"time"
)

const (
	// maxLoginAttempts before a (username, ip) pair is locked out.
	maxLoginAttempts = 5
	// lockoutDuration is how long the lockout lasts after the last failure.
	lockoutDuration = 15 * time.Minute
)

type attempt struct {
	failures    int
	lastFailure time.Time
}

// RateLimiter throttles failed logins per (username, client IP) pair to
// slow down credential stuffing. Successful logins clear the counter.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attempt
	now      func() time.Time
}

// NewRateLimiter creates a login rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string]*attempt),
		now:      time.Now,
	}
}

func key(username, ip string) string {
	return username + "|" + ip
}

// IsBlocked reports whether the pair is currently locked out.
func (r *RateLimiter) IsBlocked(username, ip string) bool {
	return r.LockoutRemaining(username, ip) > 0
}

// LockoutRemaining returns how long the pair stays locked out, or zero.
func (r *RateLimiter) LockoutRemaining(username, ip string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attempts[key(username, ip)]
	if !ok || a.failures < maxLoginAttempts {
		return 0
	}
	remaining := lockoutDuration - r.now().Sub(a.lastFailure)
	if remaining <= 0 {
		delete(r.attempts, key(username, ip))
		return 0
	}
	return remaining
}

// RecordFailure counts one failed login.
func (r *RateLimiter) RecordFailure(username, ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(username, ip)
	a, ok := r.attempts[k]
	if !ok {
		a = &attempt{}
		r.attempts[k] = a
	}
	a.failures++
	a.lastFailure = r.now()
}

// RemainingAttempts returns how many failures are left before lockout.
func (r *RateLimiter) RemainingAttempts(username, ip string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attempts[key(username, ip)]
	if !ok {
		return maxLoginAttempts
	}
	remaining := maxLoginAttempts - a.failures
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ClearOnSuccess resets the counter after a successful login.
func (r *RateLimiter) ClearOnSuccess(username, ip string) {
	r.mu.Lock()
	delete(r.attempts, key(username, ip))
	r.mu.Unlock()
}
