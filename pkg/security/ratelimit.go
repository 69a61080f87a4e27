// Package security holds request-admission and input-safety helpers shared by
// the HTTP server, the assistant and configuration loading.
package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies a global token bucket plus one bucket per user.
// Buckets of users idle longer than the idle window are dropped by Sweep.
type RateLimiter struct {
	globalLimiter *rate.Limiter
	users         map[string]*userBucket
	mu            sync.Mutex

	requestsPerSecond float64
	burst             int
	idle              time.Duration
	now               func() time.Time
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerSecond per user with
// the given burst. The global bucket admits ten times that.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		globalLimiter:     rate.NewLimiter(rate.Limit(requestsPerSecond*10), burst*10),
		users:             make(map[string]*userBucket),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
		idle:              10 * time.Minute,
		now:               time.Now,
	}
}

// Allow reports whether a request from userID may proceed now.
func (rl *RateLimiter) Allow(userID string) bool {
	if !rl.bucket(userID).Allow() {
		return false
	}
	return rl.globalLimiter.Allow()
}

// Wait blocks until userID may make a request or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context, userID string) error {
	if err := rl.bucket(userID).Wait(ctx); err != nil {
		return fmt.Errorf("user rate limit: %w", err)
	}
	if err := rl.globalLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}
	return nil
}

// Sweep drops buckets of idle users and returns how many were removed.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.idle)
	removed := 0
	for id, b := range rl.users {
		if b.lastSeen.Before(cutoff) {
			delete(rl.users, id)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of users with a live bucket.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.users)
}

func (rl *RateLimiter) bucket(userID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.users[userID]
	if !ok {
		b = &userBucket{limiter: rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)}
		rl.users[userID] = b
	}
	b.lastSeen = rl.now()
	return b.limiter
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calling a failing dependency for a cool-down period.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu              sync.Mutex
	failures        int
	lastFailureTime time.Time
	state           CircuitState
	now             func() time.Time
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NewCircuitBreaker creates a breaker that opens after maxFailures
// consecutive failures and lets one trial call through after resetTimeout.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
		now:          time.Now,
	}
}

// Execute runs fn unless the breaker is open. Only errors for which
// countable returns true advance the failure count; a nil countable counts
// every error.
func (cb *CircuitBreaker) Execute(fn func() error, countable func(error) bool) error {
	cb.mu.Lock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.lastFailureTime) > cb.resetTimeout {
		cb.state = CircuitHalfOpen
	}
	if cb.state == CircuitOpen {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && (countable == nil || countable(err)) {
		cb.failures++
		cb.lastFailureTime = cb.now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
		}
		return err
	}

	cb.failures = 0
	cb.state = CircuitClosed
	return err
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually closes the breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = CircuitClosed
}
