// Package ratelimit tracks failed login attempts per identifier inside a
// sliding window. The identifier combines client IP and attempted
// username so both per-account and per-source abuse hit the limit.
package ratelimit

import (
	"sync"
	"time"

	"github.com/synoproxy/synoproxy/internal/clock"
)

// Tracker manages failure windows for multiple identifiers.
type Tracker struct {
	mu          sync.Mutex
	failures    map[string][]time.Time
	maxAttempts int
	window      time.Duration
	clock       clock.Clock
}

// NewTracker creates a tracker allowing maxAttempts failures per window.
func NewTracker(maxAttempts int, window time.Duration, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Tracker{
		failures:    make(map[string][]time.Time),
		maxAttempts: maxAttempts,
		window:      window,
		clock:       clk,
	}
}

// Allow reports whether the identifier may attempt a login. Failures
// older than the window are pruned before counting; once the count
// reaches the limit, attempts are rejected until the window slides past.
func (t *Tracker) Allow(identifier string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pruneLocked(identifier)) < t.maxAttempts
}

// RecordFailure registers a failed attempt for the identifier.
func (t *Tracker) RecordFailure(identifier string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures[identifier] = append(t.pruneLocked(identifier), t.clock.Now())
}

// Clear removes all recorded failures for the identifier. Called after a
// successful login so legitimate users are not locked out by their own
// earlier typos.
func (t *Tracker) Clear(identifier string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, identifier)
}

// RetryAfter returns how long the identifier must wait before the oldest
// counted failure slides out of the window. Zero when not limited.
func (t *Tracker) RetryAfter(identifier string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	attempts := t.pruneLocked(identifier)
	if len(attempts) < t.maxAttempts {
		return 0
	}
	remaining := t.window - t.clock.Since(attempts[0])
	if remaining < 0 {
		return 0
	}
	return remaining
}

// pruneLocked drops failures outside the window and returns the survivors.
// Caller must hold mu.
func (t *Tracker) pruneLocked(identifier string) []time.Time {
	cutoff := t.clock.Now().Add(-t.window)
	attempts := t.failures[identifier]

	i := 0
	for i < len(attempts) && !attempts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		attempts = attempts[i:]
		if len(attempts) == 0 {
			delete(t.failures, identifier)
		} else {
			t.failures[identifier] = attempts
		}
	}
	return attempts
}

// Cleanup removes identifiers whose failures have all expired. Intended
// to run periodically so long-lived processes do not accumulate stale
// entries.
func (t *Tracker) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.clock.Now().Add(-t.window)
	for id, attempts := range t.failures {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(cutoff) {
			delete(t.failures, id)
		}
	}
}

// StartCleanup starts a background goroutine that runs Cleanup at the
// given interval.
func (t *Tracker) StartCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			t.Cleanup()
		}
	}()
}
