package access

import (
	"sync"
	"time"

	"github.com/keywheel/keywheel/internal/clock"
)

// bucket is a per-credential token bucket. Tokens refill continuously at
// capacity per minute, so a full window admits exactly capacity calls.
type bucket struct {
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

// Limiter enforces per-credential rate and concurrency caps. All state is in
// memory; limits reset on restart, which matches their advisory role.
type Limiter struct {
	clk clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
	inUse   map[string]int
}

// NewLimiter creates a limiter on the given clock.
func NewLimiter(clk clock.Clock) *Limiter {
	return &Limiter{
		clk:     clk,
		buckets: make(map[string]*bucket),
		inUse:   make(map[string]int),
	}
}

// AllowRate consumes one token from the credential's bucket. A nil or
// non-positive limit means unlimited.
func (l *Limiter) AllowRate(credentialID string, rateLimit *int) bool {
	if rateLimit == nil || *rateLimit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	b, ok := l.buckets[credentialID]
	if !ok || b.capacity != float64(*rateLimit) {
		b = &bucket{
			capacity:   float64(*rateLimit),
			tokens:     float64(*rateLimit),
			lastRefill: now,
		}
		l.buckets[credentialID] = b
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		b.tokens += b.capacity * elapsed.Minutes()
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// AcquireConcurrency increments the credential's in-flight counter if it is
// below the cap. A nil or non-positive limit means unlimited.
func (l *Limiter) AcquireConcurrency(credentialID string, concurrentLimit *int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if concurrentLimit != nil && *concurrentLimit > 0 && l.inUse[credentialID] >= *concurrentLimit {
		return false
	}
	l.inUse[credentialID]++
	return true
}

// ReleaseConcurrency decrements the in-flight counter. Safe to call on a
// credential with no acquisitions.
func (l *Limiter) ReleaseConcurrency(credentialID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inUse[credentialID] > 0 {
		l.inUse[credentialID]--
	}
	if l.inUse[credentialID] == 0 {
		delete(l.inUse, credentialID)
	}
}

// RateStatus describes the current bucket state for one credential.
type RateStatus struct {
	CredentialID    string
	Limit           int
	RemainingTokens int
	InFlight        int
}

// Status reports the bucket and in-flight state for a credential. Returns a
// zero-limit status when the credential has never been limited.
func (l *Limiter) Status(credentialID string, rateLimit *int) RateStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	status := RateStatus{CredentialID: credentialID, InFlight: l.inUse[credentialID]}
	if rateLimit != nil {
		status.Limit = *rateLimit
	}

	b, ok := l.buckets[credentialID]
	if !ok {
		status.RemainingTokens = status.Limit
		return status
	}

	tokens := b.tokens
	elapsed := l.clk.Now().Sub(b.lastRefill)
	if elapsed > 0 {
		tokens += b.capacity * elapsed.Minutes()
		if tokens > b.capacity {
			tokens = b.capacity
		}
	}
	status.RemainingTokens = int(tokens)
	return status
}

// TrackedCredentials lists every credential with live limiter state.
func (l *Limiter) TrackedCredentials() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]bool, len(l.buckets)+len(l.inUse))
	for id := range l.buckets {
		seen[id] = true
	}
	for id := range l.inUse {
		seen[id] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}
