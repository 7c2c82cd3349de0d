package ratelimit

import (
	"sync"
	"time"
)

// Result describes the bucket state at decision time. RetryAfter is in whole
// seconds and only meaningful when the request was denied.
type Result struct {
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter int
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// Limiter is a thread-safe token bucket rate limiter. Each identifier (remote
// IP, trigger id) gets its own bucket that refills at a constant rate; idle
// buckets are swept on access once per cleanup interval.
type Limiter struct {
	rate            float64
	capacity        float64
	cleanupInterval time.Duration

	mu          sync.Mutex
	buckets     map[string]*bucket
	lastCleanup time.Time

	now func() time.Time
}

// New creates a limiter allowing rate requests per second with the given
// burst capacity. Idle buckets older than an hour are dropped.
func New(rate, capacity int) *Limiter {
	return &Limiter{
		rate:            float64(rate),
		capacity:        float64(capacity),
		cleanupInterval: time.Hour,
		buckets:         make(map[string]*bucket),
		lastCleanup:     time.Now(),
		now:             time.Now,
	}
}

// Allow consumes cost tokens from the identifier's bucket if available.
func (l *Limiter) Allow(identifier string, cost float64) (bool, Result) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if now.Sub(l.lastCleanup) > l.cleanupInterval {
		l.sweep(now)
	}

	b, ok := l.buckets[identifier]
	if !ok {
		b = &bucket{tokens: l.capacity, lastUpdate: now}
		l.buckets[identifier] = b
	}

	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens = min(l.capacity, b.tokens+elapsed*l.rate)
	b.lastUpdate = now

	allowed := b.tokens >= cost
	retryAfter := 0
	if allowed {
		b.tokens -= cost
	} else {
		needed := cost - b.tokens
		retryAfter = int(needed/l.rate) + 1
	}

	return allowed, Result{
		Remaining:  int(b.tokens),
		Limit:      int(l.capacity),
		ResetAt:    now.Add(time.Duration(l.capacity / l.rate * float64(time.Second))),
		RetryAfter: retryAfter,
	}
}

func (l *Limiter) sweep(now time.Time) {
	threshold := now.Add(-l.cleanupInterval)
	for id, b := range l.buckets {
		if b.lastUpdate.Before(threshold) {
			delete(l.buckets, id)
		}
	}
	l.lastCleanup = now
}

// Reset drops the bucket for an identifier, restoring full capacity.
func (l *Limiter) Reset(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, identifier)
}

// Size reports the number of live buckets.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
