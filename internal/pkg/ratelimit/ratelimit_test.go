package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock drives the limiter without sleeping.
type fakeClock struct {
	current time.Time
}

func (f *fakeClock) now() time.Time { return f.current }

func (f *fakeClock) advance(d time.Duration) { f.current = f.current.Add(d) }

func newTestLimiter(rate, capacity int) (*Limiter, *fakeClock) {
	clock := &fakeClock{current: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(rate, capacity)
	l.now = clock.now
	l.lastCleanup = clock.current
	return l, clock
}

func TestAllowWithinBurst(t *testing.T) {
	l, _ := newTestLimiter(1, 3)

	for i := 0; i < 3; i++ {
		ok, res := l.Allow("10.0.0.1", 1)
		require.True(t, ok, "request %d should pass", i)
		require.Equal(t, 3, res.Limit)
	}

	ok, res := l.Allow("10.0.0.1", 1)
	require.False(t, ok)
	require.Equal(t, 0, res.Remaining)
	require.GreaterOrEqual(t, res.RetryAfter, 1)
}

func TestRefillAtConfiguredRate(t *testing.T) {
	l, clock := newTestLimiter(2, 4)

	for i := 0; i < 4; i++ {
		ok, _ := l.Allow("agent", 1)
		require.True(t, ok)
	}
	ok, _ := l.Allow("agent", 1)
	require.False(t, ok)

	// 1s at 2 tokens/s buys two more requests.
	clock.advance(time.Second)
	ok, _ = l.Allow("agent", 1)
	require.True(t, ok)
	ok, _ = l.Allow("agent", 1)
	require.True(t, ok)
	ok, _ = l.Allow("agent", 1)
	require.False(t, ok)
}

func TestRefillCapsAtCapacity(t *testing.T) {
	l, clock := newTestLimiter(10, 5)

	ok, _ := l.Allow("agent", 1)
	require.True(t, ok)

	clock.advance(time.Minute)

	ok, res := l.Allow("agent", 1)
	require.True(t, ok)
	require.Equal(t, 4, res.Remaining)
}

func TestIdentifiersAreIsolated(t *testing.T) {
	l, _ := newTestLimiter(1, 1)

	ok, _ := l.Allow("10.0.0.1", 1)
	require.True(t, ok)
	ok, _ = l.Allow("10.0.0.1", 1)
	require.False(t, ok)

	ok, _ = l.Allow("10.0.0.2", 1)
	require.True(t, ok)
}

func TestRetryAfterCoversDeficit(t *testing.T) {
	l, _ := newTestLimiter(1, 2)

	l.Allow("agent", 2)
	ok, res := l.Allow("agent", 2)
	require.False(t, ok)
	// Two tokens short at one token per second.
	require.Equal(t, 3, res.RetryAfter)
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(1, 1)

	l.Allow("agent", 1)
	ok, _ := l.Allow("agent", 1)
	require.False(t, ok)

	l.Reset("agent")
	ok, _ = l.Allow("agent", 1)
	require.True(t, ok)
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	l, clock := newTestLimiter(1, 1)

	l.Allow("stale", 1)
	require.Equal(t, 1, l.Size())

	clock.advance(2 * time.Hour)
	l.Allow("fresh", 1)

	require.Equal(t, 1, l.Size())
	_, held := l.buckets["stale"]
	require.False(t, held)
}
