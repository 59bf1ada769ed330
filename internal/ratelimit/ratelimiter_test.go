package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock advances only when told to, so refill behavior is deterministic.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(rpm, burst int) (*TokenBucketLimiter, *testClock) {
	clock := newTestClock()
	l := NewTokenBucketLimiter(Config{RequestsPerMinute: rpm, Burst: burst})
	l.now = clock.Now
	return l, clock
}

func TestTokenBucketLimiter_BurstThenRefill(t *testing.T) {
	// 60 rpm = 1 token/s, capacity 5.
	l, clock := newTestLimiter(60, 5)

	for i := 0; i < 5; i++ {
		d := l.Allow("key-1")
		assert.True(t, d.Allowed, "request %d should pass", i+1)
	}

	// Bucket is empty; the 6th is rejected with a sensible retry hint.
	d := l.Allow("key-1")
	require.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	// After 5 seconds the bucket is full again.
	clock.Advance(5 * time.Second)
	for i := 0; i < 5; i++ {
		d := l.Allow("key-1")
		assert.True(t, d.Allowed, "request %d after refill should pass", i+1)
	}
	d = l.Allow("key-1")
	assert.False(t, d.Allowed)
}

func TestTokenBucketLimiter_PartialRefill(t *testing.T) {
	l, clock := newTestLimiter(60, 5)

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow("key").Allowed)
	}

	// Two seconds buys exactly two tokens, no more.
	clock.Advance(2 * time.Second)
	assert.True(t, l.Allow("key").Allowed)
	assert.True(t, l.Allow("key").Allowed)
	assert.False(t, l.Allow("key").Allowed)
}

func TestTokenBucketLimiter_RefillNeverExceedsBurst(t *testing.T) {
	l, clock := newTestLimiter(60, 3)

	require.True(t, l.Allow("key").Allowed)

	// A long idle period refills to capacity, not beyond.
	clock.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("key").Allowed)
	}
	assert.False(t, l.Allow("key").Allowed)
}

func TestTokenBucketLimiter_IndependentIdentities(t *testing.T) {
	l, _ := newTestLimiter(60, 2)

	require.True(t, l.Allow("a").Allowed)
	require.True(t, l.Allow("a").Allowed)
	require.False(t, l.Allow("a").Allowed)

	// Exhausting one identity's bucket never affects another's.
	assert.True(t, l.Allow("b").Allowed)
	assert.True(t, l.Allow("b").Allowed)

	assert.Equal(t, 2, l.BucketCount())
}

func TestTokenBucketLimiter_RetryAfterMinimumOneSecond(t *testing.T) {
	// 600 rpm = 10 tokens/s; the deficit is repaid in 100ms but the hint is
	// still rounded up to a full second.
	l, _ := newTestLimiter(600, 1)

	require.True(t, l.Allow("key").Allowed)
	d := l.Allow("key")
	require.False(t, d.Allowed)
	assert.GreaterOrEqual(t, d.RetryAfter, time.Second)
}

func TestTokenBucketLimiter_ZeroRefillRate(t *testing.T) {
	// rpm=0 means the bucket never refills; the retry hint must still be a
	// sane finite duration rather than an overflowed division.
	l, clock := newTestLimiter(0, 2)

	for i := 0; i < 2; i++ {
		assert.True(t, l.Allow("key-1").Allowed, "burst request %d should pass", i+1)
	}

	d := l.Allow("key-1")
	require.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	// No amount of waiting refills a zero-rate bucket.
	clock.Advance(time.Hour)
	d = l.Allow("key-1")
	require.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)
}

func TestTokenBucketLimiter_ConcurrentSameIdentity(t *testing.T) {
	l, _ := newTestLimiter(60, 50)

	var wg sync.WaitGroup
	allowed := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- l.Allow("shared").Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	// Exactly the burst capacity is admitted, never more.
	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	assert.Equal(t, 50, count)
}

func TestTokenBucketLimiter_Snapshot(t *testing.T) {
	l, _ := newTestLimiter(120, 10)
	snap := l.Snapshot()
	assert.Equal(t, 120, snap.RequestsPerMinute)
	assert.Equal(t, 10, snap.Burst)
	assert.InDelta(t, 2.0, snap.RefillPerSecond, 1e-9)
}

func TestTokenBucketLimiter_BurstDefaultsToRate(t *testing.T) {
	l := NewTokenBucketLimiter(Config{RequestsPerMinute: 7})
	assert.Equal(t, 7, l.Snapshot().Burst)
}

func TestNoopLimiter(t *testing.T) {
	l := NewNoopLimiter()
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("any-key").Allowed)
	}
}

func TestExemptPaths(t *testing.T) {
	e := NewExemptPaths([]string{"/ping", "/metrics", " ", ""})

	assert.True(t, e.Exempt("/ping", "GET"))
	assert.True(t, e.Exempt("/metrics", "GET"))
	assert.True(t, e.Exempt("/metrics/detail", "GET"))
	assert.False(t, e.Exempt("/log", "POST"))
	assert.False(t, e.Exempt("/pingpong", "GET"))

	// CORS preflights are always exempt.
	assert.True(t, e.Exempt("/log", "OPTIONS"))
}
