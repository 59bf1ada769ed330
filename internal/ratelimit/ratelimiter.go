package ratelimit

import (
	"math"
	"strings"
	"sync"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool

	// RetryAfter is how long the caller should wait before retrying a
	// rejected request. Zero when allowed.
	RetryAfter time.Duration

	// Remaining is the token count left in the bucket, for observability.
	Remaining float64
}

// Limiter is consulted synchronously before any mutating or ingestion
// operation. Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(key string) Decision
}

// NoopLimiter admits everything (rate limiting disabled).
type NoopLimiter struct{}

func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

func (l *NoopLimiter) Allow(key string) Decision {
	return Decision{Allowed: true, Remaining: math.Inf(1)}
}

// bucket is the per-identity token-bucket state. It lives only in process
// memory and is created lazily on the first request from a new identity.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// TokenBucketLimiter keys one bucket per identity. Buckets are never
// evicted; identity cardinality is operationally bounded (a small number of
// credentials and tokens, or origin addresses), so this is a documented
// scaling constraint rather than a leak in practice.
type TokenBucketLimiter struct {
	burst      float64
	refillRate float64 // tokens per second
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// Config holds rate limiter settings.
type Config struct {
	// RequestsPerMinute is the sustained refill rate.
	RequestsPerMinute int

	// Burst is the bucket capacity. Defaults to RequestsPerMinute.
	Burst int
}

// ConfigSnapshot is the limiter configuration exposed on the metrics
// endpoint.
type ConfigSnapshot struct {
	RequestsPerMinute int     `json:"requests_per_minute"`
	Burst             int     `json:"burst"`
	RefillPerSecond   float64 `json:"refill_per_second"`
}

// NewTokenBucketLimiter creates a limiter with the given sustained rate and
// burst capacity.
func NewTokenBucketLimiter(cfg Config) *TokenBucketLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	return &TokenBucketLimiter{
		burst:      float64(burst),
		refillRate: float64(cfg.RequestsPerMinute) / 60.0,
		now:        time.Now,
		buckets:    make(map[string]*bucket),
	}
}

// Allow runs one admission check for key. Refill and decrement happen under
// the bucket lock, so two concurrent checks for the same identity can never
// both observe the same pre-decrement count.
func (l *TokenBucketLimiter) Allow(key string) Decision {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastRefill: now}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(l.burst, b.tokens+elapsed*l.refillRate)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: b.tokens}
	}

	// A zero refill rate never recovers; the deficit division below would
	// overflow the duration conversion.
	if l.refillRate <= 0 {
		return Decision{Allowed: false, RetryAfter: time.Second, Remaining: b.tokens}
	}

	deficitSeconds := (1 - b.tokens) / l.refillRate
	retryAfter := time.Duration(math.Ceil(deficitSeconds)) * time.Second
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retryAfter, Remaining: b.tokens}
}

// Snapshot returns the limiter configuration.
func (l *TokenBucketLimiter) Snapshot() ConfigSnapshot {
	return ConfigSnapshot{
		RequestsPerMinute: int(math.Round(l.refillRate * 60)),
		Burst:             int(l.burst),
		RefillPerSecond:   l.refillRate,
	}
}

// BucketCount returns the number of live buckets.
func (l *TokenBucketLimiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// ExemptPaths matches request paths that bypass rate limiting entirely,
// such as health checks and dashboard reads.
type ExemptPaths struct {
	paths []string
}

// NewExemptPaths builds a matcher from exact paths; each entry also matches
// as a prefix at a path-segment boundary.
func NewExemptPaths(paths []string) *ExemptPaths {
	cleaned := make([]string, 0, len(paths))
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return &ExemptPaths{paths: cleaned}
}

// Exempt reports whether the path/method combination bypasses rate
// limiting. OPTIONS preflights are always exempt.
func (e *ExemptPaths) Exempt(path, method string) bool {
	if method == "OPTIONS" {
		return true
	}
	for _, p := range e.paths {
		if path == p || strings.HasPrefix(path, strings.TrimRight(p, "/")+"/") {
			return true
		}
	}
	return false
}
