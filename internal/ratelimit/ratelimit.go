package ratelimit

import (
	"sync"
	"time"

	"github.com/juju/ratelimit"
)

// Clock is the time source of a bucket; tests substitute a fake one.
type Clock = ratelimit.Clock

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// TokenBucket is a non-blocking token bucket that remembers when it was last used.
type TokenBucket struct {
	mu       sync.Mutex
	bucket   *ratelimit.Bucket
	lastUsed time.Time
	clock    Clock
}

// NewTokenBucket creates a full bucket refilled at rate tokens per second up to capacity.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, realClock{})
}

func newTokenBucket(rate, capacity int, clock Clock) *TokenBucket {
	return &TokenBucket{
		bucket:   ratelimit.NewBucketWithRateAndClock(float64(rate), int64(capacity), clock),
		lastUsed: clock.Now(),
		clock:    clock,
	}
}

// Allow consumes a token if one is available and never waits.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	tb.lastUsed = tb.clock.Now()
	tb.mu.Unlock()
	return tb.bucket.TakeAvailable(1) == 1
}

func (tb *TokenBucket) idleSince(t time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed.Before(t)
}

// UpgradeLimiter limits upgrade attempts per remote identity.
// A zero rate disables limiting entirely.
type UpgradeLimiter struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	rate    int
	burst   int
	clock   Clock
}

// NewUpgradeLimiter creates a limiter allowing rate upgrades per second per
// remote, with bursts of up to burst attempts.
func NewUpgradeLimiter(rate, burst int) *UpgradeLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &UpgradeLimiter{
		buckets: make(map[string]*TokenBucket),
		rate:    rate,
		burst:   burst,
		clock:   realClock{},
	}
}

// Enabled reports whether the limiter restricts anything.
func (l *UpgradeLimiter) Enabled() bool { return l != nil && l.rate > 0 }

// AllowUpgrade checks whether remote may start another upgrade now.
func (l *UpgradeLimiter) AllowUpgrade(remote string) bool {
	if !l.Enabled() {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.buckets[remote]
	if !ok {
		bucket = newTokenBucket(l.rate, l.burst, l.clock)
		l.buckets[remote] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// CleanupIdle drops buckets that have not been used for maxIdle and returns
// how many were removed.
func (l *UpgradeLimiter) CleanupIdle(maxIdle time.Duration) int {
	if !l.Enabled() {
		return 0
	}
	cutoff := l.clock.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for remote, b := range l.buckets {
		if b.idleSince(cutoff) {
			delete(l.buckets, remote)
			removed++
		}
	}
	return removed
}
