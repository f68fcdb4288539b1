// Package ratelimit implements C8's rate-limiting half: a fixed window
// plus burst-token bucket per (client_id, client_ip) identity, matching
// the original SecurityManager.check_rate_limit algorithm exactly —
// including that source's note that a second, positional-argument variant
// of that method was a bug and is not reproduced here.
package ratelimit

import (
	"sync"
	"time"

	"github.com/manifold/orchestrator/internal/faultcore"
	"github.com/manifold/orchestrator/internal/models"
)

// Config mirrors the original system's SecurityConfig rate-limit
// constants.
type Config struct {
	Requests int           // R, requests allowed per window
	Window   time.Duration // W
	Burst    int           // B, burst tokens replenished at window reset
}

func DefaultConfig() Config {
	return Config{Requests: 100, Window: time.Hour, Burst: 10}
}

// Limiter holds the process-wide bucket map described in spec §5; each
// bucket is guarded individually so unrelated identities never contend.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	mu sync.Mutex
	b  models.RateLimitBucket
}

func NewLimiter(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

func key(clientID, clientIP string) string {
	return clientID + ":" + clientIP
}

func (l *Limiter) getBucket(k string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[k]
	if !ok {
		b = &bucket{b: models.RateLimitBucket{WindowStart: time.Now(), BurstTokens: l.cfg.Burst}}
		l.buckets[k] = b
	}
	return b
}

// Allow runs the five-step algorithm from spec §4.8 against the bucket for
// (clientID, clientIP). Returns a faultcore.Fault of KindRateLimited with
// RetryAfter set when the request is rejected.
func (l *Limiter) Allow(clientID, clientIP string) error {
	b := l.getBucket(key(clientID, clientIP))
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	// 1. window reset
	if now.Sub(b.b.WindowStart) >= l.cfg.Window {
		b.b.RequestsInWindow = 0
		b.b.BurstTokens = l.cfg.Burst
		b.b.WindowStart = now
		b.b.BlockedUntil = nil
	}

	// 2. existing block
	if b.b.BlockedUntil != nil && now.Before(*b.b.BlockedUntil) {
		return faultcore.RateLimited(b.b.BlockedUntil.Sub(now), "rate limit exceeded for %s", key(clientID, clientIP))
	}

	// 3. burst pool
	if b.b.BurstTokens > 0 {
		b.b.BurstTokens--
		return nil
	}

	// 4. regular quota
	if b.b.RequestsInWindow < l.cfg.Requests {
		b.b.RequestsInWindow++
		return nil
	}

	// 5. block and reject
	windowEnd := b.b.WindowStart.Add(l.cfg.Window)
	blockUntil := now.Add(l.cfg.Window)
	if windowEnd.Before(blockUntil) {
		blockUntil = windowEnd
	}
	b.b.BlockedUntil = &blockUntil
	return faultcore.RateLimited(blockUntil.Sub(now), "rate limit exceeded for %s", key(clientID, clientIP))
}

// Snapshot returns a copy of the current bucket state for an identity, for
// tests and health reporting; returns the zero value if unseen.
func (l *Limiter) Snapshot(clientID, clientIP string) models.RateLimitBucket {
	l.mu.Lock()
	b, ok := l.buckets[key(clientID, clientIP)]
	l.mu.Unlock()
	if !ok {
		return models.RateLimitBucket{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b
}

// CleanupExpired drops buckets untouched for more than 2*Window and clears
// IP blocks past their expiry, mirroring SecurityManager's background
// 5-minute sweep. Like internal/auth, Limiter has no caller yet: the
// HTTP/AuthN surface that would rate-limit and periodically invoke this
// on a ticker is out of scope per SPEC_FULL.md's non-goals.
func (l *Limiter) CleanupExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, b := range l.buckets {
		b.mu.Lock()
		stale := now.Sub(b.b.WindowStart) >= 2*l.cfg.Window
		if b.b.BlockedUntil != nil && now.After(*b.b.BlockedUntil) {
			b.b.BlockedUntil = nil
		}
		b.mu.Unlock()
		if stale {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}
