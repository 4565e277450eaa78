// Package middleware holds fiber middleware shared by the catalog API
package middleware

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/freewebtopdf/toolvm/internal/domain"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	capacity   int
	tokens     float64
	refillRate int // tokens per second
	lastRefill time.Time
	now        func() time.Time
	mutex      sync.Mutex
}

// NewTokenBucket creates a new token bucket
func NewTokenBucket(capacity, refillRate int) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes one token if available
func (tb *TokenBucket) Allow() bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens = min(float64(tb.capacity), tb.tokens+elapsed*float64(tb.refillRate))
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Remaining returns the whole tokens left
func (tb *TokenBucket) Remaining() int {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()
	return int(tb.tokens)
}

type limit struct {
	capacity   int
	refillRate int
}

// RateLimiter keeps one bucket per client and route group
type RateLimiter struct {
	buckets map[string]*TokenBucket
	mutex   sync.RWMutex
	now     func() time.Time

	defaults limit
	groups   map[string]limit
}

// NewRateLimiter creates a rate limiter allowing rps requests per second with
// the given burst. Health probes get a small fixed budget.
func NewRateLimiter(rps, burst int) *RateLimiter {
	return &RateLimiter{
		buckets:  make(map[string]*TokenBucket),
		now:      time.Now,
		defaults: limit{capacity: burst, refillRate: rps},
		groups: map[string]limit{
			"/health": {capacity: 20, refillRate: 2},
		},
	}
}

// group collapses per-package paths so one client shares a bucket across ids
func group(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/packages"):
		return "/v1/packages"
	case strings.HasPrefix(path, "/v1/installed"):
		return "/v1/installed"
	}
	return path
}

func (rl *RateLimiter) getBucket(clientID, endpoint string) *TokenBucket {
	key := clientID + ":" + endpoint

	rl.mutex.RLock()
	bucket, exists := rl.buckets[key]
	rl.mutex.RUnlock()
	if exists {
		return bucket
	}

	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	if bucket, exists := rl.buckets[key]; exists {
		return bucket
	}

	l, ok := rl.groups[endpoint]
	if !ok {
		l = rl.defaults
	}
	bucket = newTokenBucket(l.capacity, l.refillRate, rl.now)
	rl.buckets[key] = bucket
	return bucket
}

func (rl *RateLimiter) getClientID(c *fiber.Ctx) string {
	if apiKey := c.Get("X-API-Key"); apiKey != "" {
		return "api:" + apiKey
	}
	return "ip:" + c.IP()
}

// Middleware returns a Fiber middleware for rate limiting
func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		clientID := rl.getClientID(c)
		endpoint := group(c.Path())
		bucket := rl.getBucket(clientID, endpoint)

		c.Set("X-RateLimit-Limit", strconv.Itoa(bucket.capacity))

		if !bucket.Allow() {
			c.Set("Retry-After", "1")
			c.Set("X-RateLimit-Remaining", "0")
			return c.Status(fiber.StatusTooManyRequests).JSON(map[string]any{
				"status":  "error",
				"code":    domain.ErrRateLimit,
				"message": "Rate limit exceeded",
				"details": map[string]any{"endpoint": endpoint},
			})
		}

		c.Set("X-RateLimit-Remaining", strconv.Itoa(bucket.Remaining()))
		return c.Next()
	}
}

// CleanupOldBuckets drops buckets idle for more than an hour
func (rl *RateLimiter) CleanupOldBuckets() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	for key, bucket := range rl.buckets {
		bucket.mutex.Lock()
		idle := now.Sub(bucket.lastRefill)
		bucket.mutex.Unlock()
		if idle > time.Hour {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanupRoutine starts a background routine to clean up old buckets.
// The returned function stops it.
func (rl *RateLimiter) StartCleanupRoutine() (stop func()) {
	ticker := time.NewTicker(10 * time.Minute)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				rl.CleanupOldBuckets()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// ActiveBuckets returns the number of tracked buckets
func (rl *RateLimiter) ActiveBuckets() int {
	rl.mutex.RLock()
	defer rl.mutex.RUnlock()
	return len(rl.buckets)
}
