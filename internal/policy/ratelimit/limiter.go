// Package ratelimit implements keyed token bucket limiters, one bucket per key.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-job-aggregator/internal/telemetry"
)

// pruneThreshold is the bucket count above which idle buckets are swept.
const pruneThreshold = 1024

// Limiter hands out tokens per key (a scrape source, a client address).
type Limiter struct {
	name         string
	mu           sync.Mutex
	limiters     map[string]*bucket
	defaultRate  rate.Limit
	defaultBurst int
	idleTTL      time.Duration
	now          func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	// Name labels the limiter in metrics.
	Name         string
	DefaultRPS   float64
	DefaultBurst int
	// IdleTTL drops buckets unused for this long once the map grows large.
	IdleTTL time.Duration
}

// New creates a new Limiter. A non-positive DefaultRPS disables limiting.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = time.Hour
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	return &Limiter{
		name:         name,
		limiters:     make(map[string]*bucket),
		defaultRate:  r,
		defaultBurst: burst,
		idleTTL:      idle,
		now:          time.Now,
	}
}

// PerWindow converts "n requests per window" into a rate.
func PerWindow(n int, window time.Duration) float64 {
	if n <= 0 || window <= 0 {
		return 0
	}
	return float64(n) / window.Seconds()
}

func (l *Limiter) get(key string) *rate.Limiter {
	if key == "" {
		key = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, exists := l.limiters[key]
	if !exists {
		if len(l.limiters) >= pruneThreshold {
			l.pruneLocked(now)
		}
		b = &bucket{limiter: rate.NewLimiter(l.defaultRate, l.defaultBurst)}
		l.limiters[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (l *Limiter) pruneLocked(now time.Time) int {
	removed := 0
	for key, b := range l.limiters {
		if now.Sub(b.lastSeen) >= l.idleTTL {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// Prune drops buckets idle for longer than IdleTTL and reports how many went.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(l.now())
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Wait blocks until a token is available for key, respecting the context.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	limiter := l.get(key)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// A token that was already available costs nothing worth recording.
	if d := time.Since(start); d > time.Millisecond {
		telemetry.ObserveRateLimitDelay(l.name, d)
	}
	return nil
}

// Allow takes a token for key without waiting and reports whether one was available.
func (l *Limiter) Allow(key string) bool {
	if l.get(key).Allow() {
		return true
	}
	telemetry.ObserveRateLimitRejected(l.name)
	return false
}
