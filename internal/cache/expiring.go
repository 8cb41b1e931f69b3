// Package cache holds process-local results with per-entry expiry.
package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Expiring is a concurrency-safe store whose entries lapse after a TTL.
// Expiry is enforced on read; Sweep and Run reclaim entries nobody reads.
type Expiring[V any] struct {
	items *ttlcache.Cache[string, V]
}

// New builds an empty cache. Reads never extend an entry's lifetime.
func New[V any]() *Expiring[V] {
	return &Expiring[V]{
		items: ttlcache.New[string, V](
			ttlcache.WithDisableTouchOnHit[string, V](),
		),
	}
}

// Get returns the live value for key. An expired entry is reported as a miss.
func (c *Expiring[V]) Get(key string) (V, bool) {
	item := c.items.Get(key)
	if item == nil || item.IsExpired() {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

// Set stores value under key, replacing any previous entry and its expiry.
// A non-positive ttl stores the value without expiry.
func (c *Expiring[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	c.items.Set(key, value, ttl)
}

// Delete removes key if present.
func (c *Expiring[V]) Delete(key string) {
	c.items.Delete(key)
}

// Clear drops every entry.
func (c *Expiring[V]) Clear() {
	c.items.DeleteAll()
}

// Len counts stored entries, including expired ones not yet swept.
func (c *Expiring[V]) Len() int {
	return c.items.Len()
}

// Sweep evicts every expired entry and returns how many were removed.
func (c *Expiring[V]) Sweep() int {
	before := c.items.Len()
	c.items.DeleteExpired()
	return before - c.items.Len()
}

// Run sweeps every interval until ctx is done.
func (c *Expiring[V]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
