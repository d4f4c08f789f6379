// Package cache provides a small in-memory TTL cache with a background
// sweeper. It backs the web-fetch continuation tokens and the per-provider
// model listings.
package cache

import (
	"sync"
	"time"
)

// TTLCache is an in-memory cache with per-entry expiry and a background
// sweeper. Construct with NewTTLCache and release with Close; expiry never
// relies on finalizers.
type TTLCache[V any] struct {
	mu      sync.Mutex
	entries map[string]ttlEntry[V]
	stop    chan struct{}
	once    sync.Once
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewTTLCache starts a cache whose sweeper runs every sweep interval.
func NewTTLCache[V any](sweep time.Duration) *TTLCache[V] {
	c := &TTLCache[V]{
		entries: make(map[string]ttlEntry[V]),
		stop:    make(chan struct{}),
	}
	go c.sweeper(sweep)
	return c
}

// Get returns the live value for key.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		var zero V
		delete(c.entries, key)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for ttl.
func (c *TTLCache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ttlEntry[V]{value: value, expiresAt: time.Now().Add(ttl)}
}

// Delete removes key.
func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Close stops the sweeper. Idempotent.
func (c *TTLCache[V]) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *TTLCache[V]) sweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
