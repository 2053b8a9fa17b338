// Package cache holds decoded ledger records for a short, per-class time-to-live.
package cache

import (
	"sync"
	"time"
)

// Class groups records that share a time-to-live.
type Class string

const (
	ClassCounter     Class = "counter"
	ClassStrategy    Class = "strategy"
	ClassPosition    Class = "position"
	ClassMarketplace Class = "marketplace"
	ClassOrder       Class = "order"
	ClassScan        Class = "scan"
)

type TTLs map[Class]time.Duration

func DefaultTTLs() TTLs {
	return TTLs{
		ClassCounter:     20 * time.Second,
		ClassStrategy:    15 * time.Second,
		ClassPosition:    15 * time.Second,
		ClassMarketplace: 30 * time.Second,
		ClassOrder:       15 * time.Second,
		ClassScan:        30 * time.Second,
	}
}

type entry struct {
	value     any
	class     Class
	fetchedAt time.Time
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Cache is safe for concurrent use. Writes are last-write-wins.
type Cache[K comparable] struct {
	mu      sync.RWMutex
	ttls    TTLs
	entries map[K]entry
	now     func() time.Time
}

func New[K comparable](ttls TTLs, opts ...Option) *Cache[K] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	merged := DefaultTTLs()
	for class, ttl := range ttls {
		merged[class] = ttl
	}
	return &Cache[K]{
		ttls:    merged,
		entries: make(map[K]entry),
		now:     o.now,
	}
}

// Get returns the cached value if it is younger than its class TTL.
func (c *Cache[K]) Get(key K) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.fetchedAt) >= c.ttl(e.class) {
		return nil, false
	}
	return e.value, true
}

func (c *Cache[K]) Put(key K, class Class, value any) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, class: class, fetchedAt: c.now()}
	c.mu.Unlock()
}

func (c *Cache[K]) Invalidate(keys ...K) {
	c.mu.Lock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

// InvalidateClass drops every entry of the given class.
func (c *Cache[K]) InvalidateClass(class Class) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if e.class == class {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Sweep evicts expired entries and reports how many were removed.
func (c *Cache[K]) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.fetchedAt) >= c.ttl(e.class) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *Cache[K]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[K]) ttl(class Class) time.Duration {
	return c.ttls[class]
}

// Lookup is Get with a type assertion; a value of another type counts as a miss.
func Lookup[T any, K comparable](c *Cache[K], key K) (T, bool) {
	var zero T
	raw, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
