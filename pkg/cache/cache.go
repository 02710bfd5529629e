// Package cache wraps go-cache behind a small interface so resolver
// lookups can be faked in tests.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache defines the interface for cache operations
type Cache interface {
	// Get retrieves a value from the cache
	Get(key string) (interface{}, bool)

	// Set stores a value with the default expiration
	Set(key string, value interface{})

	// SetWithTTL stores a value with an explicit expiration
	SetWithTTL(key string, value interface{}, ttl time.Duration)

	// Delete removes a value from the cache
	Delete(key string)

	// Flush removes all items from the cache
	Flush()
}

// InMemoryCache implements Cache using go-cache
type InMemoryCache struct {
	cache *gocache.Cache
}

// NewInMemoryCache creates an in-memory cache with the given default
// expiration and cleanup interval.
func NewInMemoryCache(defaultExpiration, cleanupInterval time.Duration) *InMemoryCache {
	return &InMemoryCache{
		cache: gocache.New(defaultExpiration, cleanupInterval),
	}
}

// Get retrieves a value from the cache
func (c *InMemoryCache) Get(key string) (interface{}, bool) {
	return c.cache.Get(key)
}

// Set stores a value with the default expiration
func (c *InMemoryCache) Set(key string, value interface{}) {
	c.cache.SetDefault(key, value)
}

// SetWithTTL stores a value with an explicit expiration
func (c *InMemoryCache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	c.cache.Set(key, value, ttl)
}

// Delete removes a value from the cache
func (c *InMemoryCache) Delete(key string) {
	c.cache.Delete(key)
}

// Flush removes all items from the cache
func (c *InMemoryCache) Flush() {
	c.cache.Flush()
}
