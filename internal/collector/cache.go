package collector

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultEndpointTTL is how long a healthy endpoint is preferred.
const DefaultEndpointTTL = 5 * time.Minute

const endpointKey = "endpoint"

// EndpointCache remembers the last endpoint that answered, for ttl.
type EndpointCache struct {
	cache *ttlcache.Cache[string, string]
	ttl   time.Duration
}

// NewEndpointCache returns an empty cache. ttl <= 0 uses DefaultEndpointTTL.
func NewEndpointCache(ttl time.Duration) *EndpointCache {
	if ttl <= 0 {
		ttl = DefaultEndpointTTL
	}
	return &EndpointCache{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, string](ttl),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
		ttl: ttl,
	}
}

// Get returns the cached endpoint. ok is false when nothing is cached or
// the entry expired.
func (c *EndpointCache) Get() (base string, ok bool) {
	item := c.cache.Get(endpointKey)
	if item == nil || item.IsExpired() {
		return "", false
	}
	return item.Value(), true
}

// Set records base as healthy.
func (c *EndpointCache) Set(base string) {
	c.cache.Set(endpointKey, base, ttlcache.DefaultTTL)
}

// Invalidate forgets base if it is the cached endpoint.
func (c *EndpointCache) Invalidate(base string) {
	if cur, ok := c.Get(); ok && cur == base {
		c.cache.Delete(endpointKey)
	}
}

// TTL returns the entry lifetime.
func (c *EndpointCache) TTL() time.Duration {
	return c.ttl
}
