package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache is a typed view over an expiring in-process store.
type Cache[K ~string, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Flush()
}

type ttlCache[K ~string, V any] struct {
	store *gocache.Cache
}

// NewTTLCache returns a go-cache backed store. Expired entries are swept
// every cleanup interval.
func NewTTLCache[K ~string, V any](defaultTTL, cleanup time.Duration) Cache[K, V] {
	return &ttlCache[K, V]{store: gocache.New(defaultTTL, cleanup)}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	var zero V
	raw, ok := c.store.Get(string(key))
	if !ok {
		return zero, false
	}
	value, ok := raw.(V)
	if !ok {
		return zero, false
	}
	return value, true
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.store.Set(string(key), value, ttl)
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.store.Delete(string(key))
}

func (c *ttlCache[K, V]) Flush() {
	c.store.Flush()
}
