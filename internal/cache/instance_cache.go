package cache

import (
	"strings"
	"time"

	instancedomain "github.com/smallbiznis/waingest/internal/instance/domain"
)

const defaultInstanceTTL = 5 * time.Minute

// InstanceCache stores hot-path channel lookups for webhook ingest. Entries
// are invalidated explicitly when an instance is registered or changed.
type InstanceCache interface {
	Get(provider, externalID string) (instancedomain.Instance, bool)
	Set(provider, externalID string, instance instancedomain.Instance)
	Invalidate(provider, externalID string)
}

type instanceCache struct {
	items Cache[string, instancedomain.Instance]
	ttl   time.Duration
}

// NewInstanceCache returns an in-memory cache; ttl <= 0 uses the default.
func NewInstanceCache(ttl time.Duration) InstanceCache {
	if ttl <= 0 {
		ttl = defaultInstanceTTL
	}
	return &instanceCache{
		items: NewTTLCache[string, instancedomain.Instance](ttl, 2*ttl),
		ttl:   ttl,
	}
}

func (c *instanceCache) Get(provider, externalID string) (instancedomain.Instance, bool) {
	return c.items.Get(cacheKey(provider, externalID))
}

func (c *instanceCache) Set(provider, externalID string, instance instancedomain.Instance) {
	if instance.ID == 0 {
		return
	}
	c.items.Set(cacheKey(provider, externalID), instance, c.ttl)
}

func (c *instanceCache) Invalidate(provider, externalID string) {
	c.items.Delete(cacheKey(provider, externalID))
}

// cacheKey lowercases the provider only; gateway session names are case sensitive.
func cacheKey(provider, externalID string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + "|" + strings.TrimSpace(externalID)
}
