package cache

import (
	"context"
	"time"

	"github.com/LuanEdCosta/dojot/pkg/identity"

	"github.com/jellydator/ttlcache/v3"
)

// Cache maps certificate fingerprints to the identity resolved for them.
// Entries expire after the configured TTL and are never invalidated
// explicitly; a later Set for the same fingerprint overwrites the entry.
type Cache interface {
	Init(ctx context.Context) error
	Get(ctx context.Context, fingerprint string) (identity.Identity, bool, error)
	Set(ctx context.Context, fingerprint string, id identity.Identity) error
}

type memoryCache struct {
	items *ttlcache.Cache[string, identity.Identity]
}

func NewMemoryCache(ttl time.Duration) Cache {
	return newMemoryCache(ttl)
}

func newMemoryCache(ttl time.Duration) *memoryCache {
	return &memoryCache{
		items: ttlcache.New[string, identity.Identity](
			ttlcache.WithTTL[string, identity.Identity](ttl),
			// Reads must not extend the lifetime of an entry.
			ttlcache.WithDisableTouchOnHit[string, identity.Identity](),
		),
	}
}

// Init starts the removal of expired entries until ctx is done.
func (c *memoryCache) Init(ctx context.Context) error {
	go c.items.Start()
	go func() {
		<-ctx.Done()
		c.items.Stop()
	}()
	return nil
}

func (c *memoryCache) Get(ctx context.Context, fingerprint string) (identity.Identity, bool, error) {
	item := c.items.Get(fingerprint)
	if item == nil || item.IsExpired() {
		return identity.Identity{}, false, nil
	}
	return item.Value(), true, nil
}

func (c *memoryCache) Set(ctx context.Context, fingerprint string, id identity.Identity) error {
	c.items.Set(fingerprint, id, ttlcache.DefaultTTL)
	return nil
}
