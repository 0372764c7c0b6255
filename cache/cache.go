package cache

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/golang/snappy"
	lru "github.com/hashicorp/golang-lru"
)

// Cache stores opaque string values. Get reports a miss with ok == false and
// a nil error; a ttl <= 0 on Put keeps the value until it is evicted.
type Cache interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key string, value string, ttl time.Duration) error
}

const memoryCacheLimit = 4096

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

type memoryCache struct {
	cache *lru.Cache
	now   func() time.Time
}

func NewMemoryCache(limit int) Cache {
	if limit <= 0 {
		limit = memoryCacheLimit
	}
	c, _ := lru.New(limit)
	return &memoryCache{cache: c, now: time.Now}
}

func (c *memoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, ok := c.cache.Get(key)
	if !ok {
		return "", false, nil
	}
	entry := val.(memoryEntry)
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		c.cache.Remove(key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (c *memoryCache) Put(ctx context.Context, key string, value string, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.cache.Add(key, entry)
	return nil
}

// fallbackCache reads and writes through primary and switches to secondary
// for any call where primary returns an error.
type fallbackCache struct {
	primary   Cache
	secondary Cache
}

func NewFallbackCache(primary Cache, secondary Cache) Cache {
	return &fallbackCache{
		primary:   primary,
		secondary: secondary,
	}
}

func (c *fallbackCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, ok, err := c.primary.Get(ctx, key)
	if err != nil {
		log.Warn("primary cache get failed, using fallback", "key", key, "err", err)
		return c.secondary.Get(ctx, key)
	}
	return val, ok, nil
}

func (c *fallbackCache) Put(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := c.primary.Put(ctx, key, value, ttl); err != nil {
		log.Warn("primary cache put failed, using fallback", "key", key, "err", err)
		return c.secondary.Put(ctx, key, value, ttl)
	}
	return nil
}

type cacheWithCompression struct {
	cache Cache
}

func NewCacheWithCompression(cache Cache) Cache {
	return &cacheWithCompression{cache: cache}
}

func (c *cacheWithCompression) Get(ctx context.Context, key string) (string, bool, error) {
	encoded, ok, err := c.cache.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	val, err := snappy.Decode(nil, []byte(encoded))
	if err != nil {
		return "", false, wrapErr(err, "error decompressing cached value")
	}
	return string(val), true, nil
}

func (c *cacheWithCompression) Put(ctx context.Context, key string, value string, ttl time.Duration) error {
	encoded := snappy.Encode(nil, []byte(value))
	return c.cache.Put(ctx, key, string(encoded), ttl)
}
