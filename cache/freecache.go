package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/coocood/freecache"
)

// DefaultFreeCacheSize is large enough for discovery documents and cursor
// checkpoints of a few thousand subscriptions.
const DefaultFreeCacheSize = 4 * 1024 * 1024

type freeCache struct {
	cache *freecache.Cache
}

// NewFreeCache wraps an in-process freecache instance.
func NewFreeCache(cache *freecache.Cache) Cache {
	return &freeCache{cache: cache}
}

// NewDefaultFreeCache allocates a freecache of DefaultFreeCacheSize bytes.
func NewDefaultFreeCache() Cache {
	return NewFreeCache(freecache.NewCache(DefaultFreeCacheSize))
}

func (c *freeCache) Set(ctx context.Context, key string, value string, expiry time.Duration) error {
	ttlSeconds := int(expiry.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 0 // No expiry
	}

	err := c.cache.Set([]byte(key), []byte(value), ttlSeconds)
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (c *freeCache) Get(ctx context.Context, key string) (string, error) {
	data, err := c.cache.Get([]byte(key))
	if err != nil {
		if err == freecache.ErrNotFound {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return string(data), nil
}

// Delete is idempotent: deleting a missing key is not an error.
func (c *freeCache) Delete(ctx context.Context, key string) error {
	c.cache.Del([]byte(key))
	return nil
}

func (c *freeCache) Clear(ctx context.Context) error {
	c.cache.Clear()
	return nil
}
