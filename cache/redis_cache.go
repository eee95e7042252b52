package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type redisCache struct {
	lg     *zap.Logger
	client *redis.Client
	prefix string
}

// NewRedisCache stores entries in redis under prefix, which lets several
// processes share discovery documents and cursor checkpoints. Clear only
// removes keys carrying the prefix.
func NewRedisCache(lg *zap.Logger, client *redis.Client, prefix string) Cache {
	if lg == nil {
		lg = zap.L()
	}
	return &redisCache{
		lg:     lg,
		client: client,
		prefix: prefix,
	}
}

func (c *redisCache) key(key string) string {
	return c.prefix + key
}

func (c *redisCache) Set(ctx context.Context, key string, value string, expiry time.Duration) error {
	if expiry < 0 {
		expiry = 0
	}
	return c.client.Set(ctx, c.key(key), value, expiry).Err()
}

func (c *redisCache) Get(ctx context.Context, key string) (string, error) {
	data, err := c.client.Get(ctx, c.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrKeyNotFound
		}
		return "", err
	}

	return data, nil
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

func (c *redisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	c.lg.Debug("clearing redis cache", zap.String("prefix", c.prefix), zap.Int("keys", len(keys)))
	return c.client.Del(ctx, keys...).Err()
}
