package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient dials addr and pings it before returning, so a bad address
// fails at startup rather than on the first cache write.
func NewRedisClient(ctx context.Context, addr string, db int64, connectTimeout time.Duration) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   int(db),
	})
	timeoutCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := redisClient.Ping(timeoutCtx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return redisClient, nil
}
