package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// New creates a new Redis client.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping: %w", err)
	}

	return client, nil
}

// Optional connects like New but degrades to a nil client when Redis is
// unreachable. Callers treat a nil client as "no cache, no guard".
func Optional(ctx context.Context, addr string, logger *slog.Logger) *redis.Client {
	client, err := New(ctx, addr)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("redis unavailable, running without actor cache and inflight guard",
			slog.String("addr", addr), slog.Any("error", err))
		return nil
	}
	return client
}
