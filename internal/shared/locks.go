package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ActionLockKey builds redis keys guarding one action on one record.
func ActionLockKey(scope string, id int64, action string) string {
	return fmt.Sprintf("caisse:%s:%d:%s:inflight", scope, id, action)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// InflightGuard rejects a second concurrent submission of the same action.
// It does not replace the store's conditional updates; it only turns a
// double-click into an early ErrConflict.
type InflightGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewInflightGuard constructs a guard. A nil client disables it.
func NewInflightGuard(client *redis.Client, ttl time.Duration) *InflightGuard {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &InflightGuard{client: client, ttl: ttl}
}

// Acquire claims key until the returned release func runs or the TTL lapses.
func (g *InflightGuard) Acquire(ctx context.Context, key string) (func(), error) {
	if g == nil || g.client == nil {
		return func() {}, nil
	}
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: inflight guard: %v", ErrTransient, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s already in progress", ErrConflict, key)
	}
	return func() {
		_ = releaseScript.Run(context.WithoutCancel(ctx), g.client, []string{key}, token).Err()
	}, nil
}
