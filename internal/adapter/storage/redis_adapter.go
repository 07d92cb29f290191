package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

const (
	stockKeyPrefix       = "stock:"
	idempotencyKeyPrefix = "idempotency:"
	idempotencyKeyTTL    = 24 * time.Hour
)

// mirrorStockScript writes each level only when the event is at least as new
// as the one already stored, so out-of-order delivery cannot roll a key back.
var mirrorStockScript = redis.NewScript(`
local ts = tonumber(ARGV[1])

for i, key in ipairs(KEYS) do
	local current = tonumber(redis.call('HGET', key, 'ts') or '0')
	if ts >= current then
		redis.call('HSET', key, 'qty', ARGV[i + 1], 'ts', ARGV[1])
	end
end

return #KEYS
`)

type RedisAdapter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisAdapter(client *redis.Client, ttl time.Duration) *RedisAdapter {
	if ttl <= 0 {
		ttl = idempotencyKeyTTL
	}
	return &RedisAdapter{client: client, ttl: ttl}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, r.ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

// RedisStockMirror keeps a read-side copy of stock levels in Redis hashes,
// fed by committed ledger events. The ledger never reads it back.
type RedisStockMirror struct {
	client *redis.Client
}

func NewRedisStockMirror(client *redis.Client) *RedisStockMirror {
	return &RedisStockMirror{client: client}
}

func (m *RedisStockMirror) Name() string {
	return "redis"
}

func (m *RedisStockMirror) Publish(ctx context.Context, event domain.Event) error {
	if len(event.Levels) == 0 {
		return nil
	}

	keys := make([]string, 0, len(event.Levels))
	args := make([]any, 0, len(event.Levels)+1)
	args = append(args, event.OccurredAt.UnixMicro())
	for _, level := range event.Levels {
		keys = append(keys, mirrorKey(level.Key()))
		args = append(args, level.Quantity)
	}

	if err := mirrorStockScript.Run(ctx, m.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("mirror stock levels: %w", err)
	}
	return nil
}

// Level returns the mirrored quantity for key. ok is false when the key was
// never mirrored.
func (m *RedisStockMirror) Level(ctx context.Context, key domain.StockKey) (qty int64, ok bool, err error) {
	qty, err = m.client.HGet(ctx, mirrorKey(key), "qty").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return qty, true, nil
}

func mirrorKey(key domain.StockKey) string {
	return stockKeyPrefix + key.String()
}
