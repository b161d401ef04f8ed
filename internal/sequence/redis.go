package sequence

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "returnshield:seq:"

// RedisAllocator shares one INCR counter per prefix across server instances.
type RedisAllocator struct {
	client *redis.Client
}

func NewRedisAllocator(addr string, password string, db int) *RedisAllocator {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisAllocator{client: client}
}

func (a *RedisAllocator) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

func (a *RedisAllocator) Close() error {
	return a.client.Close()
}

func (a *RedisAllocator) Next(ctx context.Context, prefix string) (string, error) {
	prefix, err := normalizePrefix(prefix)
	if err != nil {
		return "", err
	}
	n, err := a.client.Incr(ctx, redisKeyPrefix+prefix).Result()
	if err != nil {
		return "", fmt.Errorf("allocate %s sequence: %w", prefix, err)
	}
	return Format(prefix, n), nil
}

// ensureAtLeastScript raises a counter in one round trip so a concurrent INCR
// between the read and the write can never be overwritten.
var ensureAtLeastScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(ARGV[1])
if current < floor then
	redis.call('SET', KEYS[1], floor)
	return floor
end
return current
`)

// EnsureAtLeast raises the counter to floor when it lags behind, which happens
// after a Redis flush while the ledger already holds higher bill numbers.
func (a *RedisAllocator) EnsureAtLeast(ctx context.Context, prefix string, floor int64) error {
	prefix, err := normalizePrefix(prefix)
	if err != nil {
		return err
	}
	if err := ensureAtLeastScript.Run(ctx, a.client, []string{redisKeyPrefix + prefix}, floor).Err(); err != nil {
		return fmt.Errorf("raise %s sequence: %w", prefix, err)
	}
	return nil
}
