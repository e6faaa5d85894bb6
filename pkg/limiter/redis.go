package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisCountScript evicts expired hits and returns the live count.
// KEYS[1] = sorted set key
// ARGV[1] = now (unix micros)
// ARGV[2] = window (micros)
var redisCountScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
return redis.call("ZCARD", key)
`)

// redisRecordScript adds one hit and refreshes the key ttl.
// KEYS[1] = sorted set key
// ARGV[1] = now (unix micros)
// ARGV[2] = window (micros)
// ARGV[3] = unique member
var redisRecordScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
redis.call("ZADD", key, now, ARGV[3])
redis.call("PEXPIRE", key, math.ceil(window / 1000))
return redis.call("ZCARD", key)
`)

// redisAdmitScript checks every limit, then adds one hit per key only when
// all of them have room. Returns the 1-based index of the first full limit,
// or 0 when admitted.
// KEYS[i] = sorted set key of limit i
// ARGV[1] = now (unix micros)
// ARGV[2] = unique member
// ARGV[1+2i] = window of limit i (micros)
// ARGV[2+2i] = ceiling of limit i
var redisAdmitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
for i, key in ipairs(KEYS) do
  local window = tonumber(ARGV[1 + 2 * i])
  local ceiling = tonumber(ARGV[2 + 2 * i])
  redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
  if redis.call("ZCARD", key) >= ceiling then
    return i
  end
end
for i, key in ipairs(KEYS) do
  local window = tonumber(ARGV[1 + 2 * i])
  redis.call("ZADD", key, now, ARGV[2])
  redis.call("PEXPIRE", key, math.ceil(window / 1000))
end
return 0
`)

// RedisCounter implements WindowCounter with one sorted set per key so that
// every intake replica shares the same windows.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
}

// NewRedisCounter connects to addr.
func NewRedisCounter(addr, password string, db int) *RedisCounter {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisCounterFromClient(rdb)
}

// NewRedisCounterFromClient wraps an existing client.
func NewRedisCounterFromClient(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client, prefix: "intake:window:", clock: time.Now}
}

// Ping checks connectivity.
func (r *RedisCounter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCounter) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	n, err := redisCountScript.Run(ctx, r.client, []string{r.prefix + key},
		r.clock().UnixMicro(), window.Microseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("redis window count: %w", err)
	}
	return n, nil
}

func (r *RedisCounter) Record(ctx context.Context, key string, window time.Duration) error {
	err := redisRecordScript.Run(ctx, r.client, []string{r.prefix + key},
		r.clock().UnixMicro(), window.Microseconds(), uuid.NewString()).Err()
	if err != nil {
		return fmt.Errorf("redis window record: %w", err)
	}
	return nil
}

func (r *RedisCounter) Admit(ctx context.Context, limits ...Limit) (int, error) {
	if len(limits) == 0 {
		return -1, nil
	}
	keys := make([]string, len(limits))
	args := make([]any, 0, 2+2*len(limits))
	args = append(args, r.clock().UnixMicro(), uuid.NewString())
	for i, l := range limits {
		keys[i] = r.prefix + l.Key
		args = append(args, l.Window.Microseconds(), l.Ceiling)
	}
	n, err := redisAdmitScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return -1, fmt.Errorf("redis window admit: %w", err)
	}
	return n - 1, nil
}
