package guardrail

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rateKeyPrefix     = "guardrail:rl:"
	cooldownKeyPrefix = "guardrail:cd:"
)

// incrWindowScript bumps a fixed-window counter atomically. A stored window
// older than the caller's is replaced, which resets the count.
// KEYS[1] = rate key
// ARGV[1] = window start (unix ms)
// ARGV[2] = ttl (ms)
var incrWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local stored = tonumber(redis.call("HGET", key, "window_start"))
if not stored or stored ~= window then
    redis.call("HSET", key, "count", 0, "window_start", window)
end

local count = redis.call("HINCRBY", key, "count", 1)
redis.call("PEXPIRE", key, ttl)
return count
`)

// RedisStore backs guardrail state with Redis so every broker instance sees
// the same counters. TTLs map to native key expiry.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects a guardrail store to Redis.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewRedisStoreFromClient wraps an existing client (shared pools, tests).
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) RateLimits(ctx context.Context, keys []string) (map[string]RateLimitEntry, error) {
	out := make(map[string]RateLimitEntry, len(keys))
	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(keys))
	for _, k := range keys {
		cmds[k] = pipe.HGetAll(ctx, rateKeyPrefix+k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("guardrail redis: read rate limits: %w", err)
	}
	for k, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		count, _ := strconv.Atoi(fields["count"])
		window, _ := strconv.ParseInt(fields["window_start"], 10, 64)
		out[k] = RateLimitEntry{Count: count, WindowStart: window}
	}
	return out, nil
}

func (s *RedisStore) SetRateLimit(ctx context.Context, key string, entry RateLimitEntry, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, rateKeyPrefix+key, "count", entry.Count, "window_start", entry.WindowStart)
	pipe.PExpire(ctx, rateKeyPrefix+key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("guardrail redis: set rate limit: %w", err)
	}
	return nil
}

func (s *RedisStore) IncrRateLimit(ctx context.Context, key string, windowStart int64, ttl time.Duration) (int, error) {
	res, err := incrWindowScript.Run(ctx, s.client,
		[]string{rateKeyPrefix + key}, windowStart, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("guardrail redis: incr rate limit: %w", err)
	}
	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("guardrail redis: unexpected script result %T", res)
	}
	return int(count), nil
}

func (s *RedisStore) Cooldowns(ctx context.Context, keys []string) (map[string]time.Time, error) {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = cooldownKeyPrefix + k
	}
	vals, err := s.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, fmt.Errorf("guardrail redis: read cooldowns: %w", err)
	}
	out := make(map[string]time.Time, len(keys))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			continue
		}
		out[keys[i]] = time.UnixMilli(ms).UTC()
	}
	return out, nil
}

func (s *RedisStore) SetCooldown(ctx context.Context, key string, ts time.Time, ttl time.Duration) error {
	err := s.client.Set(ctx, cooldownKeyPrefix+key, strconv.FormatInt(ts.UnixMilli(), 10), ttl).Err()
	if err != nil {
		return fmt.Errorf("guardrail redis: set cooldown: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }
