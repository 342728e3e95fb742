// Package ratelimit provides per-key token buckets, in process or shared
// through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
)

// Limiter decides whether key may spend one token now.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Config of a token bucket
type Config struct {
	Enabled         bool    `mapstructure:"enabled"`
	Capacity        int     `mapstructure:"capacity"`
	RefillPerSecond float64 `mapstructure:"refill_per_second"`
}

func DefaultConfig() Config {
	return Config{Capacity: 50, RefillPerSecond: 20}
}

// --- Distributed Token Bucket ---
// Uses a Lua script for atomicity. Times are unix milliseconds.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])
local bucket = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(bucket[1]) or capacity
local last = tonumber(bucket[2]) or now
local delta = math.max(0, now - last)
local new_tokens = math.min(capacity, tokens + delta * refill_per_ms)
local allowed = 0
if new_tokens >= requested then
  new_tokens = new_tokens - requested
  allowed = 1
end
redis.call('HSET', key, 'tokens', new_tokens, 'last', now)
redis.call('EXPIRE', key, ttl)
return allowed
`)

// RedisTokenBucket is a token bucket shared by every process using the same Redis.
type RedisTokenBucket struct {
	client redis.Scripter
	prefix string
	cfg    Config
	clock  clock.Clock
}

func NewRedisTokenBucket(client redis.Scripter, prefix string, cfg Config, clk clock.Clock) *RedisTokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	return &RedisTokenBucket{client: client, prefix: prefix, cfg: cfg, clock: clk}
}

// ttl is how long an idle bucket needs to refill completely, plus a second.
func (b *RedisTokenBucket) ttl() int {
	if b.cfg.RefillPerSecond <= 0 {
		return 60
	}
	return int(math.Ceil(float64(b.cfg.Capacity)/b.cfg.RefillPerSecond)) + 1
}

func (b *RedisTokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:ratelimit:%s", b.prefix, key)
	res, err := tokenBucketScript.Run(ctx, b.client, []string{redisKey},
		b.cfg.Capacity, b.cfg.RefillPerSecond/1000, b.clock.Now().UnixMilli(), 1, b.ttl()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

type bucket struct {
	tokens float64
	last   time.Time
}

// MemoryTokenBucket keeps one bucket per key in process memory.
type MemoryTokenBucket struct {
	mu      sync.Mutex
	cfg     Config
	clock   clock.Clock
	buckets map[string]*bucket
}

func NewMemoryTokenBucket(cfg Config, clk clock.Clock) *MemoryTokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryTokenBucket{cfg: cfg, clock: clk, buckets: make(map[string]*bucket)}
}

func (b *MemoryTokenBucket) Allow(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{tokens: float64(b.cfg.Capacity), last: now}
		b.buckets[key] = bk
	}
	if elapsed := now.Sub(bk.last); elapsed > 0 {
		bk.tokens = math.Min(float64(b.cfg.Capacity), bk.tokens+elapsed.Seconds()*b.cfg.RefillPerSecond)
		bk.last = now
	}
	if bk.tokens < 1 {
		return false, nil
	}
	bk.tokens--
	return true, nil
}
