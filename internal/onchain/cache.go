package onchain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// BalanceCache stores on-chain balances for a short TTL.
type BalanceCache interface {
	Get(ctx context.Context, address, asset string) (string, bool, error)
	Set(ctx context.Context, address, asset, balance string) error
}

func balanceKey(prefix, address, asset string) string {
	return fmt.Sprintf("%s:balance:%s:%s", prefix, address, asset)
}

// RedisBalanceCache implements BalanceCache using Redis
type RedisBalanceCache struct {
	client redis.Cmdable
	log    *zap.Logger
	prefix string
	ttl    time.Duration
}

func NewRedisBalanceCache(client redis.Cmdable, log *zap.Logger, prefix string, ttl time.Duration) *RedisBalanceCache {
	return &RedisBalanceCache{client: client, log: log.Named("balance-cache"), prefix: prefix, ttl: ttl}
}

func (c *RedisBalanceCache) Get(ctx context.Context, address, asset string) (string, bool, error) {
	key := balanceKey(c.prefix, address, asset)
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		c.log.Error("failed to get balance from cache", zap.Error(err), zap.String("key", key))
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisBalanceCache) Set(ctx context.Context, address, asset, balance string) error {
	key := balanceKey(c.prefix, address, asset)
	if err := c.client.Set(ctx, key, balance, c.ttl).Err(); err != nil {
		c.log.Error("failed to set balance in cache", zap.Error(err), zap.String("key", key))
		return err
	}
	return nil
}

type memoryEntry struct {
	balance string
	expires time.Time
}

// MemoryBalanceCache is a process-local BalanceCache with clock-driven expiry.
type MemoryBalanceCache struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	entries map[string]memoryEntry
}

func NewMemoryBalanceCache(clk clock.Clock, ttl time.Duration) *MemoryBalanceCache {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryBalanceCache{clock: clk, ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (c *MemoryBalanceCache) Get(_ context.Context, address, asset string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := balanceKey("", address, asset)
	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if !c.clock.Now().Before(e.expires) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.balance, true, nil
}

func (c *MemoryBalanceCache) Set(_ context.Context, address, asset, balance string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[balanceKey("", address, asset)] = memoryEntry{balance: balance, expires: c.clock.Now().Add(c.ttl)}
	return nil
}

// CachedClient puts a BalanceCache in front of a Client's BalanceOf and
// collapses concurrent lookups of the same balance into one call.
type CachedClient struct {
	Client
	cache  BalanceCache
	group  singleflight.Group
	logger *zap.Logger
}

func NewCachedClient(client Client, cache BalanceCache, logger *zap.Logger) *CachedClient {
	return &CachedClient{Client: client, cache: cache, logger: logger.Named("onchain")}
}

func (c *CachedClient) BalanceOf(ctx context.Context, address, asset string) (string, error) {
	if bal, ok, err := c.cache.Get(ctx, address, asset); err == nil && ok {
		return bal, nil
	}
	v, err, _ := c.group.Do(balanceKey("", address, asset), func() (any, error) {
		bal, err := c.Client.BalanceOf(ctx, address, asset)
		if err != nil {
			return "", err
		}
		if err := c.cache.Set(ctx, address, asset, bal); err != nil {
			// a cache outage only costs extra chain calls
			c.logger.Warn("balance cache write failed", zap.String("address", address), zap.String("asset", asset), zap.Error(err))
		}
		return bal, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
