// Package redis builds the shared Redis client used by the balance cache and
// the API rate limiter.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds Redis configuration
type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Prefix namespaces every key written by this process.
	Prefix string `mapstructure:"prefix"`

	// Pool settings
	PoolSize     int `mapstructure:"pool_size"`
	MinIdleConns int `mapstructure:"min_idle_conns"`

	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ClusterAddrs switches to a cluster client; MasterName to a sentinel
	// failover client over SentinelAddrs.
	ClusterAddrs  []string `mapstructure:"cluster_addrs"`
	MasterName    string   `mapstructure:"master_name"`
	SentinelAddrs []string `mapstructure:"sentinel_addrs"`
}

// DefaultConfig returns default Redis configuration tuned for short
// request-path lookups.
func DefaultConfig() Config {
	return Config{
		Address:      "localhost:6379",
		Prefix:       "pincex",
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	}
}

func (c Config) options() *redis.UniversalOptions {
	opts := &redis.UniversalOptions{
		Addrs:        []string{c.Address},
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
		MaxRetries:   c.MaxRetries,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	}
	switch {
	case len(c.ClusterAddrs) > 0:
		opts.Addrs = c.ClusterAddrs
		opts.DB = 0
	case c.MasterName != "":
		opts.Addrs = c.SentinelAddrs
		opts.MasterName = c.MasterName
	}
	return opts
}

// NewClient connects to Redis and verifies the connection with a ping.
func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (redis.UniversalClient, error) {
	opts := cfg.options()
	rdb := redis.NewUniversalClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis client connected",
		zap.Strings("addrs", opts.Addrs),
		zap.Int("db", opts.DB),
		zap.Int("pool_size", opts.PoolSize),
		zap.Bool("cluster_mode", len(cfg.ClusterAddrs) > 0),
		zap.Bool("sentinel_mode", cfg.MasterName != ""),
	)
	return rdb, nil
}
