// Package config loads the venue configuration with viper.
package config

import (
	"fmt"
	"time"

	"github.com/Aidin1998/pincex_hybrid/internal/middleware/ratelimit"
	"github.com/Aidin1998/pincex_hybrid/internal/onchain"
	pincexredis "github.com/Aidin1998/pincex_hybrid/internal/redis"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/events"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/persistence"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/router"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/sharding"
	"github.com/Aidin1998/pincex_hybrid/internal/validator"
	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
	"github.com/Aidin1998/pincex_hybrid/pkg/precision"
)

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// Persistence drivers
const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

type PersistenceConfig struct {
	Driver      string             `mapstructure:"driver"`
	BadgerPath  string             `mapstructure:"badger_path"`
	PostgresDSN string             `mapstructure:"postgres_dsn"`
	Writer      persistence.Config `mapstructure:"writer"`
}

type EventsConfig struct {
	// BufferSize is the per-subscriber channel capacity of the in-memory bus.
	BufferSize   int                `mapstructure:"buffer_size"`
	KafkaEnabled bool               `mapstructure:"kafka_enabled"`
	Kafka        events.KafkaConfig `mapstructure:"kafka"`
}

type ChainConfig struct {
	// Enabled connects to a node; otherwise an in-process client is used.
	Enabled    bool              `mapstructure:"enabled"`
	BalanceTTL time.Duration     `mapstructure:"balance_ttl"`
	EVM        onchain.EVMConfig `mapstructure:"evm"`
}

type PoolConfig struct {
	Pair         string `mapstructure:"pair"`
	BaseReserve  string `mapstructure:"base_reserve"`
	QuoteReserve string `mapstructure:"quote_reserve"`
	FeeBps       int64  `mapstructure:"fee_bps"`
}

type AMMConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Pools   []PoolConfig `mapstructure:"pools"`
}

type ValidatorConfig struct {
	validator.Config `mapstructure:",squash"`
	Enabled          bool `mapstructure:"enabled"`
	// PretradeChecks runs balance and price checks on every API order.
	PretradeChecks bool `mapstructure:"pretrade_checks"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Config represents the application configuration
type Config struct {
	Env         string             `mapstructure:"env"`
	LogLevel    string             `mapstructure:"log_level"`
	Server      ServerConfig       `mapstructure:"server"`
	Pairs       []model.Pair       `mapstructure:"pairs"`
	Sharding    sharding.Config    `mapstructure:"sharding"`
	Router      router.Config      `mapstructure:"router"`
	Validator   ValidatorConfig    `mapstructure:"validator"`
	Persistence PersistenceConfig  `mapstructure:"persistence"`
	Events      EventsConfig       `mapstructure:"events"`
	Redis       pincexredis.Config `mapstructure:"redis"`
	RateLimit   ratelimit.Config   `mapstructure:"rate_limit"`
	Chain       ChainConfig        `mapstructure:"chain"`
	AMM         AMMConfig          `mapstructure:"amm"`
	Tracing     TracingConfig      `mapstructure:"tracing"`
}

// Default returns a complete configuration for a single-node local run.
func Default() Config {
	return Config{
		Env:      "development",
		LogLevel: "info",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Pairs: []model.Pair{
			{Symbol: "BTC-USDC", BaseAsset: "BTC", QuoteAsset: "USDC", BaseDecimals: 8, QuoteDecimals: 2, MinAmount: "0.0001", MaxAmount: "1000"},
			{Symbol: "ETH-USDC", BaseAsset: "ETH", QuoteAsset: "USDC", BaseDecimals: 8, QuoteDecimals: 2, MinAmount: "0.001", MaxAmount: "10000"},
		},
		Sharding:  sharding.DefaultConfig(),
		Router:    router.DefaultConfig(),
		Validator: ValidatorConfig{Config: validator.DefaultConfig(), Enabled: true},
		Persistence: PersistenceConfig{
			Driver:     DriverBadger,
			BadgerPath: "./data/history",
			Writer:     persistence.DefaultConfig(),
		},
		Events:    EventsConfig{BufferSize: 1024, Kafka: events.DefaultKafkaConfig()},
		Redis:     pincexredis.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Chain: ChainConfig{
			BalanceTTL: 5 * time.Second,
			EVM:        onchain.EVMConfig{CallTimeout: 5 * time.Second},
		},
		AMM: AMMConfig{
			Enabled: true,
			Pools: []PoolConfig{
				{Pair: "BTC-USDC", BaseReserve: "100", QuoteReserve: "6000000", FeeBps: 30},
				{Pair: "ETH-USDC", BaseReserve: "2000", QuoteReserve: "6000000", FeeBps: 30},
			},
		},
	}
}

// Validate checks the configuration for values the services cannot run with.
func (c *Config) Validate() error {
	err := errors.ValidationError.Explain("invalid configuration")
	bad := func(field, reason string) { err = err.WithField("config", field, reason) }

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		bad("server.port", "must be in 1..65535")
	}
	if len(c.Pairs) == 0 {
		bad("pairs", "at least one pair is required")
	}
	seen := make(map[string]bool, len(c.Pairs))
	for i, p := range c.Pairs {
		field := fmt.Sprintf("pairs[%d]", i)
		switch {
		case p.Symbol == "" || p.BaseAsset == "" || p.QuoteAsset == "":
			bad(field, "symbol and assets are required")
		case seen[p.Symbol]:
			bad(field, "duplicate pair "+p.Symbol)
		}
		seen[p.Symbol] = true
		if p.BaseDecimals < 0 || p.BaseDecimals > precision.MaxScale || p.QuoteDecimals < 0 || p.QuoteDecimals > precision.MaxScale {
			bad(field, "decimals out of range")
		}
		for name, v := range map[string]string{"min_amount": p.MinAmount, "max_amount": p.MaxAmount} {
			if v == "" {
				continue
			}
			if precision.Validate(v) != nil || precision.Exceeds(v, p.BaseDecimals) {
				bad(field+"."+name, "must be a decimal at the base scale")
			}
		}
		if p.MinAmount != "" && p.MaxAmount != "" {
			if cmp, e := precision.Compare(p.MinAmount, p.MaxAmount, p.BaseDecimals); e == nil && cmp > 0 {
				bad(field, "min_amount exceeds max_amount")
			}
		}
	}

	s := c.Sharding
	if s.Shards < 0 || s.InboxSize <= 0 || s.MaxInFlight <= 0 || s.MaxRetries < 0 || s.MaxMigrationsPerCycle < 0 {
		bad("sharding", "sizes must be positive")
	}
	if s.TaskTimeout <= 0 || s.DrainTimeout <= 0 || s.RebalanceInterval <= 0 || s.ExpiryInterval <= 0 || s.OrderRetention <= 0 {
		bad("sharding", "intervals must be positive")
	}

	if c.Router.MaxIterations <= 0 {
		bad("router.max_iterations", "must be positive")
	}
	for name, v := range map[string]string{
		"router.min_chunk_size":   c.Router.MinChunkSize,
		"router.max_amm_chunk":    c.Router.MaxAMMChunk,
		"router.max_price_impact": c.Router.MaxPriceImpact,
	} {
		if pos, e := precision.IsPositive(v, precision.MaxScale); e != nil || !pos {
			bad(name, "must be a positive decimal")
		}
	}

	if c.Validator.SnapshotInterval <= 0 || c.Validator.SnapshotWindow <= 0 || c.Validator.MaxOrderAge <= 0 {
		bad("validator", "interval, window and max order age must be positive")
	}
	switch c.Validator.AlertSeverity {
	case validator.SeverityLow, validator.SeverityMedium, validator.SeverityHigh, validator.SeverityCritical:
	default:
		bad("validator.alert_severity", "must be low, medium, high or critical")
	}

	w := c.Persistence.Writer
	if w.BatchSize <= 0 || w.QueueSize <= 0 || w.FlushInterval <= 0 || w.MaxRetries < 0 {
		bad("persistence.writer", "sizes and interval must be positive")
	}
	switch c.Persistence.Driver {
	case DriverBadger:
		if c.Persistence.BadgerPath == "" {
			bad("persistence.badger_path", "required for the badger driver")
		}
	case DriverPostgres:
		if c.Persistence.PostgresDSN == "" {
			bad("persistence.postgres_dsn", "required for the postgres driver")
		}
	case DriverNone:
	default:
		bad("persistence.driver", "must be badger, postgres or none")
	}

	if c.Events.BufferSize <= 0 {
		bad("events.buffer_size", "must be positive")
	}
	if c.Events.KafkaEnabled && len(c.Events.Kafka.Brokers) == 0 {
		bad("events.kafka.brokers", "required when kafka is enabled")
	}
	if c.Redis.Enabled && c.Redis.Address == "" && len(c.Redis.ClusterAddrs) == 0 && len(c.Redis.SentinelAddrs) == 0 {
		bad("redis.address", "required when redis is enabled")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Capacity <= 0 || c.RateLimit.RefillPerSecond <= 0) {
		bad("rate_limit", "capacity and refill must be positive")
	}
	if c.Chain.Enabled && c.Chain.EVM.RPCURL == "" {
		bad("chain.evm.rpc_url", "required when the chain client is enabled")
	}
	if c.Chain.BalanceTTL <= 0 {
		bad("chain.balance_ttl", "must be positive")
	}
	for i, p := range c.AMM.Pools {
		if !seen[p.Pair] {
			bad(fmt.Sprintf("amm.pools[%d]", i), "unknown pair "+p.Pair)
		}
	}

	if len(err.Fields) > 0 {
		return err
	}
	return nil
}
