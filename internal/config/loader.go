package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PINCEX"

// DefaultPaths are searched when Load is called without paths.
var DefaultPaths = []string{
	"./config.yaml",
	"./configs/config.yaml",
	"/etc/pincex/config.yaml",
}

// envKeys are the settings that may be overridden from the environment as
// PINCEX_<KEY> with dots replaced by underscores.
var envKeys = []string{
	"env",
	"log_level",

	// Server
	"server.host",
	"server.port",
	"server.read_timeout",
	"server.write_timeout",
	"server.shutdown_timeout",
	"server.allowed_origins",

	// Sharding
	"sharding.shards",
	"sharding.inbox_size",
	"sharding.max_in_flight",
	"sharding.task_timeout",
	"sharding.max_retries",
	"sharding.rebalance_interval",
	"sharding.rebalance_threshold",
	"sharding.expiry_interval",
	"sharding.order_retention",

	// Router
	"router.max_iterations",
	"router.min_chunk_size",
	"router.max_amm_chunk",
	"router.max_price_impact",

	// Validator
	"validator.enabled",
	"validator.pretrade_checks",
	"validator.snapshot_interval",
	"validator.snapshot_window",
	"validator.balance_threshold",
	"validator.max_price_deviation",
	"validator.max_order_age",
	"validator.alert_severity",

	// Persistence
	"persistence.driver",
	"persistence.badger_path",
	"persistence.postgres_dsn",
	"persistence.writer.batch_size",
	"persistence.writer.queue_size",
	"persistence.writer.flush_interval",

	// Events
	"events.buffer_size",
	"events.kafka_enabled",
	"events.kafka.brokers",
	"events.kafka.topic",

	// Redis
	"redis.enabled",
	"redis.address",
	"redis.password",
	"redis.db",
	"redis.prefix",
	"redis.cluster_addrs",
	"redis.master_name",
	"redis.sentinel_addrs",

	// Rate limiting
	"rate_limit.enabled",
	"rate_limit.capacity",
	"rate_limit.refill_per_second",

	// Chain
	"chain.enabled",
	"chain.balance_ttl",
	"chain.evm.rpc_url",
	"chain.evm.verifier_address",
	"chain.evm.registry_address",
	"chain.evm.volume_decimals",

	"amm.enabled",
	"tracing.enabled",
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load layers the YAML files at paths (DefaultPaths when empty) and then the
// environment over Default, and validates the result. Missing files are
// skipped; a file that exists but does not parse is an error.
func Load(logger *zap.Logger, paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(EnvPrefix)

	if len(paths) == 0 {
		paths = DefaultPaths
	}
	var loaded []string
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			logger.Debug("Config file not found, skipping", zap.String("path", path))
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	if len(loaded) == 0 {
		logger.Warn("No configuration files found, using defaults and environment variables")
	} else {
		logger.Info("Loaded configuration files", zap.Strings("files", loaded))
	}

	for _, key := range envKeys {
		if value, ok := os.LookupEnv(envName(key)); ok && value != "" {
			v.Set(key, value)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
