package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_hybrid/internal/amm"
	"github.com/Aidin1998/pincex_hybrid/internal/amm/simpool"
	"github.com/Aidin1998/pincex_hybrid/internal/api"
	"github.com/Aidin1998/pincex_hybrid/internal/config"
	"github.com/Aidin1998/pincex_hybrid/internal/middleware/ratelimit"
	"github.com/Aidin1998/pincex_hybrid/internal/onchain"
	pincexredis "github.com/Aidin1998/pincex_hybrid/internal/redis"
	"github.com/Aidin1998/pincex_hybrid/internal/scheduler"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/engine"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/events"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/orderbook"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/persistence"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/router"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/sharding"
	"github.com/Aidin1998/pincex_hybrid/internal/validator"
	"github.com/Aidin1998/pincex_hybrid/pkg/logger"
	"github.com/Aidin1998/pincex_hybrid/pkg/tracing"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("PINCEX_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.Load(zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if cfg.LogLevel != logLevel {
		if l, err := logger.NewLogger(cfg.LogLevel); err == nil {
			zapLogger = l
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zapLogger); err != nil {
		zapLogger.Fatal("Server exited with error", zap.Error(err))
	}
	zapLogger.Info("Server exited properly")
}

func newSink(ctx context.Context, cfg config.PersistenceConfig) (persistence.Sink, error) {
	switch cfg.Driver {
	case config.DriverBadger:
		return persistence.NewBadgerSink(cfg.BadgerPath)
	case config.DriverPostgres:
		return persistence.NewPostgresSink(ctx, cfg.PostgresDSN)
	default:
		return persistence.DiscardSink{}, nil
	}
}

func newChainClient(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient, clk clock.Clock, zapLogger *zap.Logger) (onchain.Client, func(), error) {
	var cache onchain.BalanceCache = onchain.NewMemoryBalanceCache(clk, cfg.Chain.BalanceTTL)
	if rdb != nil {
		cache = onchain.NewRedisBalanceCache(rdb, zapLogger, cfg.Redis.Prefix, cfg.Chain.BalanceTTL)
	}

	if !cfg.Chain.Enabled {
		zapLogger.Warn("On-chain client disabled, using in-process chain")
		return onchain.NewCachedClient(onchain.NewMemoryClient(), cache, zapLogger), func() {}, nil
	}
	evm, err := onchain.NewEVMClient(ctx, cfg.Chain.EVM, zapLogger)
	if err != nil {
		return nil, nil, err
	}
	return onchain.NewCachedClient(evm, cache, zapLogger), evm.Close, nil
}

// newRedis connects when enabled. An unreachable Redis degrades to the
// in-process cache and limiter instead of failing startup.
func newRedis(ctx context.Context, cfg pincexredis.Config, zapLogger *zap.Logger) redis.UniversalClient {
	if !cfg.Enabled {
		return nil
	}
	rdb, err := pincexredis.NewClient(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Warn("Redis unreachable, falling back to in-process state", zap.Error(err))
		return nil
	}
	return rdb
}

func newLimiter(cfg config.Config, rdb redis.UniversalClient, clk clock.Clock) ratelimit.Limiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	if rdb != nil {
		return ratelimit.NewRedisTokenBucket(rdb, cfg.Redis.Prefix, cfg.RateLimit, clk)
	}
	return ratelimit.NewMemoryTokenBucket(cfg.RateLimit, clk)
}

func newPools(cfg *config.Config) (*simpool.Pools, error) {
	pairs := make(map[string]model.Pair, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		pairs[p.Symbol] = p
	}
	pools := simpool.New()
	for _, p := range cfg.AMM.Pools {
		if err := pools.AddPool(pairs[p.Pair], p.BaseReserve, p.QuoteReserve, p.FeeBps); err != nil {
			return nil, err
		}
	}
	return pools, nil
}

// priceFeed prefers the AMM spot price and falls back to the book mid.
func priceFeed(pool amm.Pool, exec *sharding.Executor) validator.PriceFeedFunc {
	return func(ctx context.Context, pair string) (string, error) {
		if pool != nil {
			if spot, err := pool.SpotPrice(ctx, pair); err == nil {
				return spot, nil
			}
		}
		return exec.MidPrice(pair)
	}
}

func run(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) error {
	clk := clock.New()

	shutdownTracing, err := tracing.Setup(ctx, "pincex", cfg.Tracing.Enabled, os.Stdout)
	if err != nil {
		return err
	}

	sink, err := newSink(ctx, cfg.Persistence)
	if err != nil {
		return err
	}
	writer := persistence.NewWriter(cfg.Persistence.Writer, sink, clk, zapLogger)
	writer.Start()

	bus := events.NewInMemoryEventBus(zapLogger, cfg.Events.BufferSize)
	publishers := events.MultiPublisher{bus, writer}
	var kafkaPub *events.KafkaPublisher
	if cfg.Events.KafkaEnabled {
		kafkaPub, err = events.NewKafkaPublisher(cfg.Events.Kafka, zapLogger)
		if err != nil {
			return err
		}
		publishers = append(publishers, kafkaPub)
	}

	store := orderbook.NewStore(cfg.Pairs, publishers, clk, zapLogger)
	exec := sharding.NewExecutor(cfg.Sharding, store, engine.NewEngine(clk, zapLogger), clk, zapLogger)
	sched := scheduler.New(clk, zapLogger)
	exec.Start(ctx, sched)

	deps := api.Deps{Exchange: exec}
	var pool amm.Pool
	if cfg.AMM.Enabled {
		pools, err := newPools(cfg)
		if err != nil {
			return err
		}
		pool = pools
		deps.Router = router.NewRouter(cfg.Router, exec, pools, publishers, clk, zapLogger)
	}

	rdb := newRedis(ctx, cfg.Redis, zapLogger)
	if rdb != nil {
		defer rdb.Close()
	}
	chain, closeChain, err := newChainClient(ctx, cfg, rdb, clk, zapLogger)
	if err != nil {
		return err
	}
	defer closeChain()

	if cfg.Validator.Enabled {
		v, err := validator.New(cfg.Validator.Config, validator.Deps{
			Orders: store,
			Chain:  chain,
			Ledger: validator.NewMemoryLedger(),
			Prices: priceFeed(pool, exec),
			Audit:  writer,
			Alert: func(d validator.Discrepancy) {
				zapLogger.Warn("Validator alert",
					zap.String("type", string(d.Type)),
					zap.String("severity", string(d.Severity)),
					zap.String("message", d.Message))
			},
		}, clk, zapLogger)
		if err != nil {
			return err
		}
		v.Start(ctx, sched)
		deps.Validator = v
	}

	srv := api.NewServer(api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PretradeChecks: cfg.Validator.PretradeChecks,
		Limiter:        newLimiter(*cfg, rdb, clk),
	}, deps, clk, zapLogger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		zapLogger.Info("Shutting down server...")
	case err = <-serveErr:
		zapLogger.Error("API server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// stop intake first, then drain shards so every queued order is published
	// before the writer's final flush
	errs := []error{err}
	errs = append(errs, httpServer.Shutdown(shutdownCtx))
	sched.Stop()
	errs = append(errs, exec.Stop(shutdownCtx))
	if kafkaPub != nil {
		errs = append(errs, kafkaPub.Close())
	}
	errs = append(errs, writer.Close(shutdownCtx))
	errs = append(errs, shutdownTracing(shutdownCtx))
	return errors.Join(errs...)
}
