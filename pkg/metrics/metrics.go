package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersProcessed counts processed orders by pair, side and outcome
var OrdersProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pincex_orders_processed_total",
		Help: "Total number of orders processed by the matching engine",
	},
	[]string{"pair", "side", "status"},
)

// MatchLatency records latency distribution for matching a single order
var MatchLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "pincex_match_latency_seconds",
		Help:    "Latency in seconds to match individual orders",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	},
)

// Trade and matching metrics
var (
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_trades_total",
			Help: "Trades created, by liquidity source",
		},
		[]string{"pair", "source"},
	)

	SelfTradesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_self_trades_skipped_total",
			Help: "Maker orders skipped because they belong to the taker",
		},
		[]string{"pair"},
	)
)

// Shard metrics
var (
	ShardLoad = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pincex_shard_load",
			Help: "Tasks processed by a shard during the last sampling window",
		},
		[]string{"shard"},
	)

	ShardInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pincex_shard_in_flight_tasks",
			Help: "Tasks dispatched to shards and awaiting a result",
		},
	)

	PairMigrations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pincex_pair_migrations_total",
			Help: "Pairs moved between shards",
		},
	)

	TaskEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_shard_task_events_total",
			Help: "Shard task timeouts, retries and failures",
		},
		[]string{"event"},
	)

	WorkerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_shard_worker_restarts_total",
			Help: "Shard workers recreated after a crash",
		},
		[]string{"shard"},
	)
)

// Router metrics
var (
	RouterChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_router_chunks_total",
			Help: "Routing chunks executed, by source",
		},
		[]string{"source"},
	)

	RouterIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pincex_router_iterations",
			Help:    "Iterations used per routed market order",
			Buckets: prometheus.LinearBuckets(1, 5, 10),
		},
	)
)

// Persistence metrics
var (
	WriterBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_writer_batches_total",
			Help: "Batches written by the async persistence writer",
		},
		[]string{"result"},
	)

	WriterQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pincex_writer_queue_depth",
			Help: "Records waiting in the async persistence queue",
		},
	)

	WriterForcedFlushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pincex_writer_forced_flushes_total",
			Help: "Synchronous flushes forced by a full queue",
		},
	)
)

// Validator metrics
var (
	ValidatorSnapshots = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pincex_validator_snapshots_total",
			Help: "Merkle snapshots taken",
		},
	)

	Discrepancies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_validator_discrepancies_total",
			Help: "Discrepancies recorded, by type and severity",
		},
		[]string{"type", "severity"},
	)

	ProofRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_validator_proof_rejections_total",
			Help: "Proof validations rejected, by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(OrdersProcessed, MatchLatency, TradesTotal, SelfTradesSkipped)
	prometheus.MustRegister(ShardLoad, ShardInFlight, PairMigrations, TaskEvents, WorkerRestarts)
	prometheus.MustRegister(RouterChunks, RouterIterations)
	prometheus.MustRegister(WriterBatches, WriterQueueDepth, WriterForcedFlushes)
	prometheus.MustRegister(ValidatorSnapshots, Discrepancies, ProofRejections)
}
