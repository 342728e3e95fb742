// Package sharding spreads matching for many pairs across N shard actors.
//
// Every pair is owned by exactly one shard at a time. Callers never touch a
// book directly for mutations: they send typed task messages to the owning
// shard's inbox and wait for a typed result. Ownership moves only through
// migrate, which closes a per-pair gate, drains the pair's in-flight work and
// then flips the owner.
package sharding

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Aidin1998/pincex_hybrid/internal/scheduler"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/engine"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/orderbook"
	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
	"github.com/Aidin1998/pincex_hybrid/pkg/metrics"
	"github.com/Aidin1998/pincex_hybrid/pkg/precision"
)

// Matcher is the per-pair matching logic run inside a shard.
type Matcher interface {
	Process(ctx context.Context, book *orderbook.Book, order model.Order) (*engine.Result, error)
	MatchBounded(ctx context.Context, book *orderbook.Book, order model.Order, bound string) (*engine.Result, error)
	Cancel(book *orderbook.Book, orderID string) bool
	ExpireOrders(book *orderbook.Book) []model.Order
}

// Config for the sharded executor
type Config struct {
	// Shards defaults to runtime.NumCPU().
	Shards      int           `mapstructure:"shards"`
	InboxSize   int           `mapstructure:"inbox_size"`
	MaxInFlight int           `mapstructure:"max_in_flight"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	// DrainTimeout bounds how long a migration waits for a pair's in-flight work.
	DrainTimeout          time.Duration `mapstructure:"drain_timeout"`
	RebalanceInterval     time.Duration `mapstructure:"rebalance_interval"`
	RebalanceThreshold    float64       `mapstructure:"rebalance_threshold"`
	MaxMigrationsPerCycle int           `mapstructure:"max_migrations_per_cycle"`
	ExpiryInterval        time.Duration `mapstructure:"expiry_interval"`
	// OrderRetention is how long filled and cancelled orders stay queryable.
	OrderRetention time.Duration `mapstructure:"order_retention"`
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		InboxSize:             1024,
		MaxInFlight:           10000,
		TaskTimeout:           2 * time.Second,
		MaxRetries:            2,
		DrainTimeout:          5 * time.Second,
		RebalanceInterval:     10 * time.Second,
		RebalanceThreshold:    0.5,
		MaxMigrationsPerCycle: 2,
		ExpiryInterval:        time.Second,
		OrderRetention:        24 * time.Hour,
	}
}

type pairState struct {
	inflight  int
	executing int
	waiters   []chan struct{}
}

// Executor dispatches per-pair work to shard actors.
type Executor struct {
	cfg     Config
	store   *orderbook.Store
	matcher Matcher
	clock   clock.Clock
	logger  *zap.Logger
	tracer  trace.Tracer

	shards []*shard

	mu     sync.Mutex
	owners map[string]int
	gates  map[string]chan struct{}
	pairs  map[string]*pairState

	inFlight atomic.Int64
	nextID   atomic.Uint64

	// admission
	admitMu  sync.Mutex
	stopping bool
	active   sync.WaitGroup

	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewExecutor assigns every pair in store to a shard through the consistent ring.
func NewExecutor(cfg Config, store *orderbook.Store, matcher Matcher, clk clock.Clock, logger *zap.Logger) *Executor {
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = runtime.NumCPU()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.MaxMigrationsPerCycle <= 0 {
		cfg.MaxMigrationsPerCycle = def.MaxMigrationsPerCycle
	}
	if cfg.OrderRetention <= 0 {
		cfg.OrderRetention = def.OrderRetention
	}
	if clk == nil {
		clk = clock.New()
	}
	e := &Executor{
		cfg:     cfg,
		store:   store,
		matcher: matcher,
		clock:   clk,
		logger:  logger.Named("sharding"),
		tracer:  otel.Tracer("github.com/Aidin1998/pincex_hybrid/internal/trading/sharding"),
		owners:  initialAssignment(store.Pairs(), cfg.Shards),
		gates:   make(map[string]chan struct{}),
		pairs:   make(map[string]*pairState),
	}
	for i := 0; i < cfg.Shards; i++ {
		e.shards = append(e.shards, newShard(i, e, cfg.InboxSize))
	}
	return e
}

// Start launches the shard workers. When sched is non-nil the rebalance and
// expiry loops are registered on it.
func (e *Executor) Start(ctx context.Context, sched *scheduler.Scheduler) {
	ctx, e.cancel = context.WithCancel(ctx)
	for _, s := range e.shards {
		e.workers.Add(1)
		go s.loop(ctx, e.workers.Done)
	}
	if sched != nil {
		if e.cfg.RebalanceInterval > 0 {
			sched.Every(ctx, "shard-rebalance", e.cfg.RebalanceInterval, func(ctx context.Context) { e.Rebalance(ctx) })
		}
		if e.cfg.ExpiryInterval > 0 {
			sched.Every(ctx, "order-expiry", e.cfg.ExpiryInterval, func(ctx context.Context) { e.ExpireOrders(ctx) })
		}
	}
	e.logger.Info("sharded executor started", zap.Int("shards", len(e.shards)), zap.Int("pairs", len(e.owners)))
}

// Stop refuses new work, waits for accepted work to finish (bounded by ctx)
// and stops the workers.
func (e *Executor) Stop(ctx context.Context) error {
	e.admitMu.Lock()
	e.stopping = true
	e.admitMu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.active.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("stopping executor: %w", ctx.Err())
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.workers.Wait()
	e.logger.Info("sharded executor stopped")
	return err
}

func (e *Executor) admit() bool {
	e.admitMu.Lock()
	defer e.admitMu.Unlock()
	if e.stopping {
		return false
	}
	e.active.Add(1)
	return true
}

// --- Ownership bookkeeping ---

func (e *Executor) ownerOf(pair string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owners[pair]
}

func (e *Executor) state(pair string) *pairState {
	ps, ok := e.pairs[pair]
	if !ok {
		ps = &pairState{}
		e.pairs[pair] = ps
	}
	return ps
}

// notify wakes drain waiters. Caller holds e.mu.
func (ps *pairState) notify() {
	for _, ch := range ps.waiters {
		close(ch)
	}
	ps.waiters = nil
}

func (e *Executor) releasePair(pair string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps := e.state(pair)
	ps.inflight--
	ps.notify()
}

func (e *Executor) markExecuting(pair string, delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps := e.state(pair)
	ps.executing += delta
	ps.notify()
}

// waitDrained blocks until the pair has no in-flight tasks, or no executing
// task when executingOnly is set.
func (e *Executor) waitDrained(ctx context.Context, pair string, executingOnly bool) error {
	for {
		e.mu.Lock()
		ps := e.state(pair)
		n := ps.inflight
		if executingOnly {
			n = ps.executing
		}
		if n <= 0 {
			e.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		ps.waiters = append(ps.waiters, ch)
		e.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var errMigrationInProgress = errors.Unavailable.Explain("migration already in progress")

// migrate moves pair to shard `to`. New tasks for the pair wait on the gate
// until the flip; in-flight tasks drain first so no task runs on two shards.
func (e *Executor) migrate(ctx context.Context, pair string, to int, executingOnly bool) error {
	e.mu.Lock()
	if _, busy := e.gates[pair]; busy {
		e.mu.Unlock()
		return errMigrationInProgress
	}
	from, ok := e.owners[pair]
	if !ok || from == to {
		e.mu.Unlock()
		return nil
	}
	gate := make(chan struct{})
	e.gates[pair] = gate
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.gates, pair)
		e.mu.Unlock()
		close(gate)
	}()

	dctx, cancel := e.clock.WithTimeout(ctx, e.cfg.DrainTimeout)
	defer cancel()
	if err := e.waitDrained(dctx, pair, executingOnly); err != nil {
		return fmt.Errorf("draining %s: %w", pair, err)
	}

	e.mu.Lock()
	e.owners[pair] = to
	e.mu.Unlock()

	metrics.PairMigrations.Inc()
	e.logger.Info("pair migrated", zap.String("pair", pair), zap.Int("from", from), zap.Int("to", to))
	return nil
}

// forward hands a task queued on a former owner to the current one.
func (e *Executor) forward(ctx context.Context, owner int, t *task) {
	target := e.shards[owner]
	go func() {
		select {
		case target.inbox <- t:
		case <-ctx.Done():
		}
	}()
}

// --- Dispatch ---

type request struct {
	kind    taskKind
	pair    string
	order   model.Order
	bound   string
	orderID string
}

func (e *Executor) dispatchError(t *task, cause error) error {
	return &errors.DispatchError{Err: cause, OrderID: t.order.ID, Remaining: t.remaining()}
}

func (e *Executor) reject(req request, cause error) taskResult {
	t := &task{kind: req.kind, order: req.order}
	return taskResult{err: e.dispatchError(t, cause)}
}

// enqueue waits for the pair's gate, registers the task as in-flight and
// returns it with its current owner.
func (e *Executor) enqueue(ctx context.Context, req request, attempt int) (*task, int, error) {
	for {
		e.mu.Lock()
		if gate, ok := e.gates[req.pair]; ok {
			e.mu.Unlock()
			select {
			case <-gate:
				continue
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		}
		owner := e.owners[req.pair]
		e.state(req.pair).inflight++
		e.mu.Unlock()

		t := &task{
			id:      e.nextID.Add(1),
			kind:    req.kind,
			pair:    req.pair,
			attempt: attempt,
			order:   req.order,
			bound:   req.bound,
			orderID: req.orderID,
			reply:   make(chan taskResult, 1),
		}
		t.release = func() { e.releasePair(req.pair) }
		return t, owner, nil
	}
}

// submit runs req on the owning shard. A task that has not started when its
// deadline passes is abandoned and retried on a fallback shard after
// ownership of the pair moves there; a task that already started is awaited.
func (e *Executor) submit(ctx context.Context, req request) taskResult {
	if !e.admit() {
		return e.reject(req, errors.ShardUnavailable.Explain("executor is stopping"))
	}
	defer e.active.Done()

	if _, err := e.store.Book(req.pair); err != nil {
		return taskResult{err: err}
	}
	if n := e.inFlight.Add(1); n > int64(e.cfg.MaxInFlight) {
		e.inFlight.Add(-1)
		metrics.TaskEvents.WithLabelValues("queue_full").Inc()
		return e.reject(req, errors.QueueFull.Explain("%d tasks in flight", e.cfg.MaxInFlight))
	}
	metrics.ShardInFlight.Inc()
	defer func() {
		e.inFlight.Add(-1)
		metrics.ShardInFlight.Dec()
	}()

	ctx, span := e.tracer.Start(ctx, "shard.dispatch", trace.WithAttributes(
		attribute.String("pair", req.pair),
		attribute.String("task", req.kind.String()),
	))
	defer span.End()

	for attempt := 0; ; attempt++ {
		t, owner, err := e.enqueue(ctx, req, attempt)
		if err != nil {
			return e.reject(req, err)
		}
		span.SetAttributes(attribute.Int("shard", owner), attribute.Int("attempt", attempt))

		r, timedOut := e.await(ctx, t, e.shards[owner])
		if !timedOut {
			if r.err != nil {
				span.SetStatus(codes.Error, r.err.Error())
			}
			return r
		}

		metrics.TaskEvents.WithLabelValues("timeout").Inc()
		if attempt >= e.cfg.MaxRetries {
			metrics.TaskEvents.WithLabelValues("failed").Inc()
			span.SetStatus(codes.Error, "task timeout")
			e.logger.Warn("task failed after retries",
				zap.String("pair", req.pair), zap.String("task", req.kind.String()), zap.Int("attempts", attempt+1))
			return e.reject(req, errors.TaskTimeout.Explain("no response from shard %d after %d attempts", owner, attempt+1))
		}

		fallback := (owner + 1) % len(e.shards)
		metrics.TaskEvents.WithLabelValues("retry").Inc()
		e.logger.Warn("task timed out, moving pair to fallback shard",
			zap.String("pair", req.pair), zap.Int("shard", owner), zap.Int("fallback", fallback), zap.Int("attempt", attempt))
		if err := e.migrate(ctx, req.pair, fallback, true); err != nil {
			e.logger.Warn("fallback transfer failed", zap.String("pair", req.pair), zap.Error(err))
		}
	}
}

// await sends t to s and waits for its result. timedOut reports that the task
// was abandoned before any shard started it.
func (e *Executor) await(ctx context.Context, t *task, s *shard) (taskResult, bool) {
	timer := e.clock.Timer(e.cfg.TaskTimeout)
	defer timer.Stop()

	select {
	case s.inbox <- t:
	case <-timer.C:
		t.abandon()
		t.finish()
		return taskResult{}, true
	case <-ctx.Done():
		t.abandon()
		t.finish()
		return taskResult{err: e.dispatchError(t, ctx.Err())}, false
	}

	select {
	case r := <-t.reply:
		return r, false
	case <-timer.C:
		if t.abandon() {
			t.finish()
			return taskResult{}, true
		}
	case <-ctx.Done():
		if t.abandon() {
			t.finish()
			return taskResult{err: e.dispatchError(t, ctx.Err())}, false
		}
	}
	// already running on the shard: its outcome is authoritative
	return <-t.reply, false
}

func (e *Executor) execute(ctx context.Context, t *task) taskResult {
	book, err := e.store.Book(t.pair)
	if err != nil {
		return taskResult{err: err}
	}
	switch t.kind {
	case taskProcess:
		res, err := e.matcher.Process(ctx, book, t.order)
		return taskResult{result: res, err: err}
	case taskMatchBounded:
		res, err := e.matcher.MatchBounded(ctx, book, t.order, t.bound)
		return taskResult{result: res, err: err}
	case taskCancel:
		return taskResult{cancelled: e.matcher.Cancel(book, t.orderID)}
	case taskExpire:
		expired := e.matcher.ExpireOrders(book)
		if n := book.PruneTerminal(e.clock.Now().Add(-e.cfg.OrderRetention)); n > 0 {
			e.logger.Debug("pruned terminal orders", zap.String("pair", t.pair), zap.Int("count", n))
		}
		return taskResult{expired: expired}
	}
	return taskResult{err: errors.Internal.Explain("unknown task kind %d", t.kind)}
}

// --- Public operations ---

// ProcessOrder matches order on its pair's shard. Dispatch failures are
// *errors.DispatchError carrying the order's unexecuted amount.
func (e *Executor) ProcessOrder(ctx context.Context, order model.Order) (*engine.Result, error) {
	r := e.submit(ctx, request{kind: taskProcess, pair: order.Pair, order: order})
	return r.result, r.err
}

// MatchBounded runs a bounded market execution on the pair's shard.
func (e *Executor) MatchBounded(ctx context.Context, order model.Order, bound string) (*engine.Result, error) {
	r := e.submit(ctx, request{kind: taskMatchBounded, pair: order.Pair, order: order, bound: bound})
	return r.result, r.err
}

// CancelOrder cancels a resting order. It returns false when the order is
// unknown or already terminal.
func (e *Executor) CancelOrder(ctx context.Context, pair, orderID string) (bool, error) {
	r := e.submit(ctx, request{kind: taskCancel, pair: pair, orderID: orderID})
	return r.cancelled, r.err
}

// ExpireOrders runs expiry on every pair's owning shard.
func (e *Executor) ExpireOrders(ctx context.Context) []model.Order {
	var out []model.Order
	for _, pair := range e.store.Pairs() {
		r := e.submit(ctx, request{kind: taskExpire, pair: pair})
		if r.err != nil {
			e.logger.Warn("expiry failed", zap.String("pair", pair), zap.Error(r.err))
			continue
		}
		out = append(out, r.expired...)
	}
	return out
}

// BatchResult is the outcome of one order in a batch.
type BatchResult struct {
	Result *engine.Result
	Err    error
}

// SubmitBatch groups orders by owning shard and runs the groups concurrently.
// Orders in a group run in submission order. Results are returned in the
// order of the input and every order gets a result.
func (e *Executor) SubmitBatch(ctx context.Context, orders []model.Order) []BatchResult {
	out := make([]BatchResult, len(orders))
	groups := make(map[int][]int)
	e.mu.Lock()
	for i, o := range orders {
		owner, ok := e.owners[o.Pair]
		if !ok {
			owner = -1
		}
		groups[owner] = append(groups[owner], i)
	}
	e.mu.Unlock()

	var g errgroup.Group
	for _, idxs := range groups {
		g.Go(func() error {
			for _, i := range idxs {
				res, err := e.ProcessOrder(ctx, orders[i])
				out[i] = BatchResult{Result: res, Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// --- Reads ---
// Reads go straight to the book: its lock makes each read consistent and
// they never mutate, so they do not need the owning shard.

// GetOrderbook returns the top depth levels of pair.
func (e *Executor) GetOrderbook(pair string, depth int) (model.OrderbookSnapshot, error) {
	book, err := e.store.Book(pair)
	if err != nil {
		return model.OrderbookSnapshot{}, err
	}
	return book.GetOrderbook(depth)
}

// BestPrice returns the best price on side of pair ignoring excludeUser's orders.
func (e *Executor) BestPrice(pair string, side model.Side, excludeUser string) (price, available string, ok bool, err error) {
	book, err := e.store.Book(pair)
	if err != nil {
		return "", "", false, err
	}
	price, available, ok = book.BestPrice(side, excludeUser)
	return price, available, ok, nil
}

// ReserveOrder claims orderID on pair for work that spans several shard tasks,
// such as a routed market order. It fails with DuplicateOrder when the id is
// stored or already claimed.
func (e *Executor) ReserveOrder(pair, orderID string) error {
	book, err := e.store.Book(pair)
	if err != nil {
		return err
	}
	return book.Claim(orderID)
}

// ReleaseOrder drops a claim taken by ReserveOrder.
func (e *Executor) ReleaseOrder(pair, orderID string) {
	if book, err := e.store.Book(pair); err == nil {
		book.Release(orderID)
	}
}

// RecordOrder stores the final state of a reserved order and publishes it.
func (e *Executor) RecordOrder(order model.Order) (model.Order, error) {
	book, err := e.store.Book(order.Pair)
	if err != nil {
		return model.Order{}, err
	}
	return book.RecordTaker(order)
}

// MidPrice returns the midpoint of the best bid and ask of pair at its quote
// scale. A one-sided book has no mid price.
func (e *Executor) MidPrice(pair string) (string, error) {
	book, err := e.store.Book(pair)
	if err != nil {
		return "", err
	}
	bid, _, okBid := book.BestPrice(model.SideBuy, "")
	ask, _, okAsk := book.BestPrice(model.SideSell, "")
	if !okBid || !okAsk {
		return "", errors.Unavailable.Explain("%s has no two-sided market", pair)
	}
	scale := book.Pair().QuoteDecimals
	b, err := precision.Parse(bid, scale)
	if err != nil {
		return "", err
	}
	a, err := precision.Parse(ask, scale)
	if err != nil {
		return "", err
	}
	return precision.Format(b.Add(a).Div(decimal.NewFromInt(2)), scale), nil
}

// GetOrder looks up an order on pair.
func (e *Executor) GetOrder(pair, orderID string) (model.Order, error) {
	book, err := e.store.Book(pair)
	if err != nil {
		return model.Order{}, err
	}
	o, ok := book.GetOrder(orderID)
	if !ok {
		return model.Order{}, errors.OrderNotFound.Explain("order %s not found on %s", orderID, pair)
	}
	return o, nil
}

// Pair returns the descriptor of a configured pair.
func (e *Executor) Pair(pair string) (model.Pair, error) {
	book, err := e.store.Book(pair)
	if err != nil {
		return model.Pair{}, err
	}
	return book.Pair(), nil
}

// ShardStatus describes one shard.
type ShardStatus struct {
	ID        int      `json:"id"`
	Pairs     []string `json:"pairs"`
	Load      int64    `json:"load"`
	Backlog   int      `json:"backlog"`
	Processed int64    `json:"processed"`
	Restarts  int64    `json:"restarts"`
}

// Status reports ownership and counters per shard.
func (e *Executor) Status() []ShardStatus {
	owned := e.ownership()
	out := make([]ShardStatus, len(e.shards))
	for i, s := range e.shards {
		out[i] = ShardStatus{
			ID:        s.id,
			Pairs:     owned[i],
			Load:      s.load.Load(),
			Backlog:   len(s.inbox),
			Processed: s.processed.Load(),
			Restarts:  s.restarts.Load(),
		}
	}
	return out
}

func (e *Executor) ownership() map[int][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	owned := make(map[int][]string)
	for p, s := range e.owners {
		owned[s] = append(owned[s], p)
	}
	for _, pairs := range owned {
		sort.Strings(pairs)
	}
	return owned
}
