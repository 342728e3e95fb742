// Package validator cross-checks off-chain trading state against on-chain
// ground truth: periodic Merkle snapshots of active orders, inclusion proofs,
// balance reconciliation and price sanity. It never sits on the matching path.
package validator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Aidin1998/pincex_hybrid/internal/onchain"
	"github.com/Aidin1998/pincex_hybrid/internal/scheduler"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/persistence"
	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
	"github.com/Aidin1998/pincex_hybrid/pkg/merkle"
	"github.com/Aidin1998/pincex_hybrid/pkg/metrics"
)

// Config of the validator
type Config struct {
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	// SnapshotWindow is how many recent snapshots are retained.
	SnapshotWindow int `mapstructure:"snapshot_window"`
	// BalanceThreshold is the relative off/on-chain difference tolerated.
	BalanceThreshold string `mapstructure:"balance_threshold"`
	// MaxPriceDeviation is the relative distance from mid-price tolerated.
	MaxPriceDeviation string        `mapstructure:"max_price_deviation"`
	MaxOrderAge       time.Duration `mapstructure:"max_order_age"`
	AlertSeverity     Severity      `mapstructure:"alert_severity"`
	AuditCapacity     int           `mapstructure:"audit_capacity"`
}

func DefaultConfig() Config {
	return Config{
		SnapshotInterval:  30 * time.Second,
		SnapshotWindow:    100,
		BalanceThreshold:  "0.01",
		MaxPriceDeviation: "0.05",
		MaxOrderAge:       5 * time.Minute,
		AlertSeverity:     SeverityHigh,
		AuditCapacity:     10000,
	}
}

// Deps are the validator's collaborators. Audit and Alert may be nil.
type Deps struct {
	Orders OrderSource
	Chain  onchain.Client
	Ledger Ledger
	Prices PriceFeed
	Audit  AuditSink
	Alert  AlertFunc
}

// Validator owns the snapshot history and the audit trail.
type Validator struct {
	cfg               Config
	deps              Deps
	clock             clock.Clock
	logger            *zap.Logger
	balanceThreshold  decimal.Decimal
	maxPriceDeviation decimal.Decimal

	mu        sync.RWMutex
	seq       uint64
	snapshots []Snapshot
	validated map[string]time.Time
	audit     []Discrepancy
}

func New(cfg Config, deps Deps, clk clock.Clock, logger *zap.Logger) (*Validator, error) {
	def := DefaultConfig()
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = def.SnapshotInterval
	}
	if cfg.SnapshotWindow <= 0 {
		cfg.SnapshotWindow = def.SnapshotWindow
	}
	if cfg.BalanceThreshold == "" {
		cfg.BalanceThreshold = def.BalanceThreshold
	}
	if cfg.MaxPriceDeviation == "" {
		cfg.MaxPriceDeviation = def.MaxPriceDeviation
	}
	if cfg.MaxOrderAge <= 0 {
		cfg.MaxOrderAge = def.MaxOrderAge
	}
	if cfg.AlertSeverity == "" {
		cfg.AlertSeverity = def.AlertSeverity
	}
	if cfg.AuditCapacity <= 0 {
		cfg.AuditCapacity = def.AuditCapacity
	}
	balance, err := decimal.NewFromString(cfg.BalanceThreshold)
	if err != nil {
		return nil, errors.ValidationError.Explain("balance threshold %q", cfg.BalanceThreshold).Wrap(err)
	}
	deviation, err := decimal.NewFromString(cfg.MaxPriceDeviation)
	if err != nil {
		return nil, errors.ValidationError.Explain("max price deviation %q", cfg.MaxPriceDeviation).Wrap(err)
	}
	if deps.Orders == nil || deps.Chain == nil {
		return nil, errors.ValidationError.Explain("validator needs an order source and an on-chain client")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Validator{
		cfg:               cfg,
		deps:              deps,
		clock:             clk,
		logger:            logger.Named("validator"),
		balanceThreshold:  balance,
		maxPriceDeviation: deviation,
		validated:         make(map[string]time.Time),
	}, nil
}

// Start registers the snapshot loop.
func (v *Validator) Start(ctx context.Context, sched *scheduler.Scheduler) {
	sched.Every(ctx, "validator-snapshot", v.cfg.SnapshotInterval, func(ctx context.Context) {
		if _, err := v.TakeSnapshot(ctx); err != nil {
			v.logger.Error("snapshot failed", zap.Error(err))
		}
		v.pruneValidated()
	})
}

// ============================================================================
// Snapshots
// ============================================================================

// TakeSnapshot commits the currently active order ids to a Merkle root and
// appends it to the bounded window.
func (v *Validator) TakeSnapshot(ctx context.Context) (Snapshot, error) {
	pairs := v.deps.Orders.Pairs()
	perPair := make([][]model.Order, len(pairs))
	g, _ := errgroup.WithContext(ctx)
	for i, p := range pairs {
		g.Go(func() error {
			orders, err := v.deps.Orders.PairOrders(p)
			perPair[i] = orders
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	var leaves []common.Hash
	volume := decimal.Zero
	for _, orders := range perPair {
		for _, o := range orders {
			leaves = append(leaves, merkle.Leaf([]byte(o.ID)))
			if r, err := decimal.NewFromString(o.Remaining); err == nil {
				volume = volume.Add(r)
			}
		}
	}
	tree := merkle.New(leaves)

	v.mu.Lock()
	v.seq++
	s := Snapshot{
		Seq:         v.seq,
		Root:        tree.Root().Hex(),
		OrderCount:  tree.Len(),
		TotalVolume: volume.String(),
		Timestamp:   v.clock.Now(),
		tree:        tree,
	}
	v.snapshots = append(v.snapshots, s)
	if over := len(v.snapshots) - v.cfg.SnapshotWindow; over > 0 {
		v.snapshots = append([]Snapshot(nil), v.snapshots[over:]...)
	}
	v.mu.Unlock()

	metrics.ValidatorSnapshots.Inc()
	v.logger.Debug("snapshot taken",
		zap.Uint64("seq", s.Seq), zap.String("root", s.Root), zap.Int("orders", s.OrderCount))
	return s, nil
}

// Snapshots returns the retained snapshots, oldest first.
func (v *Validator) Snapshots() []Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]Snapshot(nil), v.snapshots...)
}

// Snapshot returns the retained snapshot with seq.
func (v *Validator) Snapshot(seq uint64) (Snapshot, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, s := range v.snapshots {
		if s.Seq == seq {
			return s, true
		}
	}
	return Snapshot{}, false
}

// Proof returns the inclusion proof of orderID in the latest snapshot that
// contains it.
func (v *Validator) Proof(orderID string) (Snapshot, []string, error) {
	leaf := merkle.Leaf([]byte(orderID))
	v.mu.RLock()
	defer v.mu.RUnlock()
	for i := len(v.snapshots) - 1; i >= 0; i-- {
		s := v.snapshots[i]
		proof, err := s.tree.Proof(leaf)
		if err != nil {
			continue
		}
		out := make([]string, len(proof))
		for j, p := range proof {
			out[j] = p.Hex()
		}
		return s, out, nil
	}
	return Snapshot{}, nil, errors.OrderNotFound.Explain("order %s is in no retained snapshot", orderID)
}

// nearest picks the snapshot pinned by seq, or the one closest in time to at.
func (v *Validator) nearest(seq uint64, at time.Time) (Snapshot, bool) {
	if seq != 0 {
		return v.Snapshot(seq)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.snapshots) == 0 {
		return Snapshot{}, false
	}
	best := v.snapshots[len(v.snapshots)-1]
	bestGap := absDuration(best.Timestamp.Sub(at))
	for _, s := range v.snapshots {
		if gap := absDuration(s.Timestamp.Sub(at)); gap < bestGap {
			best, bestGap = s, gap
		}
	}
	return best, true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ReconcileSnapshot compares a retained snapshot with the one committed on
// chain under the same sequence number and records every mismatch.
func (v *Validator) ReconcileSnapshot(ctx context.Context, seq uint64) ([]Discrepancy, error) {
	local, ok := v.Snapshot(seq)
	if !ok {
		return nil, errors.OrderNotFound.Explain("snapshot %d is not retained", seq)
	}
	remote, err := v.deps.Chain.GetSnapshot(ctx, seq)
	if err != nil {
		return nil, err
	}

	var found []Discrepancy
	if !equalHex(local.Root, remote.Root) {
		found = append(found, v.record(ctx, Discrepancy{
			Type: DiscrepancyRoot, Severity: SeverityCritical, Seq: seq,
			OffChain: local.Root, OnChain: remote.Root,
			Message: "snapshot root differs from on-chain commitment",
		}))
	}
	if uint64(local.OrderCount) != remote.OrderCount {
		found = append(found, v.record(ctx, Discrepancy{
			Type: DiscrepancyCount, Severity: SeverityHigh, Seq: seq,
			OffChain: decimal.NewFromInt(int64(local.OrderCount)).String(),
			OnChain:  decimal.NewFromInt(int64(remote.OrderCount)).String(),
			Message:  "snapshot order count differs from on-chain commitment",
		}))
	}
	lv, _ := decimal.NewFromString(local.TotalVolume)
	rv, err := decimal.NewFromString(remote.TotalVolume)
	if err != nil || !lv.Equal(rv) {
		diff := relativeDiff(lv, rv)
		found = append(found, v.record(ctx, Discrepancy{
			Type: DiscrepancyVolume, Severity: v.grade(diff, v.balanceThreshold), Seq: seq,
			OffChain: local.TotalVolume, OnChain: remote.TotalVolume, Difference: diff.String(),
			Message: "snapshot total volume differs from on-chain commitment",
		}))
	}
	return found, nil
}

func equalHex(a, b string) bool {
	return common.HexToHash(a) == common.HexToHash(b)
}

// ============================================================================
// Proof validation
// ============================================================================

// ValidateProof checks that a bridged order is committed in a snapshot and
// that its content matches its id. Each order id validates at most once.
func (v *Validator) ValidateProof(ctx context.Context, req ProofRequest) error {
	v.mu.RLock()
	_, done := v.validated[req.OrderID]
	v.mu.RUnlock()
	if done {
		return v.rejectProof(ctx, req, "already_validated", SeverityLow,
			errors.AlreadyValidated.Explain("order %s was already validated", req.OrderID))
	}

	at := time.UnixMilli(req.OrderData.Timestamp)
	snap, ok := v.nearest(req.Seq, at)
	if !ok {
		return v.rejectProof(ctx, req, "no_snapshot", SeverityMedium,
			errors.ProofInvalid.Explain("no snapshot available for order %s", req.OrderID))
	}

	leaf := merkle.Leaf([]byte(req.OrderID))
	siblings := make([]common.Hash, 0, len(req.Proof))
	for _, p := range req.Proof {
		siblings = append(siblings, common.HexToHash(p))
	}
	local := merkle.Verify(common.HexToHash(snap.Root), leaf, siblings)
	remote, err := v.deps.Chain.ValidateProof(ctx, snap.Root, req.Proof, []byte(req.OrderID))
	if err != nil {
		return v.rejectProof(ctx, req, "verifier_error", SeverityMedium,
			errors.ProofInvalid.Explain("on-chain verifier unavailable for order %s", req.OrderID).Wrap(err))
	}
	if local != remote {
		return v.rejectProof(ctx, req, "verifier_disagreement", SeverityCritical,
			errors.ProofInvalid.Explain("local and on-chain proof checks disagree for order %s (local=%t, chain=%t)", req.OrderID, local, remote))
	}
	if !local {
		return v.rejectProof(ctx, req, "not_included", SeverityHigh,
			errors.ProofInvalid.Explain("order %s is not in snapshot %d", req.OrderID, snap.Seq))
	}

	if err := requiredFields(req.OrderData); err != nil {
		return v.rejectProof(ctx, req, "missing_fields", SeverityLow, err)
	}
	hash, err := req.OrderData.ContentHash()
	if err != nil || !equalHex(hash.Hex(), req.OrderID) || len(common.FromHex(req.OrderID)) != common.HashLength {
		return v.rejectProof(ctx, req, "content_mismatch", SeverityHigh,
			errors.ProofInvalid.Explain("order data does not hash to order id %s", req.OrderID))
	}
	if age := v.clock.Now().Sub(at); age > v.cfg.MaxOrderAge {
		return v.rejectProof(ctx, req, "stale", SeverityLow,
			errors.StaleOrder.Explain("order %s is %s old, limit %s", req.OrderID, age, v.cfg.MaxOrderAge))
	}

	v.mu.Lock()
	if _, done := v.validated[req.OrderID]; done {
		v.mu.Unlock()
		return v.rejectProof(ctx, req, "already_validated", SeverityLow,
			errors.AlreadyValidated.Explain("order %s was already validated", req.OrderID))
	}
	v.validated[req.OrderID] = v.clock.Now()
	v.mu.Unlock()
	v.logger.Info("order proof validated", zap.String("order_id", req.OrderID), zap.Uint64("seq", snap.Seq))
	return nil
}

func requiredFields(d OrderData) error {
	err := errors.ValidationError.Explain("order data is incomplete")
	missing := false
	for field, value := range map[string]string{
		"user_id": d.UserID, "pair": d.Pair, "side": d.Side, "type": d.Type, "amount": d.Amount,
	} {
		if value == "" {
			err = err.WithField("required", field, "missing")
			missing = true
		}
	}
	if d.Timestamp <= 0 {
		err = err.WithField("required", "timestamp", "missing")
		missing = true
	}
	if d.Type == string(model.OrderTypeLimit) && d.Price == "" {
		err = err.WithField("required", "price", "limit orders carry a price")
		missing = true
	}
	if missing {
		sort.Slice(err.Fields, func(i, j int) bool { return err.Fields[i].Field < err.Fields[j].Field })
		return err
	}
	return nil
}

func (v *Validator) rejectProof(ctx context.Context, req ProofRequest, reason string, sev Severity, cause error) error {
	metrics.ProofRejections.WithLabelValues(reason).Inc()
	v.record(ctx, Discrepancy{
		Type:     DiscrepancyProof,
		Severity: sev,
		UserID:   req.OrderData.UserID,
		OrderID:  req.OrderID,
		Seq:      req.Seq,
		Message:  cause.Error(),
	})
	return cause
}

// pruneValidated forgets ids whose orders are stale anyway.
func (v *Validator) pruneValidated() {
	cutoff := v.clock.Now().Add(-2 * v.cfg.MaxOrderAge)
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, at := range v.validated {
		if at.Before(cutoff) {
			delete(v.validated, id)
		}
	}
}

// ============================================================================
// Balance and price checks
// ============================================================================

// ReconcileBalance compares the ledger balance of userID in asset with the
// on-chain balance and checks that required is covered by the smaller of the two.
func (v *Validator) ReconcileBalance(ctx context.Context, userID, asset, required string) error {
	if v.deps.Ledger == nil {
		return errors.Unavailable.Explain("no off-chain ledger configured")
	}
	offStr, err := v.deps.Ledger.Balance(ctx, userID, asset)
	if err != nil {
		return err
	}
	address, err := v.deps.Ledger.Address(ctx, userID)
	if err != nil {
		return err
	}
	onStr, err := v.deps.Chain.BalanceOf(ctx, address, asset)
	if err != nil {
		return err
	}
	off, err := decimal.NewFromString(offStr)
	if err != nil {
		return errors.PrecisionError.Explain("ledger balance %q", offStr).Wrap(err)
	}
	on, err := decimal.NewFromString(onStr)
	if err != nil {
		return errors.PrecisionError.Explain("on-chain balance %q", onStr).Wrap(err)
	}

	diff := relativeDiff(off, on)
	if diff.GreaterThan(v.balanceThreshold) {
		d := v.record(ctx, Discrepancy{
			Type: DiscrepancyBalance, Severity: v.grade(diff, v.balanceThreshold),
			UserID: userID, Asset: asset, OffChain: offStr, OnChain: onStr, Difference: diff.String(),
			Message: "off-chain balance diverges from on-chain balance",
		})
		return errors.BalanceDiscrepancy.Explain("balance of %s in %s diverges by %s", userID, asset, d.Difference)
	}

	need, err := decimal.NewFromString(required)
	if err != nil {
		return errors.PrecisionError.Explain("required amount %q", required).Wrap(err)
	}
	available := decimal.Min(off, on)
	if available.LessThan(need) {
		return errors.InsufficientFunds.Explain("%s needs %s %s, %s available", userID, need, asset, available)
	}
	return nil
}

// CheckPrice rejects a priced order that strays too far from the mid-price.
// A failing price feed passes the order.
func (v *Validator) CheckPrice(ctx context.Context, order model.Order) error {
	if order.Price == "" || v.deps.Prices == nil {
		return nil
	}
	midStr, err := v.deps.Prices.MidPrice(ctx, order.Pair)
	if err != nil {
		v.logger.Warn("mid-price unavailable, skipping price sanity check",
			zap.String("pair", order.Pair), zap.String("order_id", order.ID), zap.Error(err))
		return nil
	}
	mid, err := decimal.NewFromString(midStr)
	if err != nil || !mid.IsPositive() {
		v.logger.Warn("unusable mid-price, skipping price sanity check",
			zap.String("pair", order.Pair), zap.String("mid", midStr))
		return nil
	}
	price, err := decimal.NewFromString(order.Price)
	if err != nil {
		return errors.PrecisionError.Explain("order price %q", order.Price).Wrap(err)
	}
	deviation := price.Sub(mid).Abs().DivRound(mid, 18)
	if deviation.GreaterThan(v.maxPriceDeviation) {
		v.record(ctx, Discrepancy{
			Type: DiscrepancyPrice, Severity: v.grade(deviation, v.maxPriceDeviation),
			UserID: order.UserID, OrderID: order.ID, OffChain: order.Price, OnChain: midStr,
			Difference: deviation.String(),
			Message:    "order price deviates from mid-price",
		})
		return errors.PriceDeviation.Explain("price %s deviates %s from mid %s", order.Price, deviation.StringFixed(4), midStr)
	}
	return nil
}

// CheckOrder runs the pre-trade checks: the funds the order locks must be
// reconciled and covered, and a priced order must be near the mid-price.
func (v *Validator) CheckOrder(ctx context.Context, pair model.Pair, order model.Order) error {
	asset, required := pair.BaseAsset, order.Amount
	if order.Side == model.SideBuy {
		asset = pair.QuoteAsset
		price := order.Price
		if price == "" && v.deps.Prices != nil {
			price, _ = v.deps.Prices.MidPrice(ctx, pair.Symbol)
		}
		required = "0"
		if p, err := decimal.NewFromString(price); err == nil {
			a, _ := decimal.NewFromString(order.Amount)
			required = a.Mul(p).String()
		}
	}
	if err := v.ReconcileBalance(ctx, order.UserID, asset, required); err != nil {
		return err
	}
	return v.CheckPrice(ctx, order)
}

// relativeDiff is |a-b| / max(|a|,|b|), zero when both are zero.
func relativeDiff(a, b decimal.Decimal) decimal.Decimal {
	denom := decimal.Max(a.Abs(), b.Abs())
	if denom.IsZero() {
		return decimal.Zero
	}
	return a.Sub(b).Abs().DivRound(denom, 18)
}

// grade scales severity with how many times the tolerance was exceeded.
func (v *Validator) grade(diff, tolerance decimal.Decimal) Severity {
	if !tolerance.IsPositive() {
		return SeverityCritical
	}
	ratio := diff.Div(tolerance)
	switch {
	case ratio.GreaterThanOrEqual(decimal.NewFromInt(10)):
		return SeverityCritical
	case ratio.GreaterThanOrEqual(decimal.NewFromInt(5)):
		return SeverityHigh
	case ratio.GreaterThanOrEqual(decimal.NewFromInt(2)):
		return SeverityMedium
	}
	return SeverityLow
}

// ============================================================================
// Audit trail
// ============================================================================

func (v *Validator) record(ctx context.Context, d Discrepancy) Discrepancy {
	d.ID = uuid.NewString()
	d.Timestamp = v.clock.Now()

	v.mu.Lock()
	v.audit = append(v.audit, d)
	if over := len(v.audit) - v.cfg.AuditCapacity; over > 0 {
		v.audit = append([]Discrepancy(nil), v.audit[over:]...)
	}
	v.mu.Unlock()

	metrics.Discrepancies.WithLabelValues(string(d.Type), string(d.Severity)).Inc()
	v.logger.Warn("discrepancy recorded",
		zap.String("id", d.ID),
		zap.String("type", string(d.Type)),
		zap.String("severity", string(d.Severity)),
		zap.String("user_id", d.UserID),
		zap.String("order_id", d.OrderID),
		zap.String("message", d.Message))

	if v.deps.Audit != nil {
		v.deps.Audit.Enqueue(ctx, persistence.WriteRequest{
			Type: persistence.RecordDiscrepancy, ID: d.ID, Data: d, Timestamp: d.Timestamp,
		})
	}
	if v.deps.Alert != nil && d.Severity.AtLeast(v.cfg.AlertSeverity) {
		v.deps.Alert(d)
	}
	return d
}

// AuditTrail returns up to limit of the most recent discrepancies, newest last.
// A non-positive limit returns everything retained.
func (v *Validator) AuditTrail(limit int) []Discrepancy {
	v.mu.RLock()
	defer v.mu.RUnlock()
	from := 0
	if limit > 0 && len(v.audit) > limit {
		from = len(v.audit) - limit
	}
	return append([]Discrepancy(nil), v.audit[from:]...)
}
