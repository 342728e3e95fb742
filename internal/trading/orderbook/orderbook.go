// =============================
// Order Book Store
// =============================
// This file implements the per-pair order book: two price-ordered side indices,
// FIFO queues inside each price level and incrementally maintained level aggregates.
//
// How it works:
// - Levels are kept in a B-tree ordered by the price scaled to an integer, so the
//   first item on either side is always the best price.
// - Each level keeps its resting orders in arrival order.
// - Every mutation runs under the book mutex and publishes its change event before
//   the lock is released, so subscribers see mutations in the order they happened.
//
// The book never matches by itself: the matching engine drives it through
// Claim, NextLevel, UpdateOrderFill, and then AddOrder for a resting remainder
// or RecordTaker for a taker that ends filled or cancelled.

package orderbook

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_hybrid/internal/trading/events"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
	"github.com/Aidin1998/pincex_hybrid/pkg/precision"
)

// MaxSnapshotDepth bounds GetOrderbook depth.
const MaxSnapshotDepth = 1000

// priceLevel holds the resting orders at one price.
type priceLevel struct {
	key    *big.Int
	price  string
	amount string // sum of Remaining over orders, base scale
	orders []*model.Order
}

// Book is the order store for one trading pair.
type Book struct {
	mu     sync.Mutex
	pair   model.Pair
	scales precision.PairScales

	bids *btree.BTreeG[*priceLevel]
	asks *btree.BTreeG[*priceLevel]

	// orders indexes every order the book has seen, active or terminal, until
	// PruneTerminal drops it.
	orders map[string]*model.Order
	// pending holds the ids of takers that are being matched.
	pending map[string]struct{}
	// closed records when each terminal order became terminal.
	closed map[string]time.Time
	seq    uint64

	publisher events.Publisher
	clock     clock.Clock
	logger    *zap.Logger
}

// NewBook creates an empty book for pair.
func NewBook(pair model.Pair, publisher events.Publisher, clk clock.Clock, logger *zap.Logger) *Book {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Book{
		pair:   pair,
		scales: pair.Scales(),
		// bids: highest price first
		bids: btree.NewBTreeG(func(a, b *priceLevel) bool { return a.key.Cmp(b.key) > 0 }),
		// asks: lowest price first
		asks:      btree.NewBTreeG(func(a, b *priceLevel) bool { return a.key.Cmp(b.key) < 0 }),
		orders:    make(map[string]*model.Order),
		pending:   make(map[string]struct{}),
		closed:    make(map[string]time.Time),
		publisher: publisher,
		clock:     clk,
		logger:    logger.With(zap.String("pair", pair.Symbol)),
	}
}

// Pair returns the pair descriptor.
func (b *Book) Pair() model.Pair { return b.pair }

func (b *Book) side(s model.Side) *btree.BTreeG[*priceLevel] {
	if s == model.SideBuy {
		return b.bids
	}
	return b.asks
}

func (b *Book) publish(typ model.EventType, o *model.Order) {
	b.publisher.Publish(context.Background(), model.NewOrderEvent(typ, *o, b.clock.Now()))
}

// AddOrder inserts an active limit order at the back of its price level.
// It fails with DuplicateOrder if the id has been seen before.
func (b *Book) AddOrder(order model.Order) (model.Order, error) {
	if order.Price == "" {
		return model.Order{}, errors.ValidationError.Explain("order %s has no price and cannot rest in the book", order.ID)
	}
	if order.Status != model.OrderStatusActive {
		return model.Order{}, errors.ValidationError.Explain("order %s is %s and cannot rest in the book", order.ID, order.Status)
	}
	if pos, err := precision.IsPositive(order.Remaining, b.scales.Base); err != nil {
		return model.Order{}, err
	} else if !pos {
		return model.Order{}, errors.ValidationError.Explain("order %s has nothing remaining", order.ID)
	}
	key, err := precision.ToInteger(order.Price, b.scales.Quote)
	if err != nil {
		return model.Order{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.orders[order.ID]; exists {
		return model.Order{}, errors.DuplicateOrder.Explain("order %s already exists", order.ID)
	}

	o := order.Clone()
	b.seq++
	o.Seq = b.seq
	o.Price = precision.FromInteger(key, b.scales.Quote)

	tree := b.side(o.Side)
	lvl, ok := tree.Get(&priceLevel{key: key})
	if !ok {
		lvl = &priceLevel{key: key, price: o.Price, amount: "0"}
		tree.Set(lvl)
	}
	amount, err := precision.Add(lvl.amount, o.Remaining, b.scales.Base)
	if err != nil {
		if len(lvl.orders) == 0 {
			tree.Delete(lvl)
		}
		return model.Order{}, err
	}
	lvl.amount = amount
	lvl.orders = append(lvl.orders, &o)
	b.orders[o.ID] = &o
	delete(b.pending, o.ID)

	b.publish(model.EventOrderAdded, &o)
	return o.Clone(), nil
}

// Claim reserves orderID for a taker about to be matched. It fails with
// DuplicateOrder if any order the book holds, or a taker being matched, has
// the same id. The claim ends with AddOrder, RecordTaker or Release.
func (b *Book) Claim(orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.orders[orderID]; exists {
		return errors.DuplicateOrder.Explain("order %s already exists", orderID)
	}
	if _, busy := b.pending[orderID]; busy {
		return errors.DuplicateOrder.Explain("order %s is already being processed", orderID)
	}
	b.pending[orderID] = struct{}{}
	return nil
}

// Release drops the claim of a taker that never traded.
func (b *Book) Release(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, orderID)
}

// RecordTaker stores a taker that finished without resting and publishes its
// final state as order_filled or order_cancelled.
func (b *Book) RecordTaker(order model.Order) (model.Order, error) {
	if !order.IsTerminal() {
		return model.Order{}, errors.ValidationError.Explain("order %s is %s and cannot be recorded as final", order.ID, order.Status)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.orders[order.ID]; exists {
		return model.Order{}, errors.DuplicateOrder.Explain("order %s already exists", order.ID)
	}

	o := order.Clone()
	b.seq++
	o.Seq = b.seq
	b.orders[o.ID] = &o
	delete(b.pending, o.ID)
	b.closed[o.ID] = b.clock.Now()

	typ := model.EventOrderFilled
	if o.Status == model.OrderStatusCancelled {
		typ = model.EventOrderCancelled
	}
	b.publish(typ, &o)
	return o.Clone(), nil
}

// CancelOrder cancels an active order on behalf of its owner.
// It returns false if the order is unknown or already terminal.
func (b *Book) CancelOrder(orderID string) bool {
	_, ok := b.CancelOrderWithReason(orderID, model.CancelReasonUser)
	return ok
}

// CancelOrderWithReason removes an active order from the book and records reason.
func (b *Book) CancelOrderWithReason(orderID, reason string) (model.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok || o.IsTerminal() {
		return model.Order{}, false
	}
	if err := b.detach(o, o.Remaining); err != nil {
		b.logger.Error("failed to detach cancelled order", zap.String("order_id", orderID), zap.Error(err))
		return model.Order{}, false
	}
	o.Cancel(reason)
	b.closed[o.ID] = b.clock.Now()
	b.publish(model.EventOrderCancelled, o)
	return o.Clone(), true
}

// UpdateOrderFill applies a fill of filledDelta to a resting order. A fill that
// completes the order removes it from its level; a partial fill only lowers the
// level aggregate.
func (b *Book) UpdateOrderFill(orderID, filledDelta string) (model.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return model.Order{}, errors.OrderNotFound.Explain("order %s not found", orderID)
	}
	if o.IsTerminal() {
		return model.Order{}, errors.ValidationError.Explain("order %s is %s", orderID, o.Status)
	}

	next := *o
	if err := next.ApplyFill(filledDelta, b.scales.Base); err != nil {
		return model.Order{}, err
	}
	if next.Status == model.OrderStatusFilled {
		if err := b.detach(o, o.Remaining); err != nil {
			return model.Order{}, err
		}
		b.closed[o.ID] = b.clock.Now()
	} else {
		lvl, ok := b.side(o.Side).Get(b.levelKey(o))
		if !ok {
			return model.Order{}, errors.Internal.Explain("order %s has no price level", orderID)
		}
		amount, err := precision.Subtract(lvl.amount, filledDelta, b.scales.Base)
		if err != nil {
			return model.Order{}, err
		}
		lvl.amount = amount
	}
	*o = next
	b.publish(model.EventOrderUpdated, o)
	return o.Clone(), nil
}

func (b *Book) levelKey(o *model.Order) *priceLevel {
	key, _ := precision.ToInteger(o.Price, b.scales.Quote)
	return &priceLevel{key: key}
}

// detach removes o from its level and subtracts amount from the aggregate,
// dropping the level once it is empty. Caller holds b.mu.
func (b *Book) detach(o *model.Order, amount string) error {
	tree := b.side(o.Side)
	lvl, ok := tree.Get(b.levelKey(o))
	if !ok {
		return errors.Internal.Explain("order %s has no price level", o.ID)
	}
	idx := -1
	for i, resting := range lvl.orders {
		if resting.ID == o.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.Internal.Explain("order %s missing from level %s", o.ID, lvl.price)
	}
	agg, err := precision.Subtract(lvl.amount, amount, b.scales.Base)
	if err != nil {
		return err
	}
	lvl.orders = append(lvl.orders[:idx], lvl.orders[idx+1:]...)
	lvl.amount = agg
	if len(lvl.orders) == 0 {
		tree.Delete(lvl)
	}
	return nil
}

// PublishTrade emits trade_executed for a trade created against this book.
func (b *Book) PublishTrade(trade model.Trade) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publisher.Publish(context.Background(), model.NewTradeEvent(trade, b.clock.Now()))
}

// --- Read path ---

func toView(lvl *priceLevel, withIDs bool) model.PriceLevel {
	v := model.PriceLevel{Price: lvl.price, Amount: lvl.amount, OrderCount: len(lvl.orders)}
	if withIDs {
		v.OrderIDs = make([]string, len(lvl.orders))
		for i, o := range lvl.orders {
			v.OrderIDs[i] = o.ID
		}
	}
	return v
}

func (b *Book) collect(tree *btree.BTreeG[*priceLevel], depth int) ([]model.PriceLevel, error) {
	out := make([]model.PriceLevel, 0, depth)
	var err error
	tree.Scan(func(lvl *priceLevel) bool {
		if len(out) >= depth {
			return false
		}
		total := "0"
		for _, o := range lvl.orders {
			if total, err = precision.Add(total, o.Remaining, b.scales.Base); err != nil {
				return false
			}
		}
		v := toView(lvl, false)
		v.Amount = total
		out = append(out, v)
		return true
	})
	return out, err
}

// GetOrderbook returns the top depth levels per side. Level amounts are summed
// from the resting orders, not read from the incremental aggregate.
func (b *Book) GetOrderbook(depth int) (model.OrderbookSnapshot, error) {
	if depth <= 0 || depth > MaxSnapshotDepth {
		depth = MaxSnapshotDepth
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	bids, err := b.collect(b.bids, depth)
	if err != nil {
		return model.OrderbookSnapshot{}, err
	}
	asks, err := b.collect(b.asks, depth)
	if err != nil {
		return model.OrderbookSnapshot{}, err
	}
	return model.OrderbookSnapshot{Pair: b.pair.Symbol, Bids: bids, Asks: asks, Timestamp: b.clock.Now()}, nil
}

// GetOrdersAtPrice returns the active orders resting at an exact price in arrival order.
func (b *Book) GetOrdersAtPrice(side model.Side, price string) ([]model.Order, error) {
	key, err := precision.ToInteger(price, b.scales.Quote)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	lvl, ok := b.side(side).Get(&priceLevel{key: key})
	if !ok {
		return nil, nil
	}
	return cloneOrders(lvl.orders), nil
}

func cloneOrders(in []*model.Order) []model.Order {
	out := make([]model.Order, len(in))
	for i, o := range in {
		out[i] = o.Clone()
	}
	return out
}

// NextLevel returns the best level on side whose price is strictly worse than
// after, or the best level when after is empty. Orders are in arrival order.
func (b *Book) NextLevel(side model.Side, after string) (price string, orders []model.Order, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tree := b.side(side)
	visit := func(lvl *priceLevel) bool {
		price, orders, ok = lvl.price, cloneOrders(lvl.orders), true
		return false
	}
	if after == "" {
		tree.Scan(visit)
		return
	}
	key, err := precision.ToInteger(after, b.scales.Quote)
	if err != nil {
		return "", nil, false
	}
	tree.Ascend(&priceLevel{key: key}, func(lvl *priceLevel) bool {
		if lvl.key.Cmp(key) == 0 {
			return true
		}
		return visit(lvl)
	})
	return
}

// BestPrice returns the best price on side among orders not owned by
// excludeUser, together with the amount those orders offer at that price.
func (b *Book) BestPrice(side model.Side, excludeUser string) (price, available string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.side(side).Scan(func(lvl *priceLevel) bool {
		total := "0"
		for _, o := range lvl.orders {
			if excludeUser != "" && o.UserID == excludeUser {
				continue
			}
			sum, err := precision.Add(total, o.Remaining, b.scales.Base)
			if err != nil {
				return false
			}
			total = sum
		}
		if pos, _ := precision.IsPositive(total, b.scales.Base); !pos {
			return true
		}
		price, available, ok = lvl.price, total, true
		return false
	})
	return
}

// GetOrder returns a copy of any order the book has seen.
func (b *Book) GetOrder(orderID string) (model.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return model.Order{}, false
	}
	return o.Clone(), true
}

// ActiveOrders returns every resting order sorted by arrival.
func (b *Book) ActiveOrders() []model.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Order
	for _, tree := range []*btree.BTreeG[*priceLevel]{b.bids, b.asks} {
		tree.Scan(func(lvl *priceLevel) bool {
			out = append(out, cloneOrders(lvl.orders)...)
			return true
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Depth returns the number of resting orders.
func (b *Book) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, tree := range []*btree.BTreeG[*priceLevel]{b.bids, b.asks} {
		tree.Scan(func(lvl *priceLevel) bool {
			n += len(lvl.orders)
			return true
		})
	}
	return n
}

// --- Maintenance ---

// LevelMismatch reports a price level whose incremental aggregate disagrees
// with the sum of its resting orders.
type LevelMismatch struct {
	Side       model.Side
	Price      string
	Aggregate  string
	Recomputed string
}

// Reconcile re-aggregates every level and returns the levels that disagree.
// When repair is set the recomputed value replaces the aggregate.
func (b *Book) Reconcile(repair bool) []LevelMismatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []LevelMismatch
	for _, side := range []model.Side{model.SideBuy, model.SideSell} {
		b.side(side).Scan(func(lvl *priceLevel) bool {
			total := "0"
			for _, o := range lvl.orders {
				total, _ = precision.Add(total, o.Remaining, b.scales.Base)
			}
			if cmp, err := precision.Compare(total, lvl.amount, b.scales.Base); err != nil || cmp != 0 {
				out = append(out, LevelMismatch{Side: side, Price: lvl.price, Aggregate: lvl.amount, Recomputed: total})
				if repair {
					lvl.amount = total
				}
			}
			return true
		})
	}
	for _, m := range out {
		b.logger.Warn("price level aggregate mismatch",
			zap.String("side", string(m.Side)), zap.String("price", m.Price),
			zap.String("aggregate", m.Aggregate), zap.String("recomputed", m.Recomputed))
	}
	return out
}

// ExpireOrders cancels resting orders whose ExpiresAt is not after now.
func (b *Book) ExpireOrders(now time.Time) []model.Order {
	b.mu.Lock()
	var due []string
	for id, o := range b.orders {
		if !o.IsTerminal() && o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
			due = append(due, id)
		}
	}
	b.mu.Unlock()

	sort.Strings(due)
	var expired []model.Order
	for _, id := range due {
		if o, ok := b.CancelOrderWithReason(id, model.CancelReasonExpired); ok {
			expired = append(expired, o)
		}
	}
	return expired
}

// PruneTerminal forgets orders that became terminal before cutoff and returns
// how many were dropped. A pruned id can no longer be looked up or detected
// as a duplicate.
func (b *Book) PruneTerminal(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, at := range b.closed {
		if at.Before(cutoff) {
			delete(b.closed, id)
			delete(b.orders, id)
			n++
		}
	}
	return n
}
