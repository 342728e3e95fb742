// Package engine implements price-time priority matching for a single pair.
//
// The engine is stateless: it drives an orderbook.Book that the caller owns.
// Under sharding the caller is the shard worker that owns the pair, which is
// what serializes all matching for that pair.
package engine

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/orderbook"
	"github.com/Aidin1998/pincex_hybrid/pkg/metrics"
	"github.com/Aidin1998/pincex_hybrid/pkg/precision"
)

// Result of processing one order.
type Result struct {
	// Order is the taker's final state.
	Order  model.Order   `json:"order"`
	Trades []model.Trade `json:"fills"`
	// SelfTradesSkipped counts resting orders of the same user that were passed over.
	SelfTradesSkipped int `json:"self_trades_skipped,omitempty"`
}

// Engine represents the matching engine
type Engine struct {
	logger *zap.Logger
	clock  clock.Clock
	newID  func() string
}

// NewEngine creates a matching engine.
func NewEngine(clk clock.Clock, logger *zap.Logger) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		logger: logger.Named("engine"),
		clock:  clk,
		newID:  uuid.NewString,
	}
}

// Process validates and matches an order against book. A limit remainder rests
// in the book; a market remainder is cancelled.
func (e *Engine) Process(ctx context.Context, book *orderbook.Book, order model.Order) (*Result, error) {
	return e.match(ctx, book, order, "", model.CancelReasonUnfilled)
}

// MatchBounded executes order with market semantics but never trades at a
// price worse than bound. Any remainder is cancelled, never rested.
func (e *Engine) MatchBounded(ctx context.Context, book *orderbook.Book, order model.Order, bound string) (*Result, error) {
	order.Type = model.OrderTypeMarket
	return e.match(ctx, book, order, bound, model.CancelReasonRouterCap)
}

// Cancel cancels a resting order. It returns false for unknown or terminal orders.
func (e *Engine) Cancel(book *orderbook.Book, orderID string) bool {
	return book.CancelOrder(orderID)
}

// ExpireOrders cancels resting orders whose expiry has passed.
func (e *Engine) ExpireOrders(book *orderbook.Book) []model.Order {
	expired := book.ExpireOrders(e.clock.Now())
	for _, o := range expired {
		metrics.OrdersProcessed.WithLabelValues(o.Pair, string(o.Side), "expired").Inc()
	}
	if len(expired) > 0 {
		e.logger.Info("expired resting orders", zap.String("pair", book.Pair().Symbol), zap.Int("count", len(expired)))
	}
	return expired
}

// crosses reports whether a maker level at price is acceptable for a taker on
// side with the given limit: buy takes asks <= limit, sell takes bids >= limit.
func crosses(side model.Side, price, limit string, scale precision.Scale) (bool, error) {
	cmp, err := precision.Compare(price, limit, scale)
	if err != nil {
		return false, err
	}
	if side == model.SideBuy {
		return cmp <= 0, nil
	}
	return cmp >= 0, nil
}

func (e *Engine) match(ctx context.Context, book *orderbook.Book, order model.Order, bound, cancelReason string) (*Result, error) {
	start := e.clock.Now()
	pair := book.Pair()
	if err := ValidateOrder(pair, order); err != nil {
		metrics.OrdersProcessed.WithLabelValues(pair.Symbol, string(order.Side), "rejected").Inc()
		return nil, err
	}
	if err := book.Claim(order.ID); err != nil {
		metrics.OrdersProcessed.WithLabelValues(pair.Symbol, string(order.Side), "rejected").Inc()
		return nil, err
	}
	scales := pair.Scales()

	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = start
	}
	taker := model.NewOrder(order.ID, order.UserID, order.Pair, order.Side, order.Type, order.Price, order.Amount, createdAt)
	taker.ExpiresAt = order.ExpiresAt
	if taker.Type == model.OrderTypeMarket {
		taker.Price = ""
	}

	res := &Result{}
	// fail ends the claim: a taker that traded is kept as cancelled so its
	// trades still reference a stored order.
	fail := func(err error) (*Result, error) {
		if len(res.Trades) == 0 {
			book.Release(taker.ID)
			return nil, err
		}
		taker.Cancel(cancelReason)
		if _, rerr := book.RecordTaker(taker); rerr != nil {
			e.logger.Error("failed to record taker", zap.String("order_id", taker.ID), zap.Error(rerr))
		}
		return nil, err
	}
	opposite := taker.Side.Opposite()
	after := ""
walk:
	for {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("matching interrupted", zap.String("order_id", taker.ID), zap.Error(err))
			break
		}
		price, makers, ok := book.NextLevel(opposite, after)
		if !ok {
			break
		}
		if taker.Type == model.OrderTypeLimit {
			if ok, err := crosses(taker.Side, price, taker.Price, scales.Quote); err != nil || !ok {
				break
			}
		}
		if bound != "" {
			if ok, err := crosses(taker.Side, price, bound, scales.Quote); err != nil || !ok {
				break
			}
		}
		for _, maker := range makers {
			if maker.UserID == taker.UserID {
				res.SelfTradesSkipped++
				metrics.SelfTradesSkipped.WithLabelValues(pair.Symbol).Inc()
				continue
			}
			amount, err := precision.Min(taker.Remaining, maker.Remaining, scales.Base)
			if err != nil {
				return fail(err)
			}
			if zero, _ := precision.IsZero(amount, scales.Base); zero {
				continue
			}
			if _, err := book.UpdateOrderFill(maker.ID, amount); err != nil {
				e.logger.Error("failed to fill maker order",
					zap.String("maker_id", maker.ID), zap.String("amount", amount), zap.Error(err))
				continue
			}
			if err := taker.ApplyFill(amount, scales.Base); err != nil {
				return fail(err)
			}
			trade := e.newTrade(pair.Symbol, &taker, &maker, maker.Price, amount)
			book.PublishTrade(trade)
			res.Trades = append(res.Trades, trade)
			metrics.TradesTotal.WithLabelValues(pair.Symbol, string(model.SourceOrderBook)).Inc()

			if taker.Status == model.OrderStatusFilled {
				break walk
			}
		}
		after = price
	}

	rest := taker.Status == model.OrderStatusActive && taker.Type == model.OrderTypeLimit && bound == ""
	if rest {
		rested, err := book.AddOrder(taker)
		if err != nil {
			return fail(err)
		}
		taker = rested
	} else {
		if taker.Status == model.OrderStatusActive {
			taker.Cancel(cancelReason)
		}
		recorded, err := book.RecordTaker(taker)
		if err != nil {
			return nil, err
		}
		taker = recorded
	}
	res.Order = taker

	metrics.OrdersProcessed.WithLabelValues(pair.Symbol, string(taker.Side), string(taker.Status)).Inc()
	metrics.MatchLatency.Observe(e.clock.Since(start).Seconds())
	e.logger.Debug("order processed",
		zap.String("order_id", taker.ID),
		zap.String("status", string(taker.Status)),
		zap.Int("trades", len(res.Trades)),
		zap.Int("self_trades_skipped", res.SelfTradesSkipped))
	return res, nil
}

func (e *Engine) newTrade(pair string, taker, maker *model.Order, price, amount string) model.Trade {
	t := model.Trade{
		ID:        e.newID(),
		Pair:      pair,
		Price:     price,
		Amount:    amount,
		TakerSide: taker.Side,
		Timestamp: e.clock.Now(),
		Source:    model.SourceOrderBook,
	}
	if taker.Side == model.SideBuy {
		t.BuyOrderID, t.BuyUserID = taker.ID, taker.UserID
		t.SellOrderID, t.SellUserID = maker.ID, maker.UserID
	} else {
		t.SellOrderID, t.SellUserID = taker.ID, taker.UserID
		t.BuyOrderID, t.BuyUserID = maker.ID, maker.UserID
	}
	return t
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.clock.Now() }
