// Package model holds the venue's order, trade and event types.
//
// Monetary values are decimal strings at the pair's fixed scales (see pkg/precision):
// amounts use the base-asset scale, prices the quote-asset scale.
package model

import (
	"time"

	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
	"github.com/Aidin1998/pincex_hybrid/pkg/precision"
)

// Side of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side an order of this side matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType of an order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

func (t OrderType) Valid() bool { return t == OrderTypeMarket || t == OrderTypeLimit }

// OrderStatus of an order
type OrderStatus string

const (
	OrderStatusActive    OrderStatus = "active"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Source of liquidity for a trade or routing chunk
type Source string

const (
	SourceOrderBook Source = "orderbook"
	SourceAMM       Source = "amm"
)

// Cancel reasons recorded on cancelled orders
const (
	CancelReasonUser      = "user"
	CancelReasonUnfilled  = "unfilled_market_remainder"
	CancelReasonExpired   = "expired"
	CancelReasonRouterCap = "routing_bound"
)

// Pair describes a tradeable market and its fixed scales.
type Pair struct {
	Symbol        string          `json:"symbol" mapstructure:"symbol"`
	BaseAsset     string          `json:"base_asset" mapstructure:"base_asset"`
	QuoteAsset    string          `json:"quote_asset" mapstructure:"quote_asset"`
	BaseDecimals  precision.Scale `json:"base_decimals" mapstructure:"base_decimals"`
	QuoteDecimals precision.Scale `json:"quote_decimals" mapstructure:"quote_decimals"`
	MinAmount     string          `json:"min_amount" mapstructure:"min_amount"`
	MaxAmount     string          `json:"max_amount" mapstructure:"max_amount"`
}

// Scales returns the pair's base and quote scales.
func (p Pair) Scales() precision.PairScales {
	return precision.PairScales{Base: p.BaseDecimals, Quote: p.QuoteDecimals}
}

// Order represents a trading order. Instances handed out by the order store are copies.
type Order struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	Pair         string      `json:"pair"`
	Side         Side        `json:"side"`
	Type         OrderType   `json:"type"`
	Price        string      `json:"price,omitempty"`
	Amount       string      `json:"amount"`
	Filled       string      `json:"filled"`
	Remaining    string      `json:"remaining"`
	Status       OrderStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
	CancelReason string      `json:"cancel_reason,omitempty"`
	// Seq is the arrival sequence assigned by the order store.
	Seq uint64 `json:"seq"`
}

// NewOrder builds an unfilled active order.
func NewOrder(id, userID, pair string, side Side, typ OrderType, price, amount string, createdAt time.Time) Order {
	return Order{
		ID:        id,
		UserID:    userID,
		Pair:      pair,
		Side:      side,
		Type:      typ,
		Price:     price,
		Amount:    amount,
		Filled:    "0",
		Remaining: amount,
		Status:    OrderStatusActive,
		CreatedAt: createdAt,
	}
}

// Clone returns a deep copy.
func (o Order) Clone() Order {
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		o.ExpiresAt = &t
	}
	return o
}

func (o Order) IsTerminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled
}

// Trade is an immutable execution record.
type Trade struct {
	ID          string    `json:"id"`
	Pair        string    `json:"pair"`
	Price       string    `json:"price"`
	Amount      string    `json:"amount"`
	TakerSide   Side      `json:"taker_side"`
	BuyOrderID  string    `json:"buy_order_id"`
	SellOrderID string    `json:"sell_order_id"`
	BuyUserID   string    `json:"buy_user_id"`
	SellUserID  string    `json:"sell_user_id"`
	Timestamp   time.Time `json:"timestamp"`
	Source      Source    `json:"source"`
	ChunkIndex  *int      `json:"chunk_index,omitempty"`
}

// PriceLevel is an aggregated view of the resting orders at one price.
type PriceLevel struct {
	Price      string   `json:"price"`
	Amount     string   `json:"amount"`
	OrderCount int      `json:"order_count"`
	OrderIDs   []string `json:"order_ids,omitempty"`
}

// OrderbookSnapshot is a read-only projection of a book. Bids descend, asks ascend.
type OrderbookSnapshot struct {
	Pair      string       `json:"pair"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// ApplyFill adds delta to Filled and recomputes Remaining at the base scale.
// The order becomes filled when nothing remains. A delta larger than Remaining
// is rejected so an order can never be over-filled.
func (o *Order) ApplyFill(delta string, scale precision.Scale) error {
	pos, err := precision.IsPositive(delta, scale)
	if err != nil {
		return err
	}
	if !pos {
		return errors.ValidationError.Explain("fill amount must be positive, got %s", delta)
	}
	if cmp, err := precision.Compare(delta, o.Remaining, scale); err != nil {
		return err
	} else if cmp > 0 {
		return errors.ValidationError.Explain("fill %s exceeds remaining %s of order %s", delta, o.Remaining, o.ID)
	}
	filled, err := precision.Add(o.Filled, delta, scale)
	if err != nil {
		return err
	}
	remaining, err := precision.Subtract(o.Amount, filled, scale)
	if err != nil {
		return err
	}
	o.Filled, o.Remaining = filled, remaining
	if zero, _ := precision.IsZero(remaining, scale); zero {
		o.Status = OrderStatusFilled
	}
	return nil
}

// Cancel finalizes the order as cancelled. Remaining keeps the unexecuted
// quantity so that Filled + Remaining == Amount still holds for the record.
func (o *Order) Cancel(reason string) {
	o.Status = OrderStatusCancelled
	o.CancelReason = reason
}
