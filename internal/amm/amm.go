// Package amm defines the boundary to an automated market maker.
//
// Amounts are always in base-asset units at the pair's base scale; prices are
// quote per base at the quote scale. Pool mechanics live behind the interface.
package amm

import (
	"context"

	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
)

// Quote is a non-binding price for a prospective swap.
type Quote struct {
	AmountOut      string `json:"amount_out"`
	EffectivePrice string `json:"effective_price"`
	// PriceImpact is |effective - spot| / spot as a decimal fraction.
	PriceImpact string `json:"price_impact"`
}

// SwapResult describes an executed swap.
type SwapResult struct {
	// Filled is the base amount actually traded; it may be below the request
	// when a swap is capped by a target price.
	Filled         string `json:"filled"`
	AmountOut      string `json:"amount_out"`
	EffectivePrice string `json:"effective_price"`
	PriceImpact    string `json:"price_impact"`
}

// Pool is the AMM collaborator consumed by the smart order router. side is
// the taker's side: buy takes base out of the pool, sell puts base in.
type Pool interface {
	SpotPrice(ctx context.Context, pair string) (string, error)
	Quote(ctx context.Context, pair string, side model.Side, amount string) (Quote, error)
	Swap(ctx context.Context, pair string, side model.Side, amount string) (SwapResult, error)
	// SwapUntilPrice swaps at most amount, stopping where the pool's spot
	// price would pass targetPrice.
	SwapUntilPrice(ctx context.Context, pair string, side model.Side, amount, targetPrice string) (SwapResult, error)
}
