// Package simpool is an in-process constant-product AMM used for local runs
// and tests. It implements amm.Pool.
package simpool

import (
	"context"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/pincex_hybrid/internal/amm"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
	"github.com/Aidin1998/pincex_hybrid/pkg/precision"
)

// internal precision for intermediate ratios
const workScale = 36

var _ amm.Pool = (*Pools)(nil)

type pool struct {
	mu     sync.Mutex
	base   decimal.Decimal
	quote  decimal.Decimal
	fee    decimal.Decimal
	scales precision.PairScales
}

// Pools holds one x*y=k pool per pair.
type Pools struct {
	mu    sync.RWMutex
	pools map[string]*pool
}

func New() *Pools {
	return &Pools{pools: make(map[string]*pool)}
}

// AddPool seeds the reserves for pair. feeBps is charged on the input side.
func (p *Pools) AddPool(pair model.Pair, baseReserve, quoteReserve string, feeBps int64) error {
	scales := pair.Scales()
	b, err := precision.Parse(baseReserve, scales.Base)
	if err != nil {
		return err
	}
	q, err := precision.Parse(quoteReserve, scales.Quote)
	if err != nil {
		return err
	}
	if !b.IsPositive() || !q.IsPositive() {
		return errors.ValidationError.Explain("pool %s needs positive reserves", pair.Symbol)
	}
	if feeBps < 0 || feeBps >= 10000 {
		return errors.ValidationError.Explain("fee %d bps out of range", feeBps)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pools[pair.Symbol] = &pool{
		base:   b,
		quote:  q,
		fee:    decimal.New(feeBps, -4),
		scales: scales,
	}
	return nil
}

// Reserves returns the current base and quote reserves of pair.
func (p *Pools) Reserves(pair string) (string, string, error) {
	pl, err := p.get(pair)
	if err != nil {
		return "", "", err
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.base.String(), pl.quote.String(), nil
}

func (p *Pools) get(pair string) (*pool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pl, ok := p.pools[pair]
	if !ok {
		return nil, errors.Unavailable.Explain("no liquidity pool for %s", pair)
	}
	return pl, nil
}

func (p *Pools) SpotPrice(ctx context.Context, pair string) (string, error) {
	pl, err := p.get(pair)
	if err != nil {
		return "", err
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return precision.Format(pl.spot(), pl.scales.Quote), nil
}

func (p *Pools) Quote(ctx context.Context, pair string, side model.Side, amount string) (amm.Quote, error) {
	pl, err := p.get(pair)
	if err != nil {
		return amm.Quote{}, err
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	d, err := pl.amount(amount)
	if err != nil {
		return amm.Quote{}, err
	}
	out, _, _, err := pl.simulate(side, d)
	if err != nil {
		return amm.Quote{}, err
	}
	return amm.Quote{
		AmountOut:      out.AmountOut,
		EffectivePrice: out.EffectivePrice,
		PriceImpact:    out.PriceImpact,
	}, nil
}

func (p *Pools) Swap(ctx context.Context, pair string, side model.Side, amount string) (amm.SwapResult, error) {
	pl, err := p.get(pair)
	if err != nil {
		return amm.SwapResult{}, err
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	d, err := pl.amount(amount)
	if err != nil {
		return amm.SwapResult{}, err
	}
	return pl.swap(side, d)
}

func (p *Pools) SwapUntilPrice(ctx context.Context, pair string, side model.Side, amount, targetPrice string) (amm.SwapResult, error) {
	pl, err := p.get(pair)
	if err != nil {
		return amm.SwapResult{}, err
	}
	target, err := precision.Parse(targetPrice, pl.scales.Quote)
	if err != nil {
		return amm.SwapResult{}, err
	}
	if !target.IsPositive() {
		return amm.SwapResult{}, errors.ValidationError.Explain("target price must be positive")
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	d, err := pl.amount(amount)
	if err != nil {
		return amm.SwapResult{}, err
	}

	// With k = x*y the spot is k/x^2, so the spot reaches target at x = sqrt(k/target).
	k := pl.base.Mul(pl.quote)
	edge := sqrt(k.DivRound(target, workScale))
	var capacity decimal.Decimal
	if side == model.SideBuy {
		capacity = pl.base.Sub(edge)
	} else {
		capacity = edge.Sub(pl.base)
	}
	capacity = capacity.Truncate(int32(pl.scales.Base))
	if !capacity.IsPositive() {
		return amm.SwapResult{Filled: "0", AmountOut: "0", EffectivePrice: "0", PriceImpact: "0"}, nil
	}
	if capacity.LessThan(d) {
		d = capacity
	}
	return pl.swap(side, d)
}

func (pl *pool) spot() decimal.Decimal {
	return pl.quote.DivRound(pl.base, workScale)
}

func (pl *pool) amount(s string) (decimal.Decimal, error) {
	d, err := precision.Parse(s, pl.scales.Base)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, errors.ValidationError.Explain("swap amount must be positive, got %s", s)
	}
	return d, nil
}

// simulate prices a swap of base amount d without mutating reserves and
// returns the result plus the post-swap reserves.
func (pl *pool) simulate(side model.Side, d decimal.Decimal) (amm.SwapResult, decimal.Decimal, decimal.Decimal, error) {
	one := decimal.NewFromInt(1)
	var quoteAmount, base, quote decimal.Decimal
	switch side {
	case model.SideBuy:
		if !d.LessThan(pl.base) {
			return amm.SwapResult{}, decimal.Zero, decimal.Zero, errors.ValidationError.Explain("swap of %s drains the pool", d)
		}
		// quote in so that (x-d)(y+in*(1-fee)) = k, rounded up against the taker
		net := pl.quote.Mul(d).DivRound(pl.base.Sub(d), workScale)
		quoteAmount = roundUp(net.DivRound(one.Sub(pl.fee), workScale), pl.scales.Quote)
		base, quote = pl.base.Sub(d), pl.quote.Add(quoteAmount)
	case model.SideSell:
		in := d.Mul(one.Sub(pl.fee))
		quoteAmount = pl.quote.Mul(in).DivRound(pl.base.Add(in), workScale).Truncate(int32(pl.scales.Quote))
		base, quote = pl.base.Add(d), pl.quote.Sub(quoteAmount)
	default:
		return amm.SwapResult{}, decimal.Zero, decimal.Zero, errors.ValidationError.Explain("invalid side %q", side)
	}

	spot := pl.spot()
	effective := quoteAmount.DivRound(d, workScale)
	impact := effective.Sub(spot).Abs().DivRound(spot, workScale)

	out := quoteAmount
	if side == model.SideBuy {
		out = d
	}
	return amm.SwapResult{
		Filled:         d.String(),
		AmountOut:      out.String(),
		EffectivePrice: precision.Format(effective, pl.scales.Quote),
		PriceImpact:    impact.Truncate(8).String(),
	}, base, quote, nil
}

func (pl *pool) swap(side model.Side, d decimal.Decimal) (amm.SwapResult, error) {
	res, base, quote, err := pl.simulate(side, d)
	if err != nil {
		return amm.SwapResult{}, err
	}
	pl.base, pl.quote = base, quote
	return res, nil
}

func roundUp(d decimal.Decimal, scale precision.Scale) decimal.Decimal {
	t := d.Truncate(int32(scale))
	if t.Equal(d) {
		return t
	}
	return t.Add(decimal.New(1, -int32(scale)))
}

func sqrt(d decimal.Decimal) decimal.Decimal {
	f, ok := new(big.Float).SetPrec(256).SetString(d.String())
	if !ok || f.Sign() <= 0 {
		return decimal.Zero
	}
	f.Sqrt(f)
	r, err := decimal.NewFromString(f.Text('f', workScale))
	if err != nil {
		return decimal.Zero
	}
	return r
}
