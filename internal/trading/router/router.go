// Package router implements the smart order router: it splits market orders
// into chunks across the order book and an AMM, always taking the source that
// currently gives the taker the better price.
package router

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_hybrid/internal/amm"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/engine"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/events"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
	"github.com/Aidin1998/pincex_hybrid/pkg/metrics"
	"github.com/Aidin1998/pincex_hybrid/pkg/precision"
)

// Book is the order-book side of routing. *sharding.Executor implements it, so
// every book chunk runs on the pair's owning shard.
type Book interface {
	Pair(pair string) (model.Pair, error)
	ProcessOrder(ctx context.Context, order model.Order) (*engine.Result, error)
	MatchBounded(ctx context.Context, order model.Order, bound string) (*engine.Result, error)
	BestPrice(pair string, side model.Side, excludeUser string) (price, available string, ok bool, err error)
	ReserveOrder(pair, orderID string) error
	ReleaseOrder(pair, orderID string)
	RecordOrder(order model.Order) (model.Order, error)
}

// Config bounds the chunked execution loop.
type Config struct {
	MaxIterations int `mapstructure:"max_iterations"`
	// MinChunkSize is the remaining amount below which an order counts as done.
	MinChunkSize string `mapstructure:"min_chunk_size"`
	// MaxAMMChunk caps the base amount of a single AMM swap.
	MaxAMMChunk string `mapstructure:"max_amm_chunk"`
	// MaxPriceImpact is the largest quoted impact (fraction) accepted for an
	// unbounded AMM chunk before it is scaled down.
	MaxPriceImpact string `mapstructure:"max_price_impact"`
}

func DefaultConfig() Config {
	return Config{
		MaxIterations:  50,
		MinChunkSize:   "0.0001",
		MaxAMMChunk:    "100",
		MaxPriceImpact: "0.02",
	}
}

// impact reduction attempts before an unbounded AMM chunk is given up
const maxImpactQuotes = 8

// Chunk is one bounded execution against a single source.
type Chunk struct {
	Index       int          `json:"index"`
	Source      model.Source `json:"source"`
	Amount      string       `json:"amount"`
	Price       string       `json:"price"`
	PriceImpact string       `json:"price_impact,omitempty"`
}

// Stats summarizes a routing run for audit.
type Stats struct {
	Iterations int `json:"iterations"`
	BookChunks int `json:"book_chunks"`
	AMMChunks  int `json:"amm_chunks"`
}

// RoutingResult is the outcome of routing one order.
type RoutingResult struct {
	Order        model.Order   `json:"order"`
	Filled       string        `json:"filled"`
	Remaining    string        `json:"remaining"`
	AveragePrice string        `json:"average_price,omitempty"`
	Chunks       []Chunk       `json:"chunks"`
	Trades       []model.Trade `json:"fills"`
	Stats        Stats         `json:"stats"`
	// Exhausted marks a partial fill: liquidity ran out or the iteration
	// ceiling was hit with more than the floor left.
	Exhausted bool `json:"exhausted"`
}

// Router executes orders across the order book and an AMM.
type Router struct {
	cfg       Config
	book      Book
	pool      amm.Pool
	publisher events.Publisher
	clock     clock.Clock
	logger    *zap.Logger
	newID     func() string
}

func NewRouter(cfg Config, book Book, pool amm.Pool, publisher events.Publisher, clk clock.Clock, logger *zap.Logger) *Router {
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MinChunkSize == "" {
		cfg.MinChunkSize = def.MinChunkSize
	}
	if cfg.MaxAMMChunk == "" {
		cfg.MaxAMMChunk = def.MaxAMMChunk
	}
	if cfg.MaxPriceImpact == "" {
		cfg.MaxPriceImpact = def.MaxPriceImpact
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Router{
		cfg:       cfg,
		book:      book,
		pool:      pool,
		publisher: publisher,
		clock:     clk,
		logger:    logger.Named("router"),
		newID:     uuid.NewString,
	}
}

// Route executes order. Limit orders go to the book unless they would cross
// the AMM; market orders run the chunked loop.
func (r *Router) Route(ctx context.Context, order model.Order) (*RoutingResult, error) {
	ctx, span := otel.Tracer("pincex/router").Start(ctx, "router.route")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("order.pair", order.Pair),
		attribute.String("order.side", string(order.Side)),
		attribute.String("order.type", string(order.Type)),
	)

	pair, err := r.book.Pair(order.Pair)
	if err != nil {
		return nil, err
	}
	if err := engine.ValidateOrder(pair, order); err != nil {
		return nil, err
	}

	var res *RoutingResult
	if order.Type == model.OrderTypeLimit {
		res, err = r.routeLimit(ctx, pair, order)
	} else {
		res, err = r.routeMarket(ctx, pair, order)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("route.filled", res.Filled),
		attribute.Int("route.chunks", len(res.Chunks)),
		attribute.Bool("route.exhausted", res.Exhausted),
	)
	return res, nil
}

func (r *Router) routeLimit(ctx context.Context, pair model.Pair, order model.Order) (*RoutingResult, error) {
	spot, err := r.pool.SpotPrice(ctx, pair.Symbol)
	if err != nil {
		// no AMM price to compare against: the book alone decides
		r.logger.Warn("amm spot price unavailable, placing limit order in book",
			zap.String("pair", pair.Symbol), zap.String("order_id", order.ID), zap.Error(err))
	} else if crosses, err := limitCrossesSpot(order, spot, pair.QuoteDecimals); err != nil {
		return nil, err
	} else if crosses {
		return nil, errors.PriceCrossesMarket.Explain(
			"limit %s %s at %s crosses AMM price %s, submit a market order instead",
			order.Side, pair.Symbol, order.Price, spot)
	}

	result, err := r.book.ProcessOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	out := &RoutingResult{
		Order:     result.Order,
		Filled:    result.Order.Filled,
		Remaining: result.Order.Remaining,
		Trades:    result.Trades,
	}
	if len(result.Trades) > 0 {
		avg, err := vwap(result.Trades, pair.Scales())
		if err != nil {
			return nil, err
		}
		out.AveragePrice = avg
	}
	return out, nil
}

// limitCrossesSpot is strict: a limit exactly at the AMM spot may rest.
func limitCrossesSpot(order model.Order, spot string, scale precision.Scale) (bool, error) {
	cmp, err := precision.Compare(order.Price, spot, scale)
	if err != nil {
		return false, err
	}
	if order.Side == model.SideBuy {
		return cmp > 0, nil
	}
	return cmp < 0, nil
}

// better reports whether price a beats b for a taker on side.
func better(side model.Side, a, b string, scale precision.Scale) bool {
	cmp, err := precision.Compare(a, b, scale)
	if err != nil {
		return false
	}
	if side == model.SideBuy {
		return cmp < 0
	}
	return cmp > 0
}

// routeMarket holds the parent id for the whole run. Book chunks execute as
// children named <parent>/<chunk index>, and the parent's final state is
// stored and published once routing ends.
func (r *Router) routeMarket(ctx context.Context, pair model.Pair, order model.Order) (*RoutingResult, error) {
	if err := r.book.ReserveOrder(pair.Symbol, order.ID); err != nil {
		return nil, err
	}
	res, err := r.runMarket(ctx, pair, order)
	if err != nil {
		if res == nil || len(res.Chunks) == 0 {
			r.book.ReleaseOrder(pair.Symbol, order.ID)
			return nil, err
		}
		r.logger.Error("market routing failed after execution",
			zap.String("order_id", order.ID), zap.Int("chunks", len(res.Chunks)), zap.Error(err))
		if res.Order.Status == model.OrderStatusActive {
			res.Order.Cancel(model.CancelReasonUnfilled)
		}
		if _, rerr := r.book.RecordOrder(res.Order); rerr != nil {
			r.logger.Error("failed to record routed order", zap.String("order_id", order.ID), zap.Error(rerr))
		}
		return nil, err
	}
	recorded, err := r.book.RecordOrder(res.Order)
	if err != nil {
		return nil, err
	}
	res.Order = recorded
	return res, nil
}

func (r *Router) runMarket(ctx context.Context, pair model.Pair, order model.Order) (*RoutingResult, error) {
	scales := pair.Scales()
	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.clock.Now()
	}
	parent := model.NewOrder(order.ID, order.UserID, order.Pair, order.Side, model.OrderTypeMarket, "", order.Amount, createdAt)
	res := &RoutingResult{}
	notional := decimal.Zero
	fail := func(err error) (*RoutingResult, error) {
		res.Order = parent
		return res, err
	}

	for res.Stats.Iterations < r.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("routing interrupted", zap.String("order_id", order.ID), zap.Error(err))
			break
		}
		if below, _ := precision.Compare(parent.Remaining, r.cfg.MinChunkSize, scales.Base); below < 0 {
			break
		}
		res.Stats.Iterations++
		index := len(res.Chunks)

		// both prices are re-read every iteration: each swap moves the AMM
		spot, spotErr := r.pool.SpotPrice(ctx, pair.Symbol)
		if spotErr != nil {
			r.logger.Warn("amm spot price unavailable", zap.String("pair", pair.Symbol), zap.Error(spotErr))
		}
		bookPrice, available, bookOK, err := r.book.BestPrice(pair.Symbol, order.Side.Opposite(), order.UserID)
		if err != nil {
			return fail(err)
		}
		ammOK := spotErr == nil
		if !ammOK && !bookOK {
			break
		}
		// ties go to the book
		useAMM := ammOK && (!bookOK || better(order.Side, spot, bookPrice, scales.Quote))

		var (
			chunk  *Chunk
			trades []model.Trade
		)
		if useAMM {
			bound := ""
			if bookOK {
				bound = bookPrice
			}
			chunk, trades, err = r.ammChunk(ctx, pair, &parent, index, bound)
			if err != nil {
				r.logger.Warn("amm chunk failed", zap.String("order_id", order.ID), zap.Error(err))
			}
			// the AMM already sits at the book's price: take the book this round
			if chunk == nil && bookOK {
				useAMM = false
			}
		}
		if !useAMM {
			chunk, trades, err = r.bookChunk(ctx, pair, &parent, index, bookPrice, available)
			if err != nil {
				// a shard error after earlier chunks still returns what executed
				if len(res.Chunks) == 0 {
					return fail(err)
				}
				r.logger.Warn("book chunk failed", zap.String("order_id", order.ID), zap.Error(err))
				break
			}
		}
		if chunk == nil {
			// zero executable amount: exhausted, not retried
			break
		}

		if err := parent.ApplyFill(chunk.Amount, scales.Base); err != nil {
			res.Chunks = append(res.Chunks, *chunk)
			res.Trades = append(res.Trades, trades...)
			return fail(err)
		}
		res.Chunks = append(res.Chunks, *chunk)
		res.Trades = append(res.Trades, trades...)
		notional = notional.Add(mul(chunk.Amount, chunk.Price))
		if chunk.Source == model.SourceAMM {
			res.Stats.AMMChunks++
		} else {
			res.Stats.BookChunks++
		}
		metrics.RouterChunks.WithLabelValues(string(chunk.Source)).Inc()
	}
	metrics.RouterIterations.Observe(float64(res.Stats.Iterations))

	if parent.Status == model.OrderStatusActive {
		// dust under the floor or an exhausted loop: the rest is not executed
		below, _ := precision.Compare(parent.Remaining, r.cfg.MinChunkSize, scales.Base)
		res.Exhausted = below >= 0
		parent.Cancel(model.CancelReasonUnfilled)
	}
	res.Order = parent
	res.Filled = parent.Filled
	res.Remaining = parent.Remaining
	if filled, _ := precision.Parse(parent.Filled, scales.Base); filled.IsPositive() {
		res.AveragePrice = precision.Format(notional.DivRound(filled, int32(scales.Quote)+8), scales.Quote)
	}

	r.logger.Info("market order routed",
		zap.String("order_id", order.ID),
		zap.String("pair", pair.Symbol),
		zap.String("filled", res.Filled),
		zap.String("remaining", res.Remaining),
		zap.String("average_price", res.AveragePrice),
		zap.Int("iterations", res.Stats.Iterations),
		zap.Int("amm_chunks", res.Stats.AMMChunks),
		zap.Int("book_chunks", res.Stats.BookChunks),
		zap.Bool("exhausted", res.Exhausted))
	return res, nil
}

// ammChunk swaps against the pool. With a bound the swap stops where the AMM
// price reaches the book's best price; without one a quote is taken first and
// the chunk is shrunk until the impact is acceptable. A nil chunk means the AMM
// had nothing executable.
func (r *Router) ammChunk(ctx context.Context, pair model.Pair, parent *model.Order, index int, bound string) (*Chunk, []model.Trade, error) {
	scales := pair.Scales()
	amount, err := precision.Min(parent.Remaining, r.cfg.MaxAMMChunk, scales.Base)
	if err != nil {
		return nil, nil, err
	}

	var swap amm.SwapResult
	if bound != "" {
		swap, err = r.pool.SwapUntilPrice(ctx, pair.Symbol, parent.Side, amount, bound)
	} else {
		amount, err = r.impactBounded(ctx, pair, parent.Side, amount)
		if err != nil || amount == "" {
			return nil, nil, err
		}
		swap, err = r.pool.Swap(ctx, pair.Symbol, parent.Side, amount)
	}
	if err != nil {
		return nil, nil, err
	}
	filled, err := precision.Min(swap.Filled, amount, scales.Base)
	if err != nil {
		return nil, nil, err
	}
	if pos, _ := precision.IsPositive(filled, scales.Base); !pos {
		return nil, nil, nil
	}

	chunk := &Chunk{
		Index:       index,
		Source:      model.SourceAMM,
		Amount:      filled,
		Price:       swap.EffectivePrice,
		PriceImpact: swap.PriceImpact,
	}
	trade := r.ammTrade(pair.Symbol, parent, chunk)
	r.publisher.Publish(ctx, model.NewTradeEvent(trade, trade.Timestamp))
	metrics.TradesTotal.WithLabelValues(pair.Symbol, string(model.SourceAMM)).Inc()
	return chunk, []model.Trade{trade}, nil
}

// impactBounded halves amount until the quoted impact is within the limit.
// It returns "" when no amount above the floor qualifies.
func (r *Router) impactBounded(ctx context.Context, pair model.Pair, side model.Side, amount string) (string, error) {
	limit, err := decimal.NewFromString(r.cfg.MaxPriceImpact)
	if err != nil {
		return "", errors.ValidationError.Explain("bad max price impact %q", r.cfg.MaxPriceImpact).Wrap(err)
	}
	base := pair.Scales().Base
	for i := 0; i < maxImpactQuotes; i++ {
		if below, _ := precision.Compare(amount, r.cfg.MinChunkSize, base); below < 0 {
			return "", nil
		}
		q, err := r.pool.Quote(ctx, pair.Symbol, side, amount)
		if err != nil {
			return "", err
		}
		impact, err := decimal.NewFromString(q.PriceImpact)
		if err != nil {
			return "", errors.Unavailable.Explain("amm returned bad price impact %q", q.PriceImpact).Wrap(err)
		}
		if impact.LessThanOrEqual(limit) {
			return amount, nil
		}
		d, _ := precision.Parse(amount, base)
		amount = precision.Format(d.Div(decimal.NewFromInt(2)), base)
	}
	return "", nil
}

// bookChunk executes min(remaining, available) against the book, never past
// price. A nil chunk means nothing executed.
func (r *Router) bookChunk(ctx context.Context, pair model.Pair, parent *model.Order, index int, price, available string) (*Chunk, []model.Trade, error) {
	if price == "" {
		return nil, nil, nil
	}
	scales := pair.Scales()
	amount, err := precision.Min(parent.Remaining, available, scales.Base)
	if err != nil {
		return nil, nil, err
	}
	if pos, _ := precision.IsPositive(amount, scales.Base); !pos {
		return nil, nil, nil
	}

	child := model.NewOrder(fmt.Sprintf("%s/%d", parent.ID, index), parent.UserID, pair.Symbol, parent.Side, model.OrderTypeMarket, "", amount, r.clock.Now())
	result, err := r.book.MatchBounded(ctx, child, price)
	if err != nil {
		return nil, nil, err
	}
	if pos, _ := precision.IsPositive(result.Order.Filled, scales.Base); !pos {
		return nil, nil, nil
	}
	avg, err := vwap(result.Trades, scales)
	if err != nil {
		return nil, nil, err
	}
	for i := range result.Trades {
		idx := index
		result.Trades[i].ChunkIndex = &idx
	}
	return &Chunk{
		Index:  index,
		Source: model.SourceOrderBook,
		Amount: result.Order.Filled,
		Price:  avg,
	}, result.Trades, nil
}

func (r *Router) ammTrade(pair string, parent *model.Order, chunk *Chunk) model.Trade {
	idx := chunk.Index
	t := model.Trade{
		ID:         r.newID(),
		Pair:       pair,
		Price:      chunk.Price,
		Amount:     chunk.Amount,
		TakerSide:  parent.Side,
		Timestamp:  r.clock.Now(),
		Source:     model.SourceAMM,
		ChunkIndex: &idx,
	}
	counterparty := fmt.Sprintf("amm:%s", pair)
	if parent.Side == model.SideBuy {
		t.BuyOrderID, t.BuyUserID = parent.ID, parent.UserID
		t.SellOrderID, t.SellUserID = counterparty, counterparty
	} else {
		t.SellOrderID, t.SellUserID = parent.ID, parent.UserID
		t.BuyOrderID, t.BuyUserID = counterparty, counterparty
	}
	return t
}

func mul(amount, price string) decimal.Decimal {
	a, _ := decimal.NewFromString(amount)
	p, _ := decimal.NewFromString(price)
	return a.Mul(p)
}

// vwap returns the volume-weighted average price of trades at the quote scale.
func vwap(trades []model.Trade, scales precision.PairScales) (string, error) {
	notional, volume := decimal.Zero, decimal.Zero
	for _, t := range trades {
		a, err := precision.Parse(t.Amount, scales.Base)
		if err != nil {
			return "", err
		}
		p, err := precision.Parse(t.Price, scales.Quote)
		if err != nil {
			return "", err
		}
		notional = notional.Add(a.Mul(p))
		volume = volume.Add(a)
	}
	if !volume.IsPositive() {
		return "0", nil
	}
	return precision.Format(notional.DivRound(volume, int32(scales.Quote)+8), scales.Quote), nil
}
