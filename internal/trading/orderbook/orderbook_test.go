package orderbook

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
)

var testPair = model.Pair{
	Symbol:        "ETH-USDC",
	BaseAsset:     "ETH",
	QuoteAsset:    "USDC",
	BaseDecimals:  8,
	QuoteDecimals: 2,
	MinAmount:     "0.0001",
	MaxAmount:     "1000000",
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(_ context.Context, ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newTestBook(t *testing.T) (*Book, *recorder, *clock.Mock) {
	t.Helper()
	rec := &recorder{}
	clk := clock.NewMock()
	return NewBook(testPair, rec, clk, zap.NewNop()), rec, clk
}

func limit(id, user string, side model.Side, price, amount string) model.Order {
	return model.NewOrder(id, user, testPair.Symbol, side, model.OrderTypeLimit, price, amount, time.Time{})
}

func TestAddOrder_PriceAndArrivalOrder(t *testing.T) {
	book, rec, _ := newTestBook(t)

	for _, o := range []model.Order{
		limit("b1", "u1", model.SideBuy, "99", "1"),
		limit("b2", "u2", model.SideBuy, "101", "2"),
		limit("b3", "u3", model.SideBuy, "101", "3"),
		limit("a1", "u4", model.SideSell, "105", "1"),
		limit("a2", "u5", model.SideSell, "103.5", "1"),
	} {
		_, err := book.AddOrder(o)
		require.NoError(t, err)
	}

	snap, err := book.GetOrderbook(10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 2)
	assert.Equal(t, "101", snap.Bids[0].Price)
	assert.Equal(t, "5", snap.Bids[0].Amount)
	assert.Equal(t, 2, snap.Bids[0].OrderCount)
	assert.Equal(t, "99", snap.Bids[1].Price)
	assert.Equal(t, "103.5", snap.Asks[0].Price)
	assert.Equal(t, "105", snap.Asks[1].Price)

	at, err := book.GetOrdersAtPrice(model.SideBuy, "101.00")
	require.NoError(t, err)
	require.Len(t, at, 2)
	assert.Equal(t, "b2", at[0].ID)
	assert.Equal(t, "b3", at[1].ID)
	assert.Less(t, at[0].Seq, at[1].Seq)

	assert.Len(t, rec.types(), 5)
	assert.Equal(t, model.EventOrderAdded, rec.types()[0])
}

func TestAddOrder_Duplicate(t *testing.T) {
	book, _, _ := newTestBook(t)
	_, err := book.AddOrder(limit("o1", "u1", model.SideBuy, "100", "1"))
	require.NoError(t, err)

	_, err = book.AddOrder(limit("o1", "u2", model.SideSell, "101", "1"))
	assert.True(t, errors.Is(err, errors.DuplicateOrder))
	assert.Equal(t, 1, book.Depth())
}

func TestAddOrder_RejectsInvalid(t *testing.T) {
	book, rec, _ := newTestBook(t)

	_, err := book.AddOrder(limit("o1", "u1", model.SideBuy, "", "1"))
	assert.True(t, errors.Is(err, errors.ValidationError))

	_, err = book.AddOrder(limit("o2", "u1", model.SideBuy, "1x", "1"))
	assert.True(t, errors.Is(err, errors.PrecisionError))

	_, err = book.AddOrder(limit("o3", "u1", model.SideBuy, "100", "0"))
	assert.True(t, errors.Is(err, errors.ValidationError))

	assert.Empty(t, rec.types())
	assert.Equal(t, 0, book.Depth())
}

func TestCancelOrder_Idempotent(t *testing.T) {
	book, rec, _ := newTestBook(t)
	_, err := book.AddOrder(limit("o1", "u1", model.SideSell, "100", "10"))
	require.NoError(t, err)
	_, err = book.AddOrder(limit("o2", "u2", model.SideSell, "100", "5"))
	require.NoError(t, err)

	assert.True(t, book.CancelOrder("o1"))
	before, err := book.GetOrderbook(5)
	require.NoError(t, err)

	assert.False(t, book.CancelOrder("o1"))
	assert.False(t, book.CancelOrder("missing"))

	after, err := book.GetOrderbook(5)
	require.NoError(t, err)
	assert.Equal(t, before.Asks, after.Asks)
	assert.Equal(t, "5", after.Asks[0].Amount)

	o, ok := book.GetOrder("o1")
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusCancelled, o.Status)
	assert.Equal(t, model.CancelReasonUser, o.CancelReason)
	assert.Equal(t, []model.EventType{model.EventOrderAdded, model.EventOrderAdded, model.EventOrderCancelled}, rec.types())
	assert.Empty(t, book.Reconcile(false))
}

func TestUpdateOrderFill(t *testing.T) {
	book, rec, _ := newTestBook(t)
	_, err := book.AddOrder(limit("o1", "u1", model.SideSell, "100", "10"))
	require.NoError(t, err)

	o, err := book.UpdateOrderFill("o1", "6")
	require.NoError(t, err)
	assert.Equal(t, "6", o.Filled)
	assert.Equal(t, "4", o.Remaining)
	assert.Equal(t, model.OrderStatusActive, o.Status)

	snap, err := book.GetOrderbook(1)
	require.NoError(t, err)
	assert.Equal(t, "4", snap.Asks[0].Amount)

	_, err = book.UpdateOrderFill("o1", "4.1")
	assert.True(t, errors.Is(err, errors.ValidationError))

	o, err = book.UpdateOrderFill("o1", "4")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, o.Status)
	assert.Equal(t, 0, book.Depth())

	_, err = book.UpdateOrderFill("o1", "1")
	assert.Error(t, err)
	_, err = book.UpdateOrderFill("nope", "1")
	assert.True(t, errors.Is(err, errors.OrderNotFound))

	assert.False(t, book.CancelOrder("o1"))
	assert.Equal(t, []model.EventType{model.EventOrderAdded, model.EventOrderUpdated, model.EventOrderUpdated}, rec.types())
}

func TestNextLevel(t *testing.T) {
	book, _, _ := newTestBook(t)
	for i, price := range []string{"100", "102", "101"} {
		_, err := book.AddOrder(limit(fmt.Sprintf("a%d", i), "u", model.SideSell, price, "1"))
		require.NoError(t, err)
		_, err = book.AddOrder(limit(fmt.Sprintf("b%d", i), "u", model.SideBuy, fmt.Sprintf("9%d", i), "1"))
		require.NoError(t, err)
	}

	var asks []string
	for p, _, ok := book.NextLevel(model.SideSell, ""); ok; p, _, ok = book.NextLevel(model.SideSell, p) {
		asks = append(asks, p)
	}
	assert.Equal(t, []string{"100", "101", "102"}, asks)

	var bids []string
	for p, _, ok := book.NextLevel(model.SideBuy, ""); ok; p, _, ok = book.NextLevel(model.SideBuy, p) {
		bids = append(bids, p)
	}
	assert.Equal(t, []string{"92", "91", "90"}, bids)
}

func TestBestPrice_ExcludesUser(t *testing.T) {
	book, _, _ := newTestBook(t)
	_, err := book.AddOrder(limit("a1", "alice", model.SideSell, "100", "3"))
	require.NoError(t, err)
	_, err = book.AddOrder(limit("a2", "bob", model.SideSell, "101", "2"))
	require.NoError(t, err)
	_, err = book.AddOrder(limit("a3", "alice", model.SideSell, "101", "7"))
	require.NoError(t, err)

	price, avail, ok := book.BestPrice(model.SideSell, "")
	require.True(t, ok)
	assert.Equal(t, "100", price)
	assert.Equal(t, "3", avail)

	price, avail, ok = book.BestPrice(model.SideSell, "alice")
	require.True(t, ok)
	assert.Equal(t, "101", price)
	assert.Equal(t, "2", avail)

	_, _, ok = book.BestPrice(model.SideBuy, "")
	assert.False(t, ok)
}

func TestExpireOrders(t *testing.T) {
	book, rec, clk := newTestBook(t)
	soon := clk.Now().Add(time.Minute)
	later := clk.Now().Add(time.Hour)

	o1 := limit("o1", "u1", model.SideBuy, "100", "1")
	o1.ExpiresAt = &soon
	o2 := limit("o2", "u1", model.SideBuy, "100", "1")
	o2.ExpiresAt = &later
	for _, o := range []model.Order{o1, o2, limit("o3", "u1", model.SideBuy, "99", "1")} {
		_, err := book.AddOrder(o)
		require.NoError(t, err)
	}

	clk.Add(2 * time.Minute)
	expired := book.ExpireOrders(clk.Now())
	require.Len(t, expired, 1)
	assert.Equal(t, "o1", expired[0].ID)
	assert.Equal(t, model.CancelReasonExpired, expired[0].CancelReason)
	assert.Equal(t, 2, book.Depth())
	assert.Equal(t, model.EventOrderCancelled, rec.types()[3])
}

func TestClaim_ReservesTakerID(t *testing.T) {
	book, rec, _ := newTestBook(t)

	require.NoError(t, book.Claim("t1"))
	assert.True(t, errors.Is(book.Claim("t1"), errors.DuplicateOrder), "id is being matched")

	taker := model.NewOrder("t1", "u1", testPair.Symbol, model.SideBuy, model.OrderTypeMarket, "", "1", time.Time{})
	_, err := book.RecordTaker(taker)
	assert.True(t, errors.Is(err, errors.ValidationError), "active takers are not recorded")

	require.NoError(t, taker.ApplyFill("1", testPair.BaseDecimals))
	stored, err := book.RecordTaker(taker)
	require.NoError(t, err)
	assert.NotZero(t, stored.Seq)
	assert.Equal(t, []model.EventType{model.EventOrderFilled}, rec.types())

	got, ok := book.GetOrder("t1")
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusFilled, got.Status)
	assert.True(t, errors.Is(book.Claim("t1"), errors.DuplicateOrder))
	assert.Equal(t, 0, book.Depth())

	require.NoError(t, book.Claim("t2"))
	book.Release("t2")
	assert.NoError(t, book.Claim("t2"))
	_, err = book.AddOrder(limit("t2", "u1", model.SideBuy, "100", "1"))
	require.NoError(t, err, "a claimed taker may rest")
}

func TestPruneTerminal(t *testing.T) {
	book, _, clk := newTestBook(t)
	_, err := book.AddOrder(limit("old", "u1", model.SideBuy, "100", "1"))
	require.NoError(t, err)
	_, err = book.AddOrder(limit("live", "u1", model.SideBuy, "100", "1"))
	require.NoError(t, err)
	require.True(t, book.CancelOrder("old"))

	clk.Add(time.Hour)
	_, err = book.AddOrder(limit("recent", "u1", model.SideBuy, "99", "1"))
	require.NoError(t, err)
	require.True(t, book.CancelOrder("recent"))

	assert.Equal(t, 1, book.PruneTerminal(clk.Now().Add(-30*time.Minute)))
	_, ok := book.GetOrder("old")
	assert.False(t, ok)
	_, ok = book.GetOrder("recent")
	assert.True(t, ok)
	_, ok = book.GetOrder("live")
	assert.True(t, ok, "active orders are never pruned")
	assert.Equal(t, 1, book.Depth())
}

func TestReconcile_RepairsDrift(t *testing.T) {
	book, _, _ := newTestBook(t)
	_, err := book.AddOrder(limit("o1", "u1", model.SideBuy, "100", "1.5"))
	require.NoError(t, err)

	lvl, ok := book.bids.Get(book.levelKey(book.orders["o1"]))
	require.True(t, ok)
	lvl.amount = "9"

	mismatches := book.Reconcile(true)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "9", mismatches[0].Aggregate)
	assert.Equal(t, "1.5", mismatches[0].Recomputed)
	assert.Empty(t, book.Reconcile(false))
}

func TestConcurrentAddAndCancel(t *testing.T) {
	book, _, _ := newTestBook(t)
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := book.AddOrder(limit(fmt.Sprintf("o%d", i), "u", model.SideBuy, fmt.Sprintf("%d", 100+i%10), "1"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i += 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.True(t, book.CancelOrder(fmt.Sprintf("o%d", i)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n/2, book.Depth())
	assert.Empty(t, book.Reconcile(false))
	orders := book.ActiveOrders()
	for i := 1; i < len(orders); i++ {
		assert.Less(t, orders[i-1].Seq, orders[i].Seq)
	}
}

func TestStore(t *testing.T) {
	other := testPair
	other.Symbol = "BTC-USDC"
	store := NewStore([]model.Pair{testPair, other}, nil, clock.NewMock(), zap.NewNop())

	assert.Equal(t, []string{"BTC-USDC", "ETH-USDC"}, store.Pairs())
	_, err := store.Book("DOGE-USDC")
	assert.True(t, errors.Is(err, errors.UnknownPair))

	b, err := store.Book("BTC-USDC")
	require.NoError(t, err)
	o := limit("x1", "u", model.SideSell, "100", "1")
	o.Pair = "BTC-USDC"
	_, err = b.AddOrder(o)
	require.NoError(t, err)

	found, ok := store.FindOrder("x1")
	require.True(t, ok)
	assert.Equal(t, "BTC-USDC", found.Pair)
	assert.Len(t, store.ActiveOrders(), 1)

	orders, err := store.PairOrders("BTC-USDC")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	orders, err = store.PairOrders("ETH-USDC")
	require.NoError(t, err)
	assert.Empty(t, orders)
}
