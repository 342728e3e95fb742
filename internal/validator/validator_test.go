package validator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_hybrid/internal/onchain"
	"github.com/Aidin1998/pincex_hybrid/internal/scheduler"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/orderbook"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/persistence"
	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
)

const addr = "0x00000000000000000000000000000000000000a1"

var ethUSDC = model.Pair{Symbol: "ETH-USDC", BaseAsset: "ETH", QuoteAsset: "USDC", BaseDecimals: 8, QuoteDecimals: 2}

type auditRecorder struct {
	mu   sync.Mutex
	reqs []persistence.WriteRequest
}

func (a *auditRecorder) Enqueue(_ context.Context, req persistence.WriteRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqs = append(a.reqs, req)
}

// agreeingChain accepts every proof, disagreeing with a local check that fails.
type agreeingChain struct{ *onchain.MemoryClient }

func (agreeingChain) ValidateProof(context.Context, string, []string, []byte) (bool, error) {
	return true, nil
}

type fixture struct {
	v      *Validator
	store  *orderbook.Store
	chain  *onchain.MemoryClient
	ledger *MemoryLedger
	audit  *auditRecorder
	alerts []Discrepancy
	clock  *clock.Mock
	mid    string
}

func newFixture(t *testing.T, cfg Config, chain onchain.Client) *fixture {
	t.Helper()
	f := &fixture{
		clock:  clock.NewMock(),
		chain:  onchain.NewMemoryClient(),
		ledger: NewMemoryLedger(),
		audit:  &auditRecorder{},
		mid:    "100",
	}
	f.clock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	f.store = orderbook.NewStore([]model.Pair{ethUSDC}, nil, f.clock, zap.NewNop())
	if chain == nil {
		chain = f.chain
	}
	v, err := New(cfg, Deps{
		Orders: f.store,
		Chain:  chain,
		Ledger: f.ledger,
		Prices: PriceFeedFunc(func(context.Context, string) (string, error) {
			if f.mid == "" {
				return "", errors.Unavailable.Explain("feed down")
			}
			return f.mid, nil
		}),
		Audit: f.audit,
		Alert: func(d Discrepancy) { f.alerts = append(f.alerts, d) },
	}, f.clock, zap.NewNop())
	require.NoError(t, err)
	f.v = v
	return f
}

func (f *fixture) rest(t *testing.T, id, amount string) {
	t.Helper()
	book, err := f.store.Book(ethUSDC.Symbol)
	require.NoError(t, err)
	_, err = book.AddOrder(model.NewOrder(id, "u1", ethUSDC.Symbol, model.SideBuy, model.OrderTypeLimit, "100", amount, f.clock.Now()))
	require.NoError(t, err)
}

// bridged builds order data and rests an order under its content-hash id.
func (f *fixture) bridged(t *testing.T) (string, OrderData) {
	t.Helper()
	data := OrderData{
		UserID: "u1", Pair: ethUSDC.Symbol, Side: "buy", Type: "limit",
		Amount: "1", Price: "100", Timestamp: f.clock.Now().UnixMilli(),
	}
	h, err := data.ContentHash()
	require.NoError(t, err)
	f.rest(t, h.Hex(), "1")
	return h.Hex(), data
}

func TestTakeSnapshot_BoundedWindow(t *testing.T) {
	f := newFixture(t, Config{SnapshotWindow: 3}, nil)
	ctx := context.Background()

	empty, err := f.v.TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.OrderCount)

	f.rest(t, "a", "1.5")
	f.rest(t, "b", "2")
	s, err := f.v.TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Seq)
	assert.Equal(t, 2, s.OrderCount)
	assert.Equal(t, "3.5", s.TotalVolume)
	assert.NotEqual(t, empty.Root, s.Root)

	for i := 0; i < 3; i++ {
		_, err = f.v.TakeSnapshot(ctx)
		require.NoError(t, err)
	}
	snaps := f.v.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, uint64(3), snaps[0].Seq)
	assert.Equal(t, uint64(5), snaps[2].Seq)
	assert.Equal(t, s.Root, snaps[2].Root, "same active set, same root")
}

func TestSnapshotLoop_RunsOnVirtualClock(t *testing.T) {
	f := newFixture(t, Config{SnapshotInterval: 10 * time.Second}, nil)
	sched := scheduler.New(f.clock, zap.NewNop())
	defer sched.Stop()
	f.v.Start(context.Background(), sched)

	f.clock.Add(10 * time.Second)
	require.Eventually(t, func() bool { return len(f.v.Snapshots()) == 1 }, time.Second, time.Millisecond)
	f.clock.Add(10 * time.Second)
	require.Eventually(t, func() bool { return len(f.v.Snapshots()) == 2 }, time.Second, time.Millisecond)
}

func TestValidateProof(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	id, data := f.bridged(t)
	f.rest(t, "other", "3")
	_, err := f.v.TakeSnapshot(ctx)
	require.NoError(t, err)

	snap, proof, err := f.v.Proof(id)
	require.NoError(t, err)
	req := ProofRequest{OrderID: id, Proof: proof, OrderData: data}

	require.NoError(t, f.v.ValidateProof(ctx, req))
	assert.Empty(t, f.v.AuditTrail(0))
	err = f.v.ValidateProof(ctx, req)
	assert.True(t, errors.Is(err, errors.AlreadyValidated))
	trail := f.v.AuditTrail(0)
	require.Len(t, trail, 1, "a replay is audited")
	assert.Equal(t, DiscrepancyProof, trail[0].Type)
	assert.Equal(t, SeverityLow, trail[0].Severity)
	assert.Equal(t, id, trail[0].OrderID)

	// pinned snapshot must exist
	_, _, err = f.v.Proof("unknown")
	assert.True(t, errors.Is(err, errors.OrderNotFound))
	assert.Equal(t, uint64(1), snap.Seq)
}

func TestValidateProof_Rejections(t *testing.T) {
	f := newFixture(t, Config{MaxOrderAge: time.Minute}, nil)
	ctx := context.Background()

	id, data := f.bridged(t)
	err := f.v.ValidateProof(ctx, ProofRequest{OrderID: id, OrderData: data})
	assert.True(t, errors.Is(err, errors.ProofInvalid), "no snapshot yet")

	_, err = f.v.TakeSnapshot(ctx)
	require.NoError(t, err)
	_, proof, err := f.v.Proof(id)
	require.NoError(t, err)

	tampered := data
	tampered.Amount = "2"
	err = f.v.ValidateProof(ctx, ProofRequest{OrderID: id, Proof: proof, OrderData: tampered})
	assert.True(t, errors.Is(err, errors.ProofInvalid))

	incomplete := data
	incomplete.Pair = ""
	err = f.v.ValidateProof(ctx, ProofRequest{OrderID: id, Proof: proof, OrderData: incomplete})
	require.True(t, errors.Is(err, errors.ValidationError))
	var verr *errors.Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "pair", verr.Fields[0].Field)

	err = f.v.ValidateProof(ctx, ProofRequest{OrderID: "0xdead", Proof: proof, OrderData: data})
	assert.True(t, errors.Is(err, errors.ProofInvalid), "not in snapshot")

	f.clock.Add(2 * time.Minute)
	err = f.v.ValidateProof(ctx, ProofRequest{OrderID: id, Proof: proof, OrderData: data})
	assert.True(t, errors.Is(err, errors.StaleOrder))

	trail := f.v.AuditTrail(0)
	require.Len(t, trail, 5)
	for _, d := range trail {
		assert.Equal(t, DiscrepancyProof, d.Type)
	}
	assert.Len(t, f.audit.reqs, 5)
	assert.Equal(t, persistence.RecordDiscrepancy, f.audit.reqs[0].Type)
}

func TestValidateProof_VerifierDisagreementAlerts(t *testing.T) {
	f := newFixture(t, Config{AlertSeverity: SeverityCritical}, nil)
	f.v.deps.Chain = agreeingChain{f.chain}
	ctx := context.Background()
	id, data := f.bridged(t)
	_, err := f.v.TakeSnapshot(ctx)
	require.NoError(t, err)

	err = f.v.ValidateProof(ctx, ProofRequest{OrderID: id, Proof: []string{"0x01"}, OrderData: data})
	assert.True(t, errors.Is(err, errors.ProofInvalid))
	require.Len(t, f.alerts, 1)
	assert.Equal(t, SeverityCritical, f.alerts[0].Severity)
}

func TestReconcileBalance(t *testing.T) {
	f := newFixture(t, Config{BalanceThreshold: "0.01"}, nil)
	ctx := context.Background()
	f.ledger.SetAddress("u1", addr)
	f.ledger.SetBalance("u1", "USDC", "1000")
	f.chain.SetBalance(addr, "USDC", "995")

	require.NoError(t, f.v.ReconcileBalance(ctx, "u1", "USDC", "900"))

	err := f.v.ReconcileBalance(ctx, "u1", "USDC", "999")
	assert.True(t, errors.Is(err, errors.InsufficientFunds), "available is the smaller balance")

	f.chain.SetBalance(addr, "USDC", "800")
	err = f.v.ReconcileBalance(ctx, "u1", "USDC", "1")
	assert.True(t, errors.Is(err, errors.BalanceDiscrepancy))
	trail := f.v.AuditTrail(1)
	require.Len(t, trail, 1)
	assert.Equal(t, DiscrepancyBalance, trail[0].Type)
	assert.Equal(t, SeverityCritical, trail[0].Severity)
	assert.Equal(t, "0.2", trail[0].Difference)
	assert.Len(t, f.alerts, 1)

	_, err = f.v.deps.Ledger.Address(ctx, "nobody")
	assert.Error(t, err)
}

func TestCheckPrice(t *testing.T) {
	f := newFixture(t, Config{MaxPriceDeviation: "0.05"}, nil)
	ctx := context.Background()
	order := model.NewOrder("o1", "u1", ethUSDC.Symbol, model.SideBuy, model.OrderTypeLimit, "103", "1", time.Time{})
	require.NoError(t, f.v.CheckPrice(ctx, order))

	order.Price = "110"
	assert.True(t, errors.Is(f.v.CheckPrice(ctx, order), errors.PriceDeviation))

	f.mid = ""
	assert.NoError(t, f.v.CheckPrice(ctx, order), "feed failures pass conservatively")

	market := model.NewOrder("o2", "u1", ethUSDC.Symbol, model.SideBuy, model.OrderTypeMarket, "", "1", time.Time{})
	assert.NoError(t, f.v.CheckPrice(ctx, market))
}

func TestCheckOrder(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	f.ledger.SetAddress("u1", addr)
	f.ledger.SetBalance("u1", "USDC", "500")
	f.chain.SetBalance(addr, "USDC", "500")
	f.ledger.SetBalance("u1", "ETH", "1")
	f.chain.SetBalance(addr, "ETH", "1")

	buy := model.NewOrder("o1", "u1", ethUSDC.Symbol, model.SideBuy, model.OrderTypeLimit, "100", "4", time.Time{})
	require.NoError(t, f.v.CheckOrder(ctx, ethUSDC, buy))
	buy.Amount = "6"
	assert.True(t, errors.Is(f.v.CheckOrder(ctx, ethUSDC, buy), errors.InsufficientFunds))

	sell := model.NewOrder("o2", "u1", ethUSDC.Symbol, model.SideSell, model.OrderTypeMarket, "", "2", time.Time{})
	assert.True(t, errors.Is(f.v.CheckOrder(ctx, ethUSDC, sell), errors.InsufficientFunds))
}

func TestReconcileSnapshot(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	f.rest(t, "a", "2")
	s, err := f.v.TakeSnapshot(ctx)
	require.NoError(t, err)

	f.chain.PublishSnapshot(onchain.Snapshot{Seq: s.Seq, Root: s.Root, OrderCount: 1, TotalVolume: "2"})
	found, err := f.v.ReconcileSnapshot(ctx, s.Seq)
	require.NoError(t, err)
	assert.Empty(t, found)

	f.chain.PublishSnapshot(onchain.Snapshot{Seq: s.Seq, Root: s.Root, OrderCount: 1, TotalVolume: "2.5"})
	found, err = f.v.ReconcileSnapshot(ctx, s.Seq)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, DiscrepancyVolume, found[0].Type)

	_, err = f.v.ReconcileSnapshot(ctx, 99)
	assert.True(t, errors.Is(err, errors.OrderNotFound))
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
}
