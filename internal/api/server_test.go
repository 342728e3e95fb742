package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_hybrid/internal/amm/simpool"
	"github.com/Aidin1998/pincex_hybrid/internal/middleware/ratelimit"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/engine"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/orderbook"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/router"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/sharding"
	"github.com/Aidin1998/pincex_hybrid/internal/validator"
	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
)

var ethUSDC = model.Pair{Symbol: "ETH-USDC", BaseAsset: "ETH", QuoteAsset: "USDC", BaseDecimals: 8, QuoteDecimals: 4}

type stubValidator struct {
	snapshots []validator.Snapshot
	proofErr  error
	// blocked users fail the pre-trade check
	blocked map[string]bool
	checked []string
}

func (s *stubValidator) Snapshots() []validator.Snapshot { return s.snapshots }

func (s *stubValidator) ValidateProof(context.Context, validator.ProofRequest) error {
	return s.proofErr
}

func (s *stubValidator) CheckOrder(_ context.Context, _ model.Pair, o model.Order) error {
	s.checked = append(s.checked, o.ID)
	if s.blocked[o.UserID] {
		return errors.InsufficientFunds.Explain("user %s cannot cover %s", o.UserID, o.Amount)
	}
	return nil
}

func (s *stubValidator) AuditTrail(int) []validator.Discrepancy { return nil }

type fixture struct {
	exec  *sharding.Executor
	pools *simpool.Pools
	val   *stubValidator
	srv   *Server
}

type fixtureOpts struct {
	router    bool
	validator bool
	pretrade  bool
	limiter   ratelimit.Limiter
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clk := clock.NewMock()
	store := orderbook.NewStore([]model.Pair{ethUSDC}, nil, clk, zap.NewNop())
	exec := sharding.NewExecutor(sharding.Config{Shards: 2}, store, engine.NewEngine(clk, zap.NewNop()), clk, zap.NewNop())
	exec.Start(context.Background(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exec.Stop(ctx)
	})

	f := &fixture{exec: exec}
	deps := Deps{Exchange: exec}
	if o.router {
		f.pools = simpool.New()
		require.NoError(t, f.pools.AddPool(ethUSDC, "1000", "100000", 0))
		deps.Router = router.NewRouter(router.DefaultConfig(), exec, f.pools, nil, clk, zap.NewNop())
	}
	if o.validator {
		f.val = &stubValidator{blocked: map[string]bool{}}
		deps.Validator = f.val
	}
	f.srv = NewServer(Options{PretradeChecks: o.pretrade, MaxBatch: 3, Limiter: o.limiter}, deps, clk, zap.NewNop())
	return f
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
		req.Header.Set(HeaderUserActive, "true")
	}
	w := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(w, req)
	return w
}

type problem struct {
	Type      string              `json:"type"`
	Title     string              `json:"title"`
	Status    int                 `json:"status"`
	Errors    []errors.FieldError `json:"errors"`
	Remaining string              `json:"remaining"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func limit(id, side, price, amount string) gin.H {
	return gin.H{"id": id, "pair": ethUSDC.Symbol, "side": side, "type": "limit", "price": price, "amount": amount}
}

func marketOrder(id, side, amount string) gin.H {
	return gin.H{"id": id, "pair": ethUSDC.Symbol, "side": side, "type": "market", "amount": amount}
}

func assertDecimal(t *testing.T, want, got string) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(decimal.RequireFromString(got)), "want %s, got %s", want, got)
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	w := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, w)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	w := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIdentityIsRequired(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(t, http.MethodPost, "/api/v1/orders", "", limit("o1", "sell", "100", "1"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, "Unauthorized", decode[problem](t, w).Title)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(limit("o1", "sell", "100", "1")))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", &buf)
	req.Header.Set(HeaderUserID, "alice")
	req.Header.Set(HeaderUserActive, "false")
	w = httptest.NewRecorder()
	f.srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPlaceOrder_MarketFillsRestingOrder(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(t, http.MethodPost, "/api/v1/orders", "alice", limit("s1", "sell", "100", "10"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rest := decode[orderResponse](t, w)
	assert.Equal(t, model.OrderStatusActive, rest.Order.Status)
	assert.Empty(t, rest.Fills)

	w = f.do(t, http.MethodPost, "/api/v1/orders", "bob", marketOrder("b1", "buy", "6"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[orderResponse](t, w)
	require.Len(t, resp.Fills, 1)
	assertDecimal(t, "100", resp.Fills[0].Price)
	assertDecimal(t, "6", resp.Fills[0].Amount)
	assert.Equal(t, model.OrderStatusFilled, resp.Order.Status)
	assert.Nil(t, resp.Routing)

	w = f.do(t, http.MethodGet, "/api/v1/orders/ETH-USDC/s1", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assertDecimal(t, "4", decode[model.Order](t, w).Remaining)

	w = f.do(t, http.MethodGet, "/api/v1/orders/ETH-USDC/b1", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.OrderStatusFilled, decode[model.Order](t, w).Status)

	w = f.do(t, http.MethodPost, "/api/v1/orders", "bob", marketOrder("b1", "buy", "6"))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DuplicateOrder", decode[problem](t, w).Title)
}

func TestPlaceOrder_AssignsID(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	body := limit("", "buy", "90", "1")
	delete(body, "id")
	w := f.do(t, http.MethodPost, "/api/v1/orders", "alice", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[orderResponse](t, w)
	assert.NotEmpty(t, resp.Order.ID)
	assert.Equal(t, "alice", resp.Order.UserID)
}

func TestPlaceOrder_ValidationProblems(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	tests := []struct {
		name  string
		body  gin.H
		field string
	}{
		{"limit without price", gin.H{"pair": "ETH-USDC", "side": "buy", "type": "limit", "amount": "1"}, "price"},
		{"bad amount", marketOrder("x", "buy", "1e5"), "amount"},
		{"bad side", gin.H{"pair": "ETH-USDC", "side": "hold", "type": "market", "amount": "1"}, "side"},
		{"missing pair", gin.H{"side": "buy", "type": "market", "amount": "1"}, "pair"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/orders", "alice", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			p := decode[problem](t, w)
			assert.Equal(t, "ValidationError", p.Title)
			var fields []string
			for _, fe := range p.Errors {
				fields = append(fields, fe.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}

	// too many decimals passes the tag check and is rejected by the engine
	w := f.do(t, http.MethodPost, "/api/v1/orders", "alice", limit("p1", "buy", "100.123456", "1"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/orders", "alice", gin.H{"pair": "DOGE-USDC", "side": "buy", "type": "market", "amount": "1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UnknownPair", decode[problem](t, w).Title)
}

func TestPlaceOrder_Routing(t *testing.T) {
	f := newFixture(t, fixtureOpts{router: true})

	w := f.do(t, http.MethodPost, "/api/v1/orders", "alice", marketOrder("m1", "buy", "1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[orderResponse](t, w)
	require.NotNil(t, resp.Routing, "market orders route by default")
	require.NotEmpty(t, resp.Routing.Chunks)
	assert.Equal(t, model.SourceAMM, resp.Routing.Chunks[0].Source)
	assertDecimal(t, "1", resp.Routing.Filled)

	noRoute := marketOrder("m2", "buy", "1")
	noRoute["route"] = false
	w = f.do(t, http.MethodPost, "/api/v1/orders", "alice", noRoute)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[orderResponse](t, w)
	assert.Nil(t, resp.Routing)
	assert.Empty(t, resp.Fills, "empty book")
	assert.Equal(t, model.OrderStatusCancelled, resp.Order.Status)

	crossing := limit("l1", "buy", "1000", "1")
	crossing["route"] = true
	w = f.do(t, http.MethodPost, "/api/v1/orders", "alice", crossing)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "PriceCrossesMarket", decode[problem](t, w).Title)
}

func TestPlaceOrder_RouteWithoutAMM(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	body := marketOrder("m1", "buy", "1")
	body["route"] = true
	w := f.do(t, http.MethodPost, "/api/v1/orders", "alice", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlaceOrder_PretradeCheck(t *testing.T) {
	f := newFixture(t, fixtureOpts{validator: true, pretrade: true})
	f.val.blocked["mallory"] = true

	w := f.do(t, http.MethodPost, "/api/v1/orders", "mallory", limit("x1", "buy", "100", "1"))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "InsufficientFunds", decode[problem](t, w).Title)

	w = f.do(t, http.MethodGet, "/api/v1/orderbook/ETH-USDC", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[model.OrderbookSnapshot](t, w).Bids, "rejected order must not rest")

	w = f.do(t, http.MethodPost, "/api/v1/orders", "alice", limit("a1", "buy", "100", "1"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"x1", "a1"}, f.val.checked)
}

func TestPlaceBatch_PreservesOrder(t *testing.T) {
	f := newFixture(t, fixtureOpts{validator: true, pretrade: true})

	w := f.do(t, http.MethodPost, "/api/v1/orders/batch", "alice", gin.H{"orders": []gin.H{
		limit("b1", "sell", "101", "1"),
		{"id": "b2", "pair": "DOGE-USDC", "side": "buy", "type": "limit", "price": "1", "amount": "1"},
		limit("b3", "sell", "102", "2"),
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Results []struct {
			Order *model.Order `json:"order"`
			Error *problem     `json:"error"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 3)
	require.NotNil(t, resp.Results[0].Order)
	assert.Equal(t, "b1", resp.Results[0].Order.ID)
	require.NotNil(t, resp.Results[1].Error)
	assert.Equal(t, http.StatusNotFound, resp.Results[1].Error.Status)
	assert.Nil(t, resp.Results[1].Order)
	require.NotNil(t, resp.Results[2].Order)
	assert.Equal(t, "b3", resp.Results[2].Order.ID)
}

func TestPlaceBatch_Limits(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	w := f.do(t, http.MethodPost, "/api/v1/orders/batch", "alice", gin.H{"orders": []gin.H{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	orders := []gin.H{limit("1", "buy", "1", "1"), limit("2", "buy", "1", "1"), limit("3", "buy", "1", "1"), limit("4", "buy", "1", "1")}
	w = f.do(t, http.MethodPost, "/api/v1/orders/batch", "alice", gin.H{"orders": orders})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	w := f.do(t, http.MethodPost, "/api/v1/orders", "alice", limit("c1", "buy", "99", "2"))
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/orders/ETH-USDC/c1", "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "other users cannot see the order")

	w = f.do(t, http.MethodDelete, "/api/v1/orders/ETH-USDC/c1", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode[map[string]any](t, w)["cancelled"])

	w = f.do(t, http.MethodDelete, "/api/v1/orders/ETH-USDC/c1", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["cancelled"], "already terminal")

	w = f.do(t, http.MethodDelete, "/api/v1/orders/ETH-USDC/missing", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetOrderbook(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	for i, price := range []string{"99", "98", "97"} {
		w := f.do(t, http.MethodPost, "/api/v1/orders", "alice", limit("d"+price, "buy", price, "1"))
		require.Equal(t, http.StatusOK, w.Code, "order %d", i)
	}

	w := f.do(t, http.MethodGet, "/api/v1/orderbook/ETH-USDC?depth=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[model.OrderbookSnapshot](t, w)
	require.Len(t, snap.Bids, 2)
	assertDecimal(t, "99", snap.Bids[0].Price)
	assertDecimal(t, "98", snap.Bids[1].Price)

	w = f.do(t, http.MethodGet, "/api/v1/orderbook/ETH-USDC?depth=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/api/v1/orderbook/NOPE", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetShards(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	w := f.do(t, http.MethodGet, "/api/v1/shards", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Shards []sharding.ShardStatus `json:"shards"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Shards, 2)
	var pairs []string
	for _, s := range resp.Shards {
		pairs = append(pairs, s.Pairs...)
	}
	assert.Equal(t, []string{"ETH-USDC"}, pairs)
}

func TestValidatorEndpoints(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	w := f.do(t, http.MethodGet, "/api/v1/validator/snapshots", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	f = newFixture(t, fixtureOpts{validator: true})
	f.val.snapshots = []validator.Snapshot{{Seq: 1, Root: "0x01", OrderCount: 3, TotalVolume: "4"}}
	w = f.do(t, http.MethodGet, "/api/v1/validator/snapshots", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snaps struct {
		Snapshots []validator.Snapshot `json:"snapshots"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snaps))
	require.Len(t, snaps.Snapshots, 1)
	assert.Equal(t, 3, snaps.Snapshots[0].OrderCount)

	proof := gin.H{"order_id": "0xabc", "proof": []string{}, "order_data": gin.H{"user_id": "alice"}}
	w = f.do(t, http.MethodPost, "/api/v1/validator/proofs", "", proof)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]any](t, w)["valid"])

	f.val.proofErr = errors.ProofInvalid.Explain("root mismatch")
	w = f.do(t, http.MethodPost, "/api/v1/validator/proofs", "", proof)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/validator/proofs", "", gin.H{"proof": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code, "order_id is required")

	w = f.do(t, http.MethodGet, "/api/v1/validator/audit?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) { return false, assert.AnError }

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryTokenBucket(ratelimit.Config{Capacity: 2, RefillPerSecond: 0.001}, clock.NewMock())
	f := newFixture(t, fixtureOpts{limiter: limiter})

	for i, id := range []string{"r1", "r2"} {
		w := f.do(t, http.MethodPost, "/api/v1/orders", "alice", limit(id, "buy", "90", "1"))
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}
	w := f.do(t, http.MethodPost, "/api/v1/orders", "alice", limit("r3", "buy", "90", "1"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RateLimited", decode[problem](t, w).Title)

	w = f.do(t, http.MethodPost, "/api/v1/orders", "bob", limit("r4", "buy", "90", "1"))
	assert.Equal(t, http.StatusOK, w.Code, "buckets are per user")

	f = newFixture(t, fixtureOpts{limiter: failingLimiter{}})
	w = f.do(t, http.MethodPost, "/api/v1/orders", "alice", limit("r5", "buy", "90", "1"))
	assert.Equal(t, http.StatusOK, w.Code, "limiter outage fails open")
}
