package onchain

import (
	"context"
	"math/big"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
	"github.com/Aidin1998/pincex_hybrid/pkg/merkle"
)

const (
	user     = "0x00000000000000000000000000000000000000a1"
	token    = "0x00000000000000000000000000000000000000c0"
	verifier = "0x00000000000000000000000000000000000000c1"
	registry = "0x00000000000000000000000000000000000000c2"
)

// fakeChain answers contract calls by decoding them with the same ABI.
type fakeChain struct {
	t      *testing.T
	abi    abi.ABI
	native *big.Int
	token  *big.Int
	fail   bool
}

func newFakeChain(t *testing.T) *fakeChain {
	parsed, err := abi.JSON(strings.NewReader(contractsABI))
	require.NoError(t, err)
	return &fakeChain{t: t, abi: parsed, native: big.NewInt(0), token: big.NewInt(0)}
}

func (f *fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.native, nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.fail {
		return nil, assert.AnError
	}
	method, err := f.abi.MethodById(msg.Data[:4])
	require.NoError(f.t, err)
	args, err := method.Inputs.Unpack(msg.Data[4:])
	require.NoError(f.t, err)

	switch method.Name {
	case "balanceOf":
		assert.Equal(f.t, common.HexToAddress(token), *msg.To)
		return method.Outputs.Pack(f.token)
	case "verify":
		assert.Equal(f.t, common.HexToAddress(verifier), *msg.To)
		root, leaf := common.Hash(args[0].([32]byte)), common.Hash(args[2].([32]byte))
		var proof []common.Hash
		for _, p := range args[1].([][32]byte) {
			proof = append(proof, common.Hash(p))
		}
		return method.Outputs.Pack(merkle.Verify(root, leaf, proof))
	case "getSnapshot":
		seq := args[0].(*big.Int)
		return method.Outputs.Pack([32]byte(common.HexToHash("0xabcd")), new(big.Int).Mul(seq, big.NewInt(10)), big.NewInt(1234500))
	}
	f.t.Fatalf("unexpected method %s", method.Name)
	return nil, nil
}

func newTestEVM(t *testing.T, chain *fakeChain) *EVMClient {
	c, err := newEVMClient(chain, EVMConfig{
		VerifierAddress: verifier,
		RegistryAddress: registry,
		VolumeDecimals:  2,
		Assets: map[string]AssetConfig{
			"ETH":  {Decimals: 18},
			"USDC": {Token: token, Decimals: 6},
		},
	}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestEVMClient_BalanceOf(t *testing.T) {
	chain := newFakeChain(t)
	chain.native, _ = new(big.Int).SetString("1500000000000000000", 10)
	chain.token = big.NewInt(2500000)
	c := newTestEVM(t, chain)
	ctx := context.Background()

	bal, err := c.BalanceOf(ctx, user, "ETH")
	require.NoError(t, err)
	assert.Equal(t, "1.5", bal)

	bal, err = c.BalanceOf(ctx, user, "USDC")
	require.NoError(t, err)
	assert.Equal(t, "2.5", bal)

	_, err = c.BalanceOf(ctx, "not-an-address", "ETH")
	assert.True(t, errors.Is(err, errors.ValidationError))
	_, err = c.BalanceOf(ctx, user, "DOGE")
	assert.True(t, errors.Is(err, errors.ValidationError))

	chain.fail = true
	_, err = c.BalanceOf(ctx, user, "USDC")
	assert.True(t, errors.Is(err, errors.Unavailable))
}

func TestEVMClient_ValidateProof(t *testing.T) {
	c := newTestEVM(t, newFakeChain(t))
	ids := [][]byte{[]byte("o1"), []byte("o2"), []byte("o3")}
	var leaves []common.Hash
	for _, id := range ids {
		leaves = append(leaves, merkle.Leaf(id))
	}
	tree := merkle.New(leaves)
	proof, err := tree.Proof(merkle.Leaf(ids[1]))
	require.NoError(t, err)
	var hexProof []string
	for _, p := range proof {
		hexProof = append(hexProof, p.Hex())
	}

	ok, err := c.ValidateProof(context.Background(), tree.Root().Hex(), hexProof, ids[1])
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ValidateProof(context.Background(), tree.Root().Hex(), hexProof, []byte("o9"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.ValidateProof(context.Background(), "0x1234", hexProof, ids[1])
	assert.True(t, errors.Is(err, errors.ValidationError))
}

func TestEVMClient_GetSnapshot(t *testing.T) {
	c := newTestEVM(t, newFakeChain(t))
	s, err := c.GetSnapshot(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), s.Seq)
	assert.Equal(t, uint64(70), s.OrderCount)
	assert.Equal(t, "12345", s.TotalVolume)
	assert.Equal(t, common.HexToHash("0xabcd").Hex(), s.Root)
}

func TestMemoryBalanceCache_Expires(t *testing.T) {
	clk := clock.NewMock()
	cache := NewMemoryBalanceCache(clk, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, user, "ETH", "3"))
	bal, ok, err := cache.Get(ctx, user, "ETH")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3", bal)

	clk.Add(10 * time.Second)
	_, ok, err = cache.Get(ctx, user, "ETH")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCachedClient_BoundsChainCalls(t *testing.T) {
	clk := clock.NewMock()
	mem := NewMemoryClient()
	mem.SetBalance(user, "ETH", "5")
	c := NewCachedClient(mem, NewMemoryBalanceCache(clk, 5*time.Second), zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bal, err := c.BalanceOf(ctx, user, "ETH")
			assert.NoError(t, err)
			assert.Equal(t, "5", bal)
		}()
	}
	wg.Wait()
	calls := mem.BalanceCalls()
	assert.LessOrEqual(t, calls, 16)

	_, err := c.BalanceOf(ctx, user, "ETH")
	require.NoError(t, err)
	assert.Equal(t, calls, mem.BalanceCalls(), "cached balance must not reach the chain")

	mem.SetBalance(user, "ETH", "6")
	clk.Add(5 * time.Second)
	bal, err := c.BalanceOf(ctx, user, "ETH")
	require.NoError(t, err)
	assert.Equal(t, "6", bal)
	assert.Equal(t, calls+1, mem.BalanceCalls())
}

func TestMemoryClient_Snapshots(t *testing.T) {
	mem := NewMemoryClient()
	_, err := mem.GetSnapshot(context.Background(), 1)
	assert.True(t, errors.Is(err, errors.Unavailable))

	mem.PublishSnapshot(Snapshot{Seq: 1, Root: "0x01", OrderCount: 2, TotalVolume: "3"})
	s, err := mem.GetSnapshot(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.OrderCount)
}

func TestRedisBalanceCache(t *testing.T) {
	addr := os.Getenv("PINCEX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PINCEX_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewRedisBalanceCache(client, zap.NewNop(), "pincex-test", time.Minute)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, user, "NOPE")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, user, "ETH", "7.25"))
	bal, ok, err := cache.Get(ctx, user, "ETH")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "7.25", bal)
	ttl, err := client.TTL(ctx, balanceKey("pincex-test", user, "ETH")).Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)
}
