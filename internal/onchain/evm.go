package onchain

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
	"github.com/Aidin1998/pincex_hybrid/pkg/merkle"
)

// ERC-20 balanceOf plus the venue's verifier and snapshot registry.
const contractsABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"verify","stateMutability":"view",
   "inputs":[{"name":"root","type":"bytes32"},{"name":"proof","type":"bytes32[]"},{"name":"leaf","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getSnapshot","stateMutability":"view",
   "inputs":[{"name":"seq","type":"uint256"}],
   "outputs":[{"name":"root","type":"bytes32"},{"name":"orderCount","type":"uint256"},{"name":"totalVolume","type":"uint256"}]}
]`

// AssetConfig locates an asset on chain. An empty Token means the native coin.
type AssetConfig struct {
	Token    string `mapstructure:"token"`
	Decimals int32  `mapstructure:"decimals"`
}

// EVMConfig configures EVMClient.
type EVMConfig struct {
	RPCURL          string                 `mapstructure:"rpc_url"`
	VerifierAddress string                 `mapstructure:"verifier_address"`
	RegistryAddress string                 `mapstructure:"registry_address"`
	VolumeDecimals  int32                  `mapstructure:"volume_decimals"`
	CallTimeout     time.Duration          `mapstructure:"call_timeout"`
	Assets          map[string]AssetConfig `mapstructure:"assets"`
}

// chainReader is the subset of *ethclient.Client the adapter uses.
type chainReader interface {
	ethereum.ContractCaller
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// EVMClient implements Client against an EVM JSON-RPC node.
type EVMClient struct {
	cfg    EVMConfig
	reader chainReader
	abi    abi.ABI
	logger *zap.Logger
	closer func()
}

var _ Client = (*EVMClient)(nil)

// NewEVMClient dials the node at cfg.RPCURL.
func NewEVMClient(ctx context.Context, cfg EVMConfig, logger *zap.Logger) (*EVMClient, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errors.Unavailable.Explain("dial %s", cfg.RPCURL).Wrap(err)
	}
	c, err := newEVMClient(client, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.closer = client.Close
	return c, nil
}

func newEVMClient(reader chainReader, cfg EVMConfig, logger *zap.Logger) (*EVMClient, error) {
	parsed, err := abi.JSON(strings.NewReader(contractsABI))
	if err != nil {
		return nil, err
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	return &EVMClient{cfg: cfg, reader: reader, abi: parsed, logger: logger.Named("onchain")}, nil
}

func (c *EVMClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func (c *EVMClient) BalanceOf(ctx context.Context, address, asset string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", errors.ValidationError.Explain("invalid address %q", address)
	}
	ac, ok := c.cfg.Assets[asset]
	if !ok {
		return "", errors.ValidationError.Explain("asset %s is not configured on chain", asset)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	owner := common.HexToAddress(address)
	var raw *big.Int
	if ac.Token == "" {
		bal, err := c.reader.BalanceAt(ctx, owner, nil)
		if err != nil {
			return "", errors.Unavailable.Explain("balance of %s", address).Wrap(err)
		}
		raw = bal
	} else {
		out, err := c.call(ctx, ac.Token, "balanceOf", owner)
		if err != nil {
			return "", err
		}
		raw = out[0].(*big.Int)
	}
	return decimal.NewFromBigInt(raw, -ac.Decimals).String(), nil
}

// ValidateProof asks the verifier contract whether merkle.Leaf(data) is a leaf
// under root.
func (c *EVMClient) ValidateProof(ctx context.Context, root string, proof []string, data []byte) (bool, error) {
	r, err := parseHash(root)
	if err != nil {
		return false, err
	}
	siblings := make([][32]byte, len(proof))
	for i, p := range proof {
		h, err := parseHash(p)
		if err != nil {
			return false, err
		}
		siblings[i] = h
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	out, err := c.call(ctx, c.cfg.VerifierAddress, "verify", [32]byte(r), siblings, [32]byte(merkle.Leaf(data)))
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

func (c *EVMClient) GetSnapshot(ctx context.Context, seq uint64) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	out, err := c.call(ctx, c.cfg.RegistryAddress, "getSnapshot", new(big.Int).SetUint64(seq))
	if err != nil {
		return Snapshot{}, err
	}
	root := common.Hash(out[0].([32]byte))
	return Snapshot{
		Seq:         seq,
		Root:        root.Hex(),
		OrderCount:  out[1].(*big.Int).Uint64(),
		TotalVolume: decimal.NewFromBigInt(out[2].(*big.Int), -c.cfg.VolumeDecimals).String(),
	}, nil
}

func (c *EVMClient) call(ctx context.Context, contract, method string, args ...any) ([]any, error) {
	if !common.IsHexAddress(contract) {
		return nil, errors.Unavailable.Explain("no contract configured for %s", method)
	}
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, errors.Internal.Explain("pack %s", method).Wrap(err)
	}
	to := common.HexToAddress(contract)
	res, err := c.reader.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		c.logger.Warn("contract call failed", zap.String("method", method), zap.String("contract", contract), zap.Error(err))
		return nil, errors.Unavailable.Explain("call %s on %s", method, contract).Wrap(err)
	}
	out, err := c.abi.Unpack(method, res)
	if err != nil {
		return nil, errors.Unavailable.Explain("decode %s result", method).Wrap(err)
	}
	return out, nil
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, errors.ValidationError.Explain("invalid 32-byte hash %q", s)
	}
	return common.BytesToHash(b), nil
}
