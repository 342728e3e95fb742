package onchain

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
	"github.com/Aidin1998/pincex_hybrid/pkg/merkle"
)

// MemoryClient is a Client backed by in-process state, used when no node is
// configured and in tests.
type MemoryClient struct {
	mu        sync.RWMutex
	balances  map[string]string
	snapshots map[uint64]Snapshot
	calls     int
}

var _ Client = (*MemoryClient)(nil)

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{balances: make(map[string]string), snapshots: make(map[uint64]Snapshot)}
}

func (m *MemoryClient) SetBalance(address, asset, balance string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[balanceKey("", address, asset)] = balance
}

// PublishSnapshot records a snapshot as if committed on chain.
func (m *MemoryClient) PublishSnapshot(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.Seq] = s
}

// BalanceCalls returns how many balance lookups reached this client.
func (m *MemoryClient) BalanceCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

func (m *MemoryClient) BalanceOf(_ context.Context, address, asset string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if bal, ok := m.balances[balanceKey("", address, asset)]; ok {
		return bal, nil
	}
	return "0", nil
}

func (m *MemoryClient) ValidateProof(_ context.Context, root string, proof []string, data []byte) (bool, error) {
	r, err := hexutil.Decode(root)
	if err != nil {
		return false, errors.ValidationError.Explain("invalid root %q", root)
	}
	siblings := make([]common.Hash, len(proof))
	for i, p := range proof {
		b, err := hexutil.Decode(p)
		if err != nil {
			return false, errors.ValidationError.Explain("invalid proof element %q", p)
		}
		siblings[i] = common.BytesToHash(b)
	}
	return merkle.Verify(common.BytesToHash(r), merkle.Leaf(data), siblings), nil
}

func (m *MemoryClient) GetSnapshot(_ context.Context, seq uint64) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[seq]
	if !ok {
		return Snapshot{}, errors.Unavailable.Explain("snapshot %d not committed", seq)
	}
	return s, nil
}
