// Package onchain is the boundary to on-chain ground truth: token balances,
// the Merkle proof verifier and the snapshot registry.
package onchain

import "context"

// Snapshot is a committed snapshot as recorded on chain.
type Snapshot struct {
	Seq         uint64 `json:"seq"`
	Root        string `json:"root"`
	OrderCount  uint64 `json:"order_count"`
	TotalVolume string `json:"total_volume"`
}

// Client is the on-chain collaborator. Balances are decimal strings in whole
// asset units.
type Client interface {
	BalanceOf(ctx context.Context, address, asset string) (string, error)
	// ValidateProof reports whether leaf data is committed under root.
	ValidateProof(ctx context.Context, root string, proof []string, data []byte) (bool, error)
	GetSnapshot(ctx context.Context, seq uint64) (Snapshot, error)
}
