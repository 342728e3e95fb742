package validator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/persistence"
	"github.com/Aidin1998/pincex_hybrid/pkg/merkle"
)

// Severity grades a discrepancy.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool { return s.rank() >= other.rank() }

// DiscrepancyType discriminates audit records.
type DiscrepancyType string

const (
	DiscrepancyBalance DiscrepancyType = "balance"
	DiscrepancyPrice   DiscrepancyType = "price"
	DiscrepancyProof   DiscrepancyType = "proof"
	DiscrepancyRoot    DiscrepancyType = "root"
	DiscrepancyVolume  DiscrepancyType = "volume"
	DiscrepancyCount   DiscrepancyType = "count"
)

// Discrepancy is an audit-trail entry for off-chain/on-chain divergence or a
// rejected validation.
type Discrepancy struct {
	ID       string          `json:"id"`
	Type     DiscrepancyType `json:"type"`
	Severity Severity        `json:"severity"`
	UserID   string          `json:"user_id,omitempty"`
	Asset    string          `json:"asset,omitempty"`
	OrderID  string          `json:"order_id,omitempty"`
	Seq      uint64          `json:"seq,omitempty"`
	OffChain string          `json:"off_chain,omitempty"`
	OnChain  string          `json:"on_chain,omitempty"`
	// Difference is the relative divergence where one applies.
	Difference string    `json:"difference,omitempty"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// Snapshot is a Merkle commitment over the active order ids at one instant.
type Snapshot struct {
	Seq         uint64    `json:"seq"`
	Root        string    `json:"root"`
	OrderCount  int       `json:"order_count"`
	TotalVolume string    `json:"total_volume"`
	Timestamp   time.Time `json:"timestamp"`

	tree *merkle.Tree
}

// OrderData is the content a bridged order id commits to: the id is the
// Keccak-256 of its canonical JSON encoding.
type OrderData struct {
	UserID string `json:"user_id"`
	Pair   string `json:"pair"`
	Side   string `json:"side"`
	Type   string `json:"type"`
	Amount string `json:"amount"`
	Price  string `json:"price,omitempty"`
	// Timestamp is unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// ContentHash returns the order id committed by d.
func (d OrderData) ContentHash() (common.Hash, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return common.Hash{}, err
	}
	return merkle.Leaf(b), nil
}

// ProofRequest asks whether an order is committed in a snapshot.
type ProofRequest struct {
	OrderID   string    `json:"order_id" binding:"required"`
	Proof     []string  `json:"proof"`
	OrderData OrderData `json:"order_data"`
	// Seq pins the snapshot; zero picks the snapshot nearest the order's timestamp.
	Seq uint64 `json:"seq,omitempty"`
}

// OrderSource exposes the active orders per pair. *orderbook.Store implements it.
type OrderSource interface {
	Pairs() []string
	PairOrders(pair string) ([]model.Order, error)
}

// Ledger is the off-chain balance ledger.
type Ledger interface {
	Balance(ctx context.Context, userID, asset string) (string, error)
	// Address returns the user's on-chain address.
	Address(ctx context.Context, userID string) (string, error)
}

// PriceFeed supplies a market mid-price for a pair.
type PriceFeed interface {
	MidPrice(ctx context.Context, pair string) (string, error)
}

// PriceFeedFunc adapts a function to PriceFeed.
type PriceFeedFunc func(ctx context.Context, pair string) (string, error)

func (f PriceFeedFunc) MidPrice(ctx context.Context, pair string) (string, error) { return f(ctx, pair) }

// AuditSink persists discrepancies. *persistence.Writer implements it.
type AuditSink interface {
	Enqueue(ctx context.Context, req persistence.WriteRequest)
}

// AlertFunc is called synchronously for discrepancies at or above the alert severity.
type AlertFunc func(Discrepancy)
