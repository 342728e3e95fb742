package persistence

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordType names an append-only history stream.
type RecordType string

const (
	RecordOrder       RecordType = "orders"
	RecordTrade       RecordType = "trades"
	RecordDiscrepancy RecordType = "discrepancies"
)

// WriteRequest is one append-only history record.
type WriteRequest struct {
	Type RecordType
	ID   string
	Data any
	// Seq is assigned by the Writer and makes every version of a record unique.
	Seq       uint64
	Timestamp time.Time

	attempts int
}

// Key returns the storage key "<type>/<id>/<seq>".
func (r WriteRequest) Key() string {
	return fmt.Sprintf("%s/%s/%020d", r.Type, r.ID, r.Seq)
}

// Payload encodes Data as JSON.
func (r WriteRequest) Payload() ([]byte, error) {
	return json.Marshal(r.Data)
}
