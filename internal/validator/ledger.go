package validator

import (
	"context"
	"sync"

	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
)

// MemoryLedger is an in-process Ledger for local runs and tests.
type MemoryLedger struct {
	mu        sync.RWMutex
	balances  map[string]string
	addresses map[string]string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]string), addresses: make(map[string]string)}
}

func (l *MemoryLedger) SetBalance(userID, asset, balance string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID+"/"+asset] = balance
}

func (l *MemoryLedger) SetAddress(userID, address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addresses[userID] = address
}

func (l *MemoryLedger) Balance(_ context.Context, userID, asset string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.balances[userID+"/"+asset]; ok {
		return b, nil
	}
	return "0", nil
}

func (l *MemoryLedger) Address(_ context.Context, userID string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.addresses[userID]
	if !ok {
		return "", errors.ValidationError.Explain("no on-chain address for user %s", userID)
	}
	return a, nil
}
