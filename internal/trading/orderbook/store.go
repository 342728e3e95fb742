package orderbook

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_hybrid/internal/trading/events"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
)

// Store holds one Book per configured pair. The set of pairs is fixed at
// construction; ownership of individual books is managed by the shard layer.
type Store struct {
	mu    sync.RWMutex
	books map[string]*Book
}

// NewStore creates an empty book for every pair.
func NewStore(pairs []model.Pair, publisher events.Publisher, clk clock.Clock, logger *zap.Logger) *Store {
	s := &Store{books: make(map[string]*Book, len(pairs))}
	log := logger.Named("orderbook")
	for _, p := range pairs {
		s.books[p.Symbol] = NewBook(p, publisher, clk, log)
	}
	return s
}

// Book returns the book for pair or an UnknownPair error.
func (s *Store) Book(pair string) (*Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[pair]
	if !ok {
		return nil, errors.UnknownPair.Explain("unknown pair %q", pair)
	}
	return b, nil
}

// Pairs returns the configured pair symbols in sorted order.
func (s *Store) Pairs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.books))
	for p := range s.books {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ActiveOrders returns the resting orders of every pair, grouped by pair in
// symbol order and by arrival within a pair.
func (s *Store) ActiveOrders() []model.Order {
	var out []model.Order
	for _, p := range s.Pairs() {
		b, _ := s.Book(p)
		out = append(out, b.ActiveOrders()...)
	}
	return out
}

// PairOrders returns the resting orders of one pair by arrival.
func (s *Store) PairOrders(pair string) ([]model.Order, error) {
	b, err := s.Book(pair)
	if err != nil {
		return nil, err
	}
	return b.ActiveOrders(), nil
}

// FindOrder looks an order up across all pairs.
func (s *Store) FindOrder(orderID string) (model.Order, bool) {
	for _, p := range s.Pairs() {
		b, _ := s.Book(p)
		if o, ok := b.GetOrder(orderID); ok {
			return o, true
		}
	}
	return model.Order{}, false
}
