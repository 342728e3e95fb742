package persistence

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// BadgerSink stores history records in an embedded BadgerDB. Keys are
// "<type>/<id>/<seq>", so every version of a record is kept and a prefix scan
// returns an id's history in write order.
type BadgerSink struct {
	db *badger.DB
}

// NewBadgerSink opens (or creates) a BadgerDB at path.
func NewBadgerSink(path string) (*BadgerSink, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // disable internal logging
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &BadgerSink{db: db}, nil
}

// WriteBatch implements Sink.
func (s *BadgerSink) WriteBatch(ctx context.Context, batch []WriteRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, r := range batch {
		val, err := r.Payload()
		if err != nil {
			return fmt.Errorf("encoding %s: %w", r.Key(), err)
		}
		if err := wb.Set([]byte(r.Key()), val); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Scan calls fn for every record whose key starts with prefix, in key order.
func (s *BadgerSink) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.Key()), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close implements Sink.
func (s *BadgerSink) Close() error {
	return s.db.Close()
}
