package persistence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS trading_history (
	record_type TEXT        NOT NULL,
	record_id   TEXT        NOT NULL,
	seq         BIGINT      NOT NULL,
	payload     JSONB       NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (record_type, record_id, seq)
)`

const insertHistory = `
INSERT INTO trading_history (record_type, record_id, seq, payload, recorded_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT DO NOTHING`

// PostgresSink stores history records in an append-only table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to dsn and ensures the history table exists.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, historySchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating history table: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// WriteBatch implements Sink. The batch is sent in one round trip inside a
// transaction, so it is stored entirely or not at all.
func (s *PostgresSink) WriteBatch(ctx context.Context, batch []WriteRequest) error {
	b, err := buildBatch(batch)
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("writing history batch: %w", err)
	}
	return tx.Commit(ctx)
}

func buildBatch(batch []WriteRequest) (*pgx.Batch, error) {
	b := &pgx.Batch{}
	for _, r := range batch {
		val, err := r.Payload()
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", r.Key(), err)
		}
		b.Queue(insertHistory, string(r.Type), r.ID, int64(r.Seq), val, r.Timestamp)
	}
	return b, nil
}

// Close implements Sink.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
