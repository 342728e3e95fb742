// Async persistence writer for orders, trades and audit records.
// Producers only enqueue; a single flush loop drains the buffer in bounded
// batches on a fixed interval or when the batch size is reached. All writes
// happen outside the matching hot path, except when the queue is full: then
// the producer flushes synchronously instead of dropping its write.

package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
	"github.com/Aidin1998/pincex_hybrid/pkg/metrics"
)

// Sink durably stores batches of history records.
type Sink interface {
	WriteBatch(ctx context.Context, batch []WriteRequest) error
	Close() error
}

// DiscardSink drops every batch. It backs the writer when persistence is off.
type DiscardSink struct{}

func (DiscardSink) WriteBatch(context.Context, []WriteRequest) error { return nil }
func (DiscardSink) Close() error                                     { return nil }

// Config for Writer
type Config struct {
	BatchSize     int           `mapstructure:"batch_size"`
	QueueSize     int           `mapstructure:"queue_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

// DefaultConfig returns the writer defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		QueueSize:     10000,
		FlushInterval: 100 * time.Millisecond,
		MaxRetries:    3,
	}
}

// Writer buffers history records and flushes them to a Sink.
type Writer struct {
	cfg    Config
	sink   Sink
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	buffer []WriteRequest
	seq    uint64

	// flushMu serializes drains so batches reach the sink in enqueue order.
	flushMu sync.Mutex

	flushCh chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	started atomic.Bool
	once    sync.Once
}

// NewWriter creates a writer. Call Start to run the flush loop.
func NewWriter(cfg Config, sink Sink, clk clock.Clock, logger *zap.Logger) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.QueueSize < cfg.BatchSize {
		cfg.QueueSize = cfg.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Writer{
		cfg:     cfg,
		sink:    sink,
		clock:   clk,
		logger:  logger.Named("persistence"),
		buffer:  make([]WriteRequest, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the flush loop until Close.
func (w *Writer) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	ticker := w.clock.Ticker(w.cfg.FlushInterval)
	go func() {
		defer close(w.done)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
			case <-w.flushCh:
			}
			if err := w.Flush(context.Background()); err != nil {
				w.logger.Warn("flush failed", zap.Error(err))
			}
		}
	}()
}

// Enqueue appends a record. It never drops: when the queue is full the
// caller flushes synchronously first.
func (w *Writer) Enqueue(ctx context.Context, req WriteRequest) {
	w.mu.Lock()
	for len(w.buffer) >= w.cfg.QueueSize {
		w.mu.Unlock()
		metrics.WriterForcedFlushes.Inc()
		if err := w.Flush(ctx); err != nil {
			w.logger.Warn("forced flush failed", zap.Error(err))
		}
		w.mu.Lock()
		if len(w.buffer) >= w.cfg.QueueSize && ctx.Err() != nil {
			// the sink keeps failing and the caller gave up; keep the record anyway
			break
		}
	}
	w.seq++
	req.Seq = w.seq
	if req.Timestamp.IsZero() {
		req.Timestamp = w.clock.Now()
	}
	w.buffer = append(w.buffer, req)
	depth := len(w.buffer)
	w.mu.Unlock()

	metrics.WriterQueueDepth.Set(float64(depth))
	if depth >= w.cfg.BatchSize {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
}

// Publish records order and trade change events, so the writer can sit on the
// same publisher chain as the event bus.
func (w *Writer) Publish(ctx context.Context, event model.Event) {
	switch data := event.Data.(type) {
	case model.OrderEvent:
		w.Enqueue(ctx, WriteRequest{Type: RecordOrder, ID: data.Order.ID, Data: data.Order, Timestamp: event.Timestamp})
	case model.TradeEvent:
		w.Enqueue(ctx, WriteRequest{Type: RecordTrade, ID: data.Trade.ID, Data: data.Trade, Timestamp: event.Timestamp})
	}
}

// Pending returns the number of buffered records.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Flush drains the buffer to the sink in batches. A failed batch is put back
// at the head of the buffer until it has failed MaxRetries times, after which
// it is logged and discarded.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	pending := w.buffer
	w.buffer = make([]WriteRequest, 0, w.cfg.BatchSize)
	w.mu.Unlock()

	var firstErr error
	for start := 0; start < len(pending); start += w.cfg.BatchSize {
		end := min(start+w.cfg.BatchSize, len(pending))
		batch := pending[start:end]
		err := w.sink.WriteBatch(ctx, batch)
		if err == nil {
			metrics.WriterBatches.WithLabelValues("ok").Inc()
			continue
		}
		metrics.WriterBatches.WithLabelValues("error").Inc()
		if firstErr == nil {
			firstErr = err
		}
		w.requeue(pending[start:], err)
		break
	}

	w.mu.Lock()
	metrics.WriterQueueDepth.Set(float64(len(w.buffer)))
	w.mu.Unlock()
	return firstErr
}

func (w *Writer) requeue(failed []WriteRequest, cause error) {
	keep := make([]WriteRequest, 0, len(failed))
	dropped := 0
	for _, r := range failed {
		r.attempts++
		if r.attempts > w.cfg.MaxRetries {
			dropped++
			continue
		}
		keep = append(keep, r)
	}
	if dropped > 0 {
		metrics.WriterBatches.WithLabelValues("dropped").Inc()
		w.logger.Error("discarding records after retries", zap.Int("count", dropped), zap.Error(cause))
	}
	w.mu.Lock()
	w.buffer = append(keep, w.buffer...)
	w.mu.Unlock()
}

// Close stops the loop, performs a final flush and closes the sink.
func (w *Writer) Close(ctx context.Context) error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		if w.started.Load() {
			select {
			case <-w.done:
			case <-ctx.Done():
			}
		}
		if ferr := w.Flush(ctx); ferr != nil {
			w.logger.Error("final flush failed", zap.Int("pending", w.Pending()), zap.Error(ferr))
			err = ferr
		}
		if cerr := w.sink.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
