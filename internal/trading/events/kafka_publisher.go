package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
)

// KafkaConfig contains configuration options for KafkaPublisher
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
	Compression  string        `mapstructure:"compression"`
	RetryMax     int           `mapstructure:"retry_max"`
}

// DefaultKafkaConfig returns low-latency settings for market data events.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Topic:        "pincex.events",
		BatchSize:    100,
		BatchTimeout: 5 * time.Millisecond,
		WriteTimeout: time.Second,
		RequiredAcks: 1,
		Compression:  "snappy",
		RetryMax:     3,
	}
}

// KafkaPublisher forwards events to a Kafka topic keyed by pair, so each
// pair's events land on one partition in publish order.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewKafkaPublisher builds an async writer. Delivery failures are logged from
// the completion callback; matching never waits on the broker.
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: no brokers configured")
	}
	p := &KafkaPublisher{logger: logger.Named("kafka-publisher")}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  cfg.RetryMax,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				p.logger.Error("failed to deliver events", zap.Int("count", len(messages)), zap.Error(err))
			}
		},
	}
	switch cfg.Compression {
	case "gzip":
		p.writer.Compression = kafka.Gzip
	case "lz4":
		p.writer.Compression = kafka.Lz4
	case "zstd":
		p.writer.Compression = kafka.Zstd
	default:
		p.writer.Compression = kafka.Snappy
	}
	return p, nil
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, event model.Event) {
	msg, err := encodeMessage(event)
	if err != nil {
		p.logger.Error("failed to encode event", zap.String("pair", event.Pair), zap.Error(err))
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to enqueue event", zap.String("pair", event.Pair), zap.Error(err))
	}
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.writer.Close()
}

func encodeMessage(event model.Event) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(event.Pair),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
			{Key: "source", Value: []byte("trading-engine")},
		},
		Time: event.Timestamp,
	}, nil
}
