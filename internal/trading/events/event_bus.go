package events

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
)

// AllPairs subscribes a handler to every pair's channel.
const AllPairs = "*"

// Publisher accepts change events from the order store, engine and router.
type Publisher interface {
	Publish(ctx context.Context, event model.Event)
}

// EventHandler is a function that handles an event.
// Handlers for one subscription are invoked sequentially in publish order.
type EventHandler func(model.Event)

// Bus is the publish/subscribe surface consumed by the WebSocket relay.
type Bus interface {
	Publisher
	Subscribe(pair string, handler EventHandler) (unsubscribe func())
}

type subscription struct {
	id      uint64
	ch      chan model.Event
	handler EventHandler
	done    chan struct{}
}

// InMemoryEventBus fans events out per pair. Each subscription owns a buffered
// channel drained by its own goroutine, so a slow subscriber never blocks matching.
type InMemoryEventBus struct {
	logger     *zap.Logger
	bufferSize int

	mu     sync.RWMutex
	subs   map[string][]*subscription
	nextID uint64

	published atomic.Int64
	dropped   atomic.Int64
}

// BusMetrics reports delivery counters.
type BusMetrics struct {
	Published int64
	Dropped   int64
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus(logger *zap.Logger, bufferSize int) *InMemoryEventBus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &InMemoryEventBus{
		logger:     logger.Named("event-bus"),
		bufferSize: bufferSize,
		subs:       make(map[string][]*subscription),
	}
}

// Publish delivers an event to subscribers of its pair and of AllPairs.
func (bus *InMemoryEventBus) Publish(ctx context.Context, event model.Event) {
	bus.published.Add(1)
	bus.mu.RLock()
	targets := append(append([]*subscription{}, bus.subs[event.Pair]...), bus.subs[AllPairs]...)
	bus.mu.RUnlock()
	for _, sub := range targets {
		select {
		case sub.ch <- event:
		default:
			bus.dropped.Add(1)
			bus.logger.Warn("subscriber buffer full, dropping event",
				zap.String("pair", event.Pair), zap.String("type", string(event.Type)), zap.Uint64("subscription", sub.id))
		}
	}
}

// Subscribe registers a handler for a pair (or AllPairs).
func (bus *InMemoryEventBus) Subscribe(pair string, handler EventHandler) func() {
	bus.mu.Lock()
	bus.nextID++
	sub := &subscription{
		id:      bus.nextID,
		ch:      make(chan model.Event, bus.bufferSize),
		handler: handler,
		done:    make(chan struct{}),
	}
	bus.subs[pair] = append(bus.subs[pair], sub)
	bus.mu.Unlock()

	go bus.deliver(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			bus.mu.Lock()
			list := bus.subs[pair]
			for i, s := range list {
				if s == sub {
					bus.subs[pair] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			bus.mu.Unlock()
			close(sub.done)
		})
	}
}

func (bus *InMemoryEventBus) deliver(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.ch:
			bus.invoke(sub, ev)
		}
	}
}

func (bus *InMemoryEventBus) invoke(sub *subscription, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			bus.logger.Error("event handler panic", zap.Any("recover", r), zap.String("pair", ev.Pair))
		}
	}()
	sub.handler(ev)
}

// Metrics returns current event bus metrics
func (bus *InMemoryEventBus) Metrics() BusMetrics {
	return BusMetrics{Published: bus.published.Load(), Dropped: bus.dropped.Load()}
}

// MultiPublisher forwards every event to each of its publishers in order.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, event model.Event) {
	for _, p := range m {
		p.Publish(ctx, event)
	}
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, model.Event) {}
