package model

import "time"

// EventType discriminates change events.
type EventType string

const (
	EventOrderAdded     EventType = "order_added"
	EventOrderCancelled EventType = "order_cancelled"
	EventOrderUpdated   EventType = "order_updated"
	EventOrderFilled    EventType = "order_filled"
	EventTradeExecuted  EventType = "trade_executed"
)

// EventData is the payload of an Event: either OrderEvent or TradeEvent.
type EventData interface {
	eventData()
}

// OrderEvent carries the order state after the mutation.
type OrderEvent struct {
	Order Order `json:"order"`
}

// TradeEvent carries a newly created trade.
type TradeEvent struct {
	Trade Trade `json:"trade"`
}

func (OrderEvent) eventData() {}
func (TradeEvent) eventData() {}

// Event is a change event published on the pair's channel.
type Event struct {
	Type      EventType `json:"type"`
	Pair      string    `json:"pair"`
	Data      EventData `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// NewOrderEvent builds an order event of the given type.
func NewOrderEvent(typ EventType, o Order, ts time.Time) Event {
	return Event{Type: typ, Pair: o.Pair, Data: OrderEvent{Order: o.Clone()}, Timestamp: ts}
}

// NewTradeEvent builds a trade_executed event.
func NewTradeEvent(t Trade, ts time.Time) Event {
	return Event{Type: EventTradeExecuted, Pair: t.Pair, Data: TradeEvent{Trade: t}, Timestamp: ts}
}
