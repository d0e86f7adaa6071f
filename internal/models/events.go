package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated            = "ORDER_CREATED"
	EventTypeOrderSettled            = "ORDER_SETTLED"
	EventTypeOrderCancelled          = "ORDER_CANCELLED"
	EventTypePaymentSessionCompleted = "PAYMENT_SESSION_COMPLETED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event id and time.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// OrderCreatedEvent published once checkout has reserved stock and opened a session
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     uuid.UUID       `json:"order_id"`
	UserID      *uuid.UUID      `json:"user_id,omitempty"`
	Kind        OrderKind       `json:"kind"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
	SessionID   string          `json:"session_id"`
	Items       LineItems       `json:"items"`
}

// OrderSettledEvent published after the first successful settlement of an order
type OrderSettledEvent struct {
	BaseEvent
	OrderID         uuid.UUID       `json:"order_id"`
	UserID          *uuid.UUID      `json:"user_id,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	PaymentIntentID string          `json:"payment_intent_id"`
	StockCommitted  int64           `json:"stock_committed"`
}

// OrderCancelledEvent published when a stale pending order is cancelled
type OrderCancelledEvent struct {
	BaseEvent
	OrderID       uuid.UUID `json:"order_id"`
	Reason        string    `json:"reason"`
	StockReleased int64     `json:"stock_released"`
}

// PaymentSessionCompletedEvent is published by the webhook endpoint and
// consumed by the settlement worker. EventID carries the processor's
// event id so redeliveries collapse onto one processed_events row.
type PaymentSessionCompletedEvent struct {
	BaseEvent
	SessionID string `json:"session_id"`
}
