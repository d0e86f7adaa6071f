package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"topup-store/internal/models"
	"topup-store/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(event fmt.Stringer) string {
	return "order-" + event.String()
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderSettled publishes OrderSettled event
func (ep *EventPublisher) PublishOrderSettled(ctx context.Context, event *models.OrderSettledEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderCancelled publishes OrderCancelled event
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentSessionCompleted hands a paid session to the settlement worker
func (ep *EventPublisher) PublishPaymentSessionCompleted(ctx context.Context, event *models.PaymentSessionCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, "session-"+event.SessionID, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onPaymentSessionCompleted func(context.Context, *models.PaymentSessionCompletedEvent) error
	logger                    *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.ComponentLogger("events")}
}

// OnPaymentSessionCompleted registers a handler for PaymentSessionCompleted events
func (eh *EventHandler) OnPaymentSessionCompleted(handler func(context.Context, *models.PaymentSessionCompletedEvent) error) {
	eh.onPaymentSessionCompleted = handler
}

// HandleMessage routes messages to appropriate handlers. Event types
// without a registered handler are skipped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		// Undecodable payloads will never succeed on retry.
		eh.logger.Error("Dropping malformed event", zap.Error(err), zap.Int64("offset", msg.Offset))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePaymentSessionCompleted:
		if eh.onPaymentSessionCompleted != nil {
			var event models.PaymentSessionCompletedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentSessionCompleted event: %w", err)
			}
			return eh.onPaymentSessionCompleted(ctx, &event)
		}
	}

	return nil
}
