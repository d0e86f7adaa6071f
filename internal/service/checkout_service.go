package service

import (
	"context"

	"topup-store/internal/apperr"
	"topup-store/internal/models"
	"topup-store/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CheckoutService runs the first half of the purchase saga: create the
// order, reserve its stock, open a processor session.
type CheckoutService struct {
	orders   *OrderService
	ledger   *InventoryLedger
	broker   *CheckoutBroker
	events   EventPublisher
	maxTopUp decimal.Decimal
	logger   *zap.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(
	orders *OrderService,
	ledger *InventoryLedger,
	broker *CheckoutBroker,
	events EventPublisher,
	maxTopUp decimal.Decimal,
) *CheckoutService {
	return &CheckoutService{
		orders:   orders,
		ledger:   ledger,
		broker:   broker,
		events:   publisherOrNoop(events),
		maxTopUp: maxTopUp,
		logger:   util.ComponentLogger("checkout"),
	}
}

// CheckoutRequest is a validated purchase request
type CheckoutRequest struct {
	Items              []OrderItemInput
	Currency           string
	PaymentMethodTypes []string
	PlayerID           *string
	CustomerEmail      string
}

// CheckoutResult tells the client where to pay
type CheckoutResult struct {
	URL       string    `json:"url"`
	SessionID string    `json:"sessionId"`
	OrderID   uuid.UUID `json:"orderId"`
}

// StartCheckout creates a pending order for userID (nil for anonymous
// buyers), reserves every item and opens a checkout session. Order
// creation and reservation are separate writes: when a later step fails
// the order keeps no stock and stays pending for the sweeper to cancel.
func (s *CheckoutService) StartCheckout(ctx context.Context, userID *uuid.UUID, req CheckoutRequest) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.StartCheckout")
	defer span.End()

	order, err := s.orders.Create(ctx, CreateOrderInput{
		UserID:   userID,
		Items:    req.Items,
		Currency: req.Currency,
		PlayerID: req.PlayerID,
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	for _, item := range order.Items {
		if _, err := s.ledger.Reserve(ctx, *item.ProductID, item.Quantity, userID, order.ID); err != nil {
			util.OrdersFailedTotal.WithLabelValues("reservation_failed").Inc()
			util.RecordSpanError(span, err)
			s.releaseAfterFailure(ctx, order.ID, err)
			return nil, err
		}
	}

	result, err := s.openSession(ctx, order, SessionOptions{
		PaymentMethodTypes: req.PaymentMethodTypes,
		CustomerEmail:      req.CustomerEmail,
	})
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("session_failed").Inc()
		util.RecordSpanError(span, err)
		s.releaseAfterFailure(ctx, order.ID, err)
		return nil, err
	}
	return result, nil
}

// StartTopUp opens a checkout session that credits the user's wallet by
// amount once paid.
func (s *CheckoutService) StartTopUp(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.StartTopUp")
	defer span.End()

	if !amount.IsPositive() {
		return nil, apperr.New(apperr.CodeValidation, "amount must be positive")
	}
	if s.maxTopUp.IsPositive() && amount.GreaterThan(s.maxTopUp) {
		return nil, apperr.Newf(apperr.CodeValidation, "amount must not exceed %s", s.maxTopUp.String())
	}

	order, err := s.orders.CreateTopUp(ctx, userID, amount, currency)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	result, err := s.openSession(ctx, order, SessionOptions{})
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("session_failed").Inc()
		util.RecordSpanError(span, err)
		return nil, err
	}
	return result, nil
}

func (s *CheckoutService) openSession(ctx context.Context, order *models.Order, opts SessionOptions) (*CheckoutResult, error) {
	session, err := s.broker.CreateSession(ctx, order, opts)
	if err != nil {
		return nil, err
	}

	event := &models.OrderCreatedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCreated),
		OrderID:     order.ID,
		UserID:      order.UserID,
		Kind:        order.Kind,
		TotalAmount: order.TotalAmount,
		Currency:    order.Currency,
		SessionID:   session.SessionID,
		Items:       order.Items,
	}
	if err := s.events.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	return &CheckoutResult{URL: session.URL, SessionID: session.SessionID, OrderID: order.ID}, nil
}

// releaseAfterFailure returns whatever the order already holds. The
// order itself is left pending.
func (s *CheckoutService) releaseAfterFailure(ctx context.Context, orderID uuid.UUID, cause error) {
	released, err := s.ledger.Release(context.WithoutCancel(ctx), orderID)
	if err != nil {
		s.logger.Error("Failed to release stock after checkout failure",
			zap.String("order_id", orderID.String()),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}
	s.logger.Warn("Checkout aborted, order left pending",
		zap.String("order_id", orderID.String()),
		zap.Int64("released", released),
		zap.Error(cause))
}
