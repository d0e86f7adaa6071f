package service

import (
	"context"

	"topup-store/internal/apperr"
	"topup-store/internal/models"
	"topup-store/internal/payment"
	"topup-store/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CheckoutBroker binds a hosted checkout session to one order.
type CheckoutBroker struct {
	processor PaymentProcessor
	orders    *OrderService
	logger    *zap.Logger
}

// NewCheckoutBroker creates a new checkout broker
func NewCheckoutBroker(processor PaymentProcessor, orders *OrderService) *CheckoutBroker {
	return &CheckoutBroker{
		processor: processor,
		orders:    orders,
		logger:    util.ComponentLogger("checkout"),
	}
}

// SessionOptions carries caller preferences for the hosted page
type SessionOptions struct {
	PaymentMethodTypes []string
	CustomerEmail      string
}

// CheckoutSession is where the buyer is sent to pay
type CheckoutSession struct {
	URL       string
	SessionID string
}

// CreateSession opens a processor session priced from the order's
// snapshotted line items and records its id on the order.
func (b *CheckoutBroker) CreateSession(ctx context.Context, order *models.Order, opts SessionOptions) (*CheckoutSession, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutBroker.CreateSession", attribute.String("order_id", order.ID.String()))
	defer span.End()

	if order.Status != models.OrderStatusPending {
		return nil, apperr.Newf(apperr.CodeOrderNotPending, "order %s is not pending", order.ID)
	}

	session, err := b.processor.CreateCheckoutSession(ctx, payment.SessionParams{
		OrderID:            order.ID,
		Items:              order.Items,
		Currency:           order.Currency,
		PaymentMethodTypes: opts.PaymentMethodTypes,
		CustomerEmail:      opts.CustomerEmail,
	})
	if err != nil {
		util.RecordSpanError(span, err)
		if apperr.As(err) == nil {
			err = apperr.Wrap(apperr.CodeProcessor, err, "create checkout session failed")
		}
		return nil, err
	}

	if err := b.orders.AttachSession(ctx, order.ID, session.ID); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	sessionID := session.ID
	order.PaymentSessionID = &sessionID

	b.logger.Info("Checkout session attached",
		zap.String("order_id", order.ID.String()),
		zap.String("session_id", session.ID))

	return &CheckoutSession{URL: session.URL, SessionID: session.ID}, nil
}
