package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"topup-store/internal/apperr"
	"topup-store/internal/models"
	"topup-store/internal/payment"
	"topup-store/internal/store"
	"topup-store/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SettlementReconciler turns a paid processor session into a completed
// order, sold stock, a wallet credit and a notification.
type SettlementReconciler struct {
	processor     PaymentProcessor
	orders        *OrderService
	ledger        *InventoryLedger
	wallet        WalletStore
	notifications NotificationStore
	events        EventPublisher
	logger        *zap.Logger
}

// NewSettlementReconciler creates a new settlement reconciler
func NewSettlementReconciler(
	processor PaymentProcessor,
	orders *OrderService,
	ledger *InventoryLedger,
	wallet WalletStore,
	notifications NotificationStore,
	events EventPublisher,
) *SettlementReconciler {
	return &SettlementReconciler{
		processor:     processor,
		orders:        orders,
		ledger:        ledger,
		wallet:        wallet,
		notifications: notifications,
		events:        publisherOrNoop(events),
		logger:        util.ComponentLogger("settlement"),
	}
}

// VerifyResult reports the processor's view of a session and whether
// this call settled the order.
type VerifyResult struct {
	Verified        bool             `json:"verified"`
	Status          string           `json:"status"`
	SessionID       string           `json:"sessionId"`
	OrderID         *uuid.UUID       `json:"orderId,omitempty"`
	PaymentIntentID string           `json:"paymentIntentId,omitempty"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	Currency        string           `json:"currency,omitempty"`
	CustomerEmail   string           `json:"customerEmail,omitempty"`
	CustomerName    string           `json:"customerName,omitempty"`
	OrderUpdated    bool             `json:"orderUpdated"`
}

// Verify settles the order behind sessionID if the processor reports it
// paid. It is safe to call any number of times: only the call that wins
// the order's pending -> completed transition applies side effects, and
// every later call returns OrderUpdated=false.
func (r *SettlementReconciler) Verify(ctx context.Context, sessionID string) (*VerifyResult, error) {
	ctx, span := util.StartSpan(ctx, "SettlementReconciler.Verify", attribute.String("session_id", sessionID))
	defer span.End()

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, apperr.New(apperr.CodeValidation, "sessionId is required")
	}

	session, err := r.processor.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		util.SettlementsTotal.WithLabelValues("failed").Inc()
		util.RecordSpanError(span, err)
		if apperr.As(err) == nil {
			err = apperr.Wrap(apperr.CodeProcessor, err, "retrieve checkout session failed")
		}
		return nil, err
	}

	if !session.Paid() {
		util.SettlementsTotal.WithLabelValues("unpaid").Inc()
		return &VerifyResult{Verified: false, Status: session.PaymentStatus, SessionID: sessionID}, nil
	}

	order, err := r.lookupOrder(ctx, session)
	if err != nil {
		util.SettlementsTotal.WithLabelValues("failed").Inc()
		util.RecordSpanError(span, err)
		return nil, err
	}

	amount := session.AmountTotal
	result := &VerifyResult{
		Verified:        true,
		Status:          session.PaymentStatus,
		SessionID:       sessionID,
		OrderID:         &order.ID,
		PaymentIntentID: session.PaymentIntentID,
		Amount:          &amount,
		Currency:        session.Currency,
		CustomerEmail:   session.CustomerEmail,
		CustomerName:    session.CustomerName,
	}

	updated, err := r.orders.Complete(ctx, order.ID, session.PaymentIntentID,
		optionalString(session.CustomerEmail), optionalString(session.CustomerName))
	if err != nil {
		util.SettlementsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	if !updated {
		util.SettlementsTotal.WithLabelValues("replayed").Inc()
		r.logger.Info("Order already settled", zap.String("order_id", order.ID.String()))
		return result, nil
	}

	// Everything below runs at most once per order: only the caller that
	// flipped pending -> completed above gets here.
	if err := r.applySettlement(ctx, order, session); err != nil {
		util.SettlementsTotal.WithLabelValues("failed").Inc()
		util.RecordSpanError(span, err)
		return nil, err
	}

	util.SettlementsTotal.WithLabelValues("settled").Inc()
	result.OrderUpdated = true
	return result, nil
}

func (r *SettlementReconciler) applySettlement(ctx context.Context, order *models.Order, session *payment.Session) error {
	var committed int64
	if order.StockBearing() {
		var err error
		committed, err = r.ledger.Commit(ctx, order.ID, buyerFallback(order, session))
		if err != nil {
			return err
		}
	}

	if order.UserID != nil {
		// The balance write is guarded by the order completion above, not
		// by its own lock. The store's version check only turns a race
		// into a retry; it does not make a second credit for the same
		// order impossible if that gate is ever bypassed.
		txn, err := r.wallet.CreditWallet(ctx, store.WalletCredit{
			UserID:      *order.UserID,
			Amount:      order.TotalAmount,
			Type:        models.WalletTxDeposit,
			Description: describeOrder(order),
			OrderID:     &order.ID,
		})
		if err != nil {
			return apperr.Wrap(apperr.CodePersistence, err, "credit wallet")
		}
		util.WalletCreditsTotal.Inc()

		if err := r.notify(ctx, order, session, txn); err != nil {
			return err
		}
	}

	event := &models.OrderSettledEvent{
		BaseEvent:       models.NewBaseEvent(models.EventTypeOrderSettled),
		OrderID:         order.ID,
		UserID:          order.UserID,
		Amount:          order.TotalAmount,
		Currency:        order.Currency,
		PaymentIntentID: session.PaymentIntentID,
		StockCommitted:  committed,
	}
	if err := r.events.PublishOrderSettled(ctx, event); err != nil {
		r.logger.Error("Failed to publish OrderSettled event", zap.Error(err))
	}

	r.logger.Info("Order settled",
		zap.String("order_id", order.ID.String()),
		zap.String("session_id", session.ID),
		zap.Int64("stock_committed", committed))
	return nil
}

func (r *SettlementReconciler) notify(ctx context.Context, order *models.Order, session *payment.Session, txn *models.WalletTransaction) error {
	metadata, err := json.Marshal(map[string]any{
		"order_id":          order.ID,
		"session_id":        session.ID,
		"payment_intent_id": session.PaymentIntentID,
		"amount":            order.TotalAmount,
		"currency":          order.Currency,
		"balance_after":     txn.BalanceAfter,
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "encode notification metadata")
	}

	n := &models.Notification{
		ID:       uuid.New(),
		UserID:   order.UserID,
		Type:     models.NotificationPaymentCompleted,
		Title:    "Payment completed",
		Message:  fmt.Sprintf("Your payment of %s %s was received.", order.TotalAmount.StringFixed(2), strings.ToUpper(order.Currency)),
		Metadata: metadata,
	}
	if err := r.notifications.CreateNotification(ctx, n); err != nil {
		return apperr.Wrap(apperr.CodePersistence, err, "create notification")
	}
	return nil
}

// lookupOrder finds the order by session id, falling back to the order id
// stamped in the session metadata when the session was never attached.
func (r *SettlementReconciler) lookupOrder(ctx context.Context, session *payment.Session) (*models.Order, error) {
	order, err := r.orders.GetBySessionID(ctx, session.ID)
	if err == nil {
		return order, nil
	}
	if !apperr.Is(err, apperr.CodeNotFound) {
		return nil, err
	}

	if orderID, parseErr := uuid.Parse(session.OrderID); parseErr == nil {
		byID, getErr := r.orders.store.GetOrderByID(ctx, orderID)
		switch {
		case getErr == nil && (byID.PaymentSessionID == nil || *byID.PaymentSessionID == session.ID):
			return byID, nil
		case getErr != nil && !errors.Is(getErr, store.ErrNotFound):
			return nil, apperr.Wrap(apperr.CodePersistence, getErr, "get order")
		}
	}

	r.logger.Error("Paid session has no order",
		zap.String("session_id", session.ID),
		zap.String("metadata_order_id", session.OrderID))
	return nil, apperr.Newf(apperr.CodeOrderLookupFailed, "no order found for paid session %s", session.ID)
}

// buyerFallback names the buyer of an anonymous order: the checkout email,
// or the order itself when the processor collected none.
func buyerFallback(order *models.Order, session *payment.Session) *string {
	if order.UserID != nil {
		return nil
	}
	if session.CustomerEmail != "" {
		return optionalString(session.CustomerEmail)
	}
	buyer := "order:" + order.ID.String()
	return &buyer
}

func describeOrder(order *models.Order) string {
	if order.Kind == models.OrderKindTopUp {
		return "Wallet top-up"
	}
	names := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		names = append(names, fmt.Sprintf("%s x%d", item.Name, item.Quantity))
	}
	return "Order payment: " + strings.Join(names, ", ")
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
