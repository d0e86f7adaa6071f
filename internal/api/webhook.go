package api

import (
	"context"
	"encoding/json"
	"io"

	"topup-store/internal/apperr"
	"topup-store/internal/models"
	"topup-store/internal/payment"
	"topup-store/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

// SessionEventPublisher hands completed sessions to the settlement worker
type SessionEventPublisher interface {
	PublishPaymentSessionCompleted(ctx context.Context, event *models.PaymentSessionCompletedEvent) error
}

// WebhookGuard drops redelivered processor events
type WebhookGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

// SigningClient exposes the webhook signing secret
type SigningClient interface {
	SigningSecret() string
}

// WebhookHandler accepts signed processor events
type WebhookHandler struct {
	client    SigningClient
	guard     WebhookGuard
	publisher SessionEventPublisher
	logger    *zap.Logger
}

// NewWebhookHandler creates the processor webhook endpoint
func NewWebhookHandler(client SigningClient, guard WebhookGuard, publisher SessionEventPublisher) *WebhookHandler {
	return &WebhookHandler{
		client:    client,
		guard:     guard,
		publisher: publisher,
		logger:    util.ComponentLogger("webhook"),
	}
}

// HandleStripe verifies the signature, drops duplicates and forwards paid
// checkout sessions to the settlement topic. Settlement itself happens in
// the worker so the processor gets its acknowledgement quickly.
func (wh *WebhookHandler) HandleStripe(c *gin.Context) {
	ctx := c.Request.Context()

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		wh.fail(c, "unreadable", apperr.Wrap(apperr.CodeValidation, err, "read request body"))
		return
	}

	sigHeader := c.GetHeader("Stripe-Signature")
	if sigHeader == "" {
		wh.fail(c, "unsigned", apperr.New(apperr.CodeValidation, "stripe signature missing"))
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, wh.client.SigningSecret(),
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		wh.fail(c, "bad_signature", apperr.Wrap(apperr.CodeValidation, err, "invalid stripe signature"))
		return
	}

	alreadyProcessed, err := wh.guard.CheckAndMark(ctx, event.ID)
	if err != nil {
		wh.fail(c, "guard_error", apperr.Wrap(apperr.CodeInternal, err, "check idempotency"))
		return
	}
	if alreadyProcessed {
		util.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
		writeSuccess(c, "event already processed", nil)
		return
	}

	forwarded, err := wh.dispatch(ctx, &event)
	if err != nil {
		if delErr := wh.guard.Delete(context.WithoutCancel(ctx), event.ID); delErr != nil {
			wh.logger.Warn("Failed to clear webhook guard", zap.String("event_id", event.ID), zap.Error(delErr))
		}
		wh.fail(c, "publish_error", err)
		return
	}

	result := "ignored"
	if forwarded {
		result = "forwarded"
	}
	util.WebhookEventsTotal.WithLabelValues(result).Inc()
	wh.logger.Info("Stripe event processed",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("result", result))
	writeSuccess(c, "event received", nil)
}

func (wh *WebhookHandler) dispatch(ctx context.Context, event *stripe.Event) (bool, error) {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
	default:
		return false, nil
	}

	if event.Data == nil {
		return false, apperr.New(apperr.CodeValidation, "event has no data")
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return false, apperr.Wrap(apperr.CodeValidation, err, "decode checkout session")
	}
	if session.ID == "" {
		return false, apperr.New(apperr.CodeValidation, "checkout session id missing")
	}

	// Delayed methods complete unpaid and settle on async_payment_succeeded.
	settled := payment.Session{PaymentStatus: string(session.PaymentStatus)}
	if !settled.Paid() {
		return false, nil
	}

	msg := &models.PaymentSessionCompletedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypePaymentSessionCompleted),
		SessionID: session.ID,
	}
	msg.EventID = event.ID
	if err := wh.publisher.PublishPaymentSessionCompleted(ctx, msg); err != nil {
		return false, apperr.Wrap(apperr.CodeInternal, err, "publish session event")
	}
	return true, nil
}

func (wh *WebhookHandler) fail(c *gin.Context, result string, err error) {
	util.WebhookEventsTotal.WithLabelValues(result).Inc()
	writeError(c, wh.logger, err)
}

