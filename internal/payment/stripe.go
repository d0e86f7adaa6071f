// Package payment talks to the hosted checkout processor.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"topup-store/config"
	"topup-store/internal/apperr"
	"topup-store/internal/models"
	"topup-store/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/checkout/session"
	"go.uber.org/zap"
)

const (
	testEnv = "test"
	liveEnv = "live"

	// MetadataOrderID is the session metadata key carrying the order id.
	MetadataOrderID = "order_id"
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// Session payment statuses as reported by the processor.
const (
	StatusPaid              = "paid"
	StatusUnpaid            = "unpaid"
	StatusNoPaymentRequired = "no_payment_required"

	SessionOpen     = "open"
	SessionComplete = "complete"
	SessionExpired  = "expired"
)

// SessionParams describes the hosted checkout page for one order.
type SessionParams struct {
	OrderID            uuid.UUID
	Items              models.LineItems
	Currency           string
	PaymentMethodTypes []string
	CustomerEmail      string
}

// Session is the part of a processor checkout session the store acts on.
type Session struct {
	ID              string
	URL             string
	Status          string
	PaymentStatus   string
	PaymentIntentID string
	AmountTotal     decimal.Decimal
	Currency        string
	CustomerEmail   string
	CustomerName    string
	OrderID         string
}

// Paid reports whether the processor considers the session settled. A
// fully discounted session completes as no_payment_required.
func (s *Session) Paid() bool {
	return s.PaymentStatus == StatusPaid || s.PaymentStatus == StatusNoPaymentRequired
}

// Open reports whether the buyer can still pay on the hosted page.
func (s *Session) Open() bool {
	return s.Status == SessionOpen
}

// Client creates and retrieves Stripe checkout sessions.
type Client struct {
	environment   string
	signingSecret string
	successURL    string
	cancelURL     string
	logger        *zap.Logger
}

// NewClient validates the configured key against the environment and
// sets the package-level Stripe key once.
func NewClient(cfg config.StripeConfig) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment)
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(cfg.SecretKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}

	signingSecret := strings.TrimSpace(cfg.WebhookSecret)
	if signingSecret == "" {
		return nil, errSecretRequired
	}

	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	stripe.Key = apiKey

	logger := util.ComponentLogger("payment")
	logger.Info("Stripe client initialized", zap.String("environment", env))

	return &Client{
		environment:   env,
		signingSecret: signingSecret,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
		logger:        logger,
	}, nil
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	return c.environment
}

// SigningSecret returns the webhook signing secret.
func (c *Client) SigningSecret() string {
	return c.signingSecret
}

// CreateCheckoutSession opens a hosted checkout page priced from the
// order's snapshotted line items.
func (c *Client) CreateCheckoutSession(ctx context.Context, in SessionParams) (*Session, error) {
	ctx, span := util.StartSpan(ctx, "payment.CreateCheckoutSession")
	defer span.End()

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(c.successURL),
		CancelURL:         stripe.String(c.cancelURL),
		ClientReferenceID: stripe.String(in.OrderID.String()),
	}
	params.Context = ctx
	params.AddMetadata(MetadataOrderID, in.OrderID.String())

	if len(in.PaymentMethodTypes) > 0 {
		params.PaymentMethodTypes = stripe.StringSlice(in.PaymentMethodTypes)
	}
	if in.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(in.CustomerEmail)
	}

	for _, item := range in.Items {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(item.Name),
		}
		if item.ImageURL != "" {
			product.Images = stripe.StringSlice([]string{item.ImageURL})
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(strings.ToLower(in.Currency)),
				ProductData: product,
				UnitAmount:  stripe.Int64(ToMinorUnits(item.Price)),
			},
			Quantity: stripe.Int64(int64(item.Quantity)),
		})
	}

	start := time.Now()
	cs, err := session.New(params)
	util.ProcessorLatency.WithLabelValues("create_session").Observe(time.Since(start).Seconds())
	if err != nil {
		util.ProcessorErrorsTotal.WithLabelValues("create_session").Inc()
		util.RecordSpanError(span, err)
		return nil, processorError(err, "create checkout session")
	}

	c.logger.Info("Checkout session created",
		zap.String("session_id", cs.ID),
		zap.String("order_id", in.OrderID.String()))

	return fromStripe(cs), nil
}

// GetCheckoutSession fetches the authoritative session state.
func (c *Client) GetCheckoutSession(ctx context.Context, sessionID string) (*Session, error) {
	ctx, span := util.StartSpan(ctx, "payment.GetCheckoutSession")
	defer span.End()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")

	start := time.Now()
	cs, err := session.Get(sessionID, params)
	util.ProcessorLatency.WithLabelValues("get_session").Observe(time.Since(start).Seconds())
	if err != nil {
		util.ProcessorErrorsTotal.WithLabelValues("get_session").Inc()
		util.RecordSpanError(span, err)
		return nil, processorError(err, "retrieve checkout session")
	}
	return fromStripe(cs), nil
}

// ExpireCheckoutSession closes an open session so it can no longer be paid.
func (c *Client) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	ctx, span := util.StartSpan(ctx, "payment.ExpireCheckoutSession")
	defer span.End()

	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx

	start := time.Now()
	_, err := session.Expire(sessionID, params)
	util.ProcessorLatency.WithLabelValues("expire_session").Observe(time.Since(start).Seconds())
	if err != nil {
		util.ProcessorErrorsTotal.WithLabelValues("expire_session").Inc()
		util.RecordSpanError(span, err)
		return processorError(err, "expire checkout session")
	}
	return nil
}

func fromStripe(cs *stripe.CheckoutSession) *Session {
	s := &Session{
		ID:            cs.ID,
		URL:           cs.URL,
		Status:        string(cs.Status),
		PaymentStatus: string(cs.PaymentStatus),
		AmountTotal:   FromMinorUnits(cs.AmountTotal),
		Currency:      string(cs.Currency),
		CustomerEmail: cs.CustomerEmail,
	}
	if cs.PaymentIntent != nil {
		s.PaymentIntentID = cs.PaymentIntent.ID
	}
	if cs.CustomerDetails != nil {
		if cs.CustomerDetails.Email != "" {
			s.CustomerEmail = cs.CustomerDetails.Email
		}
		s.CustomerName = cs.CustomerDetails.Name
	}
	if cs.Metadata != nil {
		s.OrderID = cs.Metadata[MetadataOrderID]
	}
	return s
}

// ToMinorUnits converts a two-decimal amount to cents.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts cents back to a two-decimal amount.
func FromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

// processorError keeps the processor's own HTTP status and message.
func processorError(err error, action string) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		status := stripeErr.HTTPStatusCode
		if status < http.StatusBadRequest {
			status = http.StatusInternalServerError
		}
		msg := stripeErr.Msg
		if msg == "" {
			msg = action + " failed"
		}
		return apperr.Wrap(apperr.CodeProcessor, err, msg).WithStatus(status)
	}
	return apperr.Wrap(apperr.CodeProcessor, err, action+" failed")
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateAPIKey(env, key string) error {
	switch env {
	case testEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key (sk_test/rk_test)", testEnv)
	case liveEnv:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key (sk_live/rk_live)", liveEnv)
	default:
		return errInvalidStripeEnv
	}
}
