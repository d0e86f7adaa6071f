package api

import (
	"context"
	"net/http"
	"time"

	"topup-store/internal/auth"
	"topup-store/internal/models"
	"topup-store/internal/service"
	"topup-store/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Authenticator resolves request credentials to a principal
type Authenticator interface {
	Authenticate(ctx context.Context, creds auth.Credentials) (*auth.Principal, error)
	AuthenticateOptional(ctx context.Context, creds auth.Credentials) (*auth.Principal, error)
}

// CatalogService lists products
type CatalogService interface {
	ListProducts(ctx context.Context) ([]models.Product, error)
}

// CheckoutService starts purchases and top-ups
type CheckoutService interface {
	StartCheckout(ctx context.Context, userID *uuid.UUID, req service.CheckoutRequest) (*service.CheckoutResult, error)
	StartTopUp(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) (*service.CheckoutResult, error)
}

// SettlementService verifies checkout sessions
type SettlementService interface {
	Verify(ctx context.Context, sessionID string) (*service.VerifyResult, error)
}

// OrderReader returns a user's orders
type OrderReader interface {
	Get(ctx context.Context, userID, orderID uuid.UUID) (*service.OrderView, error)
}

// WalletReader returns a user's balance
type WalletReader interface {
	Balance(ctx context.Context, userID uuid.UUID) (*service.Balance, error)
}

// Pinger is a dependency checked by the readiness check
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the handler to its services
type Deps struct {
	Gate       Authenticator
	Catalog    CatalogService
	Checkout   CheckoutService
	Settlement SettlementService
	Orders     OrderReader
	Wallet     WalletReader
	Webhook    *WebhookHandler
	Readiness  map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	gate       Authenticator
	catalog    CatalogService
	checkout   CheckoutService
	settlement SettlementService
	orders     OrderReader
	wallet     WalletReader
	webhook    *WebhookHandler
	readiness  map[string]Pinger
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps) *Handler {
	return &Handler{
		gate:       deps.Gate,
		catalog:    deps.Catalog,
		checkout:   deps.Checkout,
		settlement: deps.Settlement,
		orders:     deps.Orders,
		wallet:     deps.Wallet,
		webhook:    deps.Webhook,
		readiness:  deps.Readiness,
		logger:     util.ComponentLogger("api"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/create_checkout", h.createCheckout)
	router.POST("/verify_payment", h.verifyPayment)

	router.GET("/customer-api", h.customerAPI)
	router.POST("/customer-api", h.customerAPI)

	if h.webhook != nil {
		router.POST("/webhooks/stripe", h.webhook.HandleStripe)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, envelope{Code: codeFail, Message: "route not found"})
	})
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := make(gin.H, len(h.readiness))
	ready := true
	for name, dep := range h.readiness {
		if err := dep.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			checks[name] = "unavailable"
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, label := http.StatusOK, "ready"
	if !ready {
		status, label = http.StatusServiceUnavailable, "not_ready"
	}
	c.JSON(status, gin.H{
		"status": label,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

func credentials(c *gin.Context) auth.Credentials {
	return auth.Credentials{
		APIKey:        c.GetHeader("x-api-key"),
		Authorization: c.GetHeader("Authorization"),
	}
}
