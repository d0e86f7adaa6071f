package service

import (
	"context"
	"time"

	"topup-store/internal/models"
	"topup-store/internal/payment"
	"topup-store/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InventoryStore is the persistence the inventory ledger needs.
type InventoryStore interface {
	GetProductByID(ctx context.Context, id uuid.UUID) (*models.Product, error)
	CountAvailableStock(ctx context.Context, productID uuid.UUID) (int, error)
	ClaimStockItem(ctx context.Context, productID, orderID uuid.UUID, reservedBy *uuid.UUID) (uuid.UUID, bool, error)
	ReleaseStockItems(ctx context.Context, ids []uuid.UUID) (int64, error)
	ReleaseOrderStock(ctx context.Context, orderID uuid.UUID) (int64, error)
	CommitOrderStock(ctx context.Context, orderID uuid.UUID, fallbackBuyer *string) (int64, error)
}

// OrderStore is the persistence behind the order aggregate.
type OrderStore interface {
	GetProductsByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Product, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error)
	AttachPaymentSession(ctx context.Context, orderID uuid.UUID, sessionID string) (bool, error)
	CompleteOrder(ctx context.Context, orderID uuid.UUID, paymentIntentID string, customerEmail, customerName *string) (bool, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID) (bool, error)
	FindPendingOrdersBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
	GetOrderStockItems(ctx context.Context, orderID uuid.UUID) ([]models.StockItem, error)
}

// CatalogStore lists sellable products.
type CatalogStore interface {
	GetActiveProducts(ctx context.Context) ([]models.Product, error)
}

// WalletStore reads and credits wallet balances.
type WalletStore interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	CreditWallet(ctx context.Context, credit store.WalletCredit) (*models.WalletTransaction, error)
	GetWalletTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.WalletTransaction, error)
}

// NotificationStore persists user notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
}

// CatalogCache holds the rendered product listing.
type CatalogCache interface {
	GetCatalog(ctx context.Context) ([]models.Product, bool, error)
	SetCatalog(ctx context.Context, products []models.Product, ttl time.Duration) error
	InvalidateCatalog(ctx context.Context) error
}

// Locker serializes work across processes.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// PaymentProcessor is the hosted checkout contract.
type PaymentProcessor interface {
	CreateCheckoutSession(ctx context.Context, params payment.SessionParams) (*payment.Session, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*payment.Session, error)
	ExpireCheckoutSession(ctx context.Context, sessionID string) error
}

// EventPublisher emits order lifecycle events.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderSettled(ctx context.Context, event *models.OrderSettledEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
}

type noopPublisher struct{}

func (noopPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error {
	return nil
}

func (noopPublisher) PublishOrderSettled(context.Context, *models.OrderSettledEvent) error {
	return nil
}

func (noopPublisher) PublishOrderCancelled(context.Context, *models.OrderCancelledEvent) error {
	return nil
}

func publisherOrNoop(p EventPublisher) EventPublisher {
	if p == nil {
		return noopPublisher{}
	}
	return p
}
