package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product represents a product in the catalog
type Product struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	Name           string          `db:"name" json:"name"`
	Price          decimal.Decimal `db:"price" json:"price"`
	Category       string          `db:"category" json:"category"`
	ImageURL       string          `db:"image_url" json:"image_url,omitempty"`
	Active         bool            `db:"active" json:"active"`
	AvailableStock int             `db:"available_stock" json:"available_stock"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// StockItemStatus is the lifecycle state of one serialized inventory unit.
type StockItemStatus string

const (
	StockAvailable StockItemStatus = "available"
	StockReserved  StockItemStatus = "reserved"
	StockSold      StockItemStatus = "sold"
)

// StockItem is one individually redeemable unit (e.g. a gift-card code).
type StockItem struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	ProductID  uuid.UUID       `db:"product_id" json:"product_id"`
	Status     StockItemStatus `db:"status" json:"status"`
	ReservedBy *uuid.UUID      `db:"reserved_by" json:"reserved_by,omitempty"`
	ReservedAt *time.Time      `db:"reserved_at" json:"reserved_at,omitempty"`
	OrderID    *uuid.UUID      `db:"order_id" json:"order_id,omitempty"`
	SoldTo     *string         `db:"sold_to" json:"sold_to,omitempty"`
	Code       string          `db:"code" json:"-"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// OrderStatus values. Transitions only leave pending.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

// OrderKind separates stock-bearing purchases from wallet top-ups.
type OrderKind string

const (
	OrderKindPurchase OrderKind = "purchase"
	OrderKindTopUp    OrderKind = "topup"
)

// LineItem is a snapshot of a product at order-creation time.
type LineItem struct {
	ProductID *uuid.UUID      `json:"product_id,omitempty"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	ImageURL  string          `json:"image_url,omitempty"`
}

// Subtotal is price × quantity.
func (li LineItem) Subtotal() decimal.Decimal {
	return li.Price.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// LineItems is stored as a JSONB column on orders.
type LineItems []LineItem

// Total sums the line item subtotals.
func (items LineItems) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}

func (items LineItems) Value() (driver.Value, error) {
	if items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(items)
}

func (items *LineItems) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*items = nil
		return nil
	case []byte:
		return json.Unmarshal(v, items)
	case string:
		return json.Unmarshal([]byte(v), items)
	default:
		return errors.New("line items: unsupported column type")
	}
}

// Order represents a customer order
type Order struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	UserID           *uuid.UUID      `db:"user_id" json:"user_id,omitempty"`
	Kind             OrderKind       `db:"kind" json:"kind"`
	Items            LineItems       `db:"items" json:"items"`
	TotalAmount      decimal.Decimal `db:"total_amount" json:"total_amount"`
	Currency         string          `db:"currency" json:"currency"`
	Status           OrderStatus     `db:"status" json:"status"`
	PaymentSessionID *string         `db:"payment_session_id" json:"payment_session_id,omitempty"`
	PaymentIntentID  *string         `db:"payment_intent_id" json:"payment_intent_id,omitempty"`
	CustomerEmail    *string         `db:"customer_email" json:"customer_email,omitempty"`
	CustomerName     *string         `db:"customer_name" json:"customer_name,omitempty"`
	PlayerID         *string         `db:"player_id" json:"player_id,omitempty"`
	CompletedAt      *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// StockBearing reports whether settlement must commit reserved stock.
func (o *Order) StockBearing() bool {
	return o.Kind == OrderKindPurchase
}

// Profile carries the wallet balance of a user. Version guards the
// balance column against lost updates.
type Profile struct {
	UserID    uuid.UUID       `db:"user_id" json:"user_id"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	Version   int64           `db:"version" json:"-"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Wallet transaction types
const (
	WalletTxDeposit = "deposit"
)

// WalletTransaction is an append-only ledger row.
type WalletTransaction struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	UserID       uuid.UUID       `db:"user_id" json:"user_id"`
	Amount       decimal.Decimal `db:"amount" json:"amount"`
	Type         string          `db:"type" json:"type"`
	Description  string          `db:"description" json:"description"`
	OrderID      *uuid.UUID      `db:"order_id" json:"order_id,omitempty"`
	BalanceAfter decimal.Decimal `db:"balance_after" json:"balance_after"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// Notification types
const (
	NotificationPaymentCompleted = "payment_completed"
)

// Notification is a user-facing message; a nil UserID is a broadcast.
type Notification struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	UserID    *uuid.UUID      `db:"user_id" json:"user_id,omitempty"`
	Type      string          `db:"type" json:"type"`
	Title     string          `db:"title" json:"title"`
	Message   string          `db:"message" json:"message"`
	IsRead    bool            `db:"is_read" json:"is_read"`
	Metadata  json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// APIKey is a pre-issued catalog credential. Only the SHA-256 digest of
// the key is stored.
type APIKey struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	Name       string     `db:"name" json:"name"`
	KeyHash    string     `db:"key_hash" json:"-"`
	Active     bool       `db:"is_active" json:"is_active"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
