package service

import (
	"context"
	"errors"
	"strings"

	"topup-store/internal/apperr"
	"topup-store/internal/models"
	"topup-store/internal/store"
	"topup-store/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrderService owns the order record and its status transitions
type OrderService struct {
	store           OrderStore
	defaultCurrency string
	logger          *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(store OrderStore, defaultCurrency string) *OrderService {
	if defaultCurrency == "" {
		defaultCurrency = "usd"
	}
	return &OrderService{
		store:           store,
		defaultCurrency: strings.ToLower(defaultCurrency),
		logger:          util.ComponentLogger("orders"),
	}
}

// OrderItemInput is one requested product and quantity
type OrderItemInput struct {
	ProductID uuid.UUID
	Quantity  int
}

// CreateOrderInput represents a request to create a purchase order
type CreateOrderInput struct {
	UserID   *uuid.UUID
	Items    []OrderItemInput
	Currency string
	PlayerID *string
}

// Create validates the items against the catalog, snapshots current
// prices into the order and stores it as pending. Stock is not reserved
// here.
func (s *OrderService) Create(ctx context.Context, in CreateOrderInput) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Create")
	defer span.End()

	items, err := mergeItems(in.Items)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	ids := make([]uuid.UUID, len(items))
	for i, item := range items {
		ids[i] = item.ProductID
	}

	products, err := s.store.GetProductsByIDs(ctx, ids)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, apperr.Wrap(apperr.CodePersistence, err, "load products")
	}
	byID := make(map[uuid.UUID]int, len(products))
	for i, p := range products {
		byID[p.ID] = i
	}

	lineItems := make(models.LineItems, 0, len(items))
	for _, item := range items {
		idx, ok := byID[item.ProductID]
		if !ok || !products[idx].Active {
			util.OrdersFailedTotal.WithLabelValues("product_not_found").Inc()
			return nil, apperr.Newf(apperr.CodeProductNotFound, "product %s not found", item.ProductID)
		}
		product := products[idx]
		productID := product.ID
		lineItems = append(lineItems, models.LineItem{
			ProductID: &productID,
			Name:      product.Name,
			Price:     product.Price,
			Quantity:  item.Quantity,
			ImageURL:  product.ImageURL,
		})
	}

	order := &models.Order{
		ID:          uuid.New(),
		UserID:      in.UserID,
		Kind:        models.OrderKindPurchase,
		Items:       lineItems,
		TotalAmount: lineItems.Total(),
		Currency:    s.currency(in.Currency),
		Status:      models.OrderStatusPending,
		PlayerID:    in.PlayerID,
	}
	if err := s.insert(ctx, order); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return order, nil
}

// CreateTopUp stores a pending wallet top-up order carrying one
// synthetic line item and no stock linkage.
func (s *OrderService) CreateTopUp(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateTopUp")
	defer span.End()

	if !amount.IsPositive() {
		return nil, apperr.New(apperr.CodeValidation, "amount must be positive")
	}

	items := models.LineItems{{
		Name:     "Wallet top-up",
		Price:    amount.Round(2),
		Quantity: 1,
	}}
	order := &models.Order{
		ID:          uuid.New(),
		UserID:      &userID,
		Kind:        models.OrderKindTopUp,
		Items:       items,
		TotalAmount: items.Total(),
		Currency:    s.currency(currency),
		Status:      models.OrderStatusPending,
	}
	if err := s.insert(ctx, order); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return order, nil
}

func (s *OrderService) insert(ctx context.Context, order *models.Order) error {
	if err := s.store.CreateOrder(ctx, order); err != nil {
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return apperr.Wrap(apperr.CodePersistence, err, "create order")
	}

	util.OrdersCreatedTotal.WithLabelValues(string(order.Kind)).Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID.String()),
		zap.String("kind", string(order.Kind)),
		zap.String("total", order.TotalAmount.StringFixed(2)))
	return nil
}

// AttachSession records the payment session id on a pending order
func (s *OrderService) AttachSession(ctx context.Context, orderID uuid.UUID, sessionID string) error {
	ok, err := s.store.AttachPaymentSession(ctx, orderID, sessionID)
	if err != nil {
		return apperr.Wrap(apperr.CodePersistence, err, "attach payment session")
	}
	if !ok {
		return apperr.Newf(apperr.CodeOrderNotPending, "order %s is not pending", orderID)
	}
	return nil
}

// Complete is the only transition into completed. The store applies it
// as a conditional update on status = pending, so of several concurrent
// callers exactly one gets true; the rest get false and must treat the
// order as already settled.
func (s *OrderService) Complete(ctx context.Context, orderID uuid.UUID, paymentIntentID string, customerEmail, customerName *string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Complete", attribute.String("order_id", orderID.String()))
	defer span.End()

	updated, err := s.store.CompleteOrder(ctx, orderID, paymentIntentID, customerEmail, customerName)
	if err != nil {
		util.RecordSpanError(span, err)
		return false, apperr.Wrap(apperr.CodePersistence, err, "complete order")
	}
	return updated, nil
}

// Cancel moves a pending order to cancelled with the same guard as Complete
func (s *OrderService) Cancel(ctx context.Context, orderID uuid.UUID) (bool, error) {
	cancelled, err := s.store.CancelOrder(ctx, orderID)
	if err != nil {
		return false, apperr.Wrap(apperr.CodePersistence, err, "cancel order")
	}
	return cancelled, nil
}

// GetBySessionID finds the order a payment session belongs to
func (s *OrderService) GetBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	order, err := s.store.GetOrderBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Newf(apperr.CodeNotFound, "no order for session %s", sessionID)
		}
		return nil, apperr.Wrap(apperr.CodePersistence, err, "get order by session")
	}
	return order, nil
}

// FulfilledCode is a sold unit's redeemable secret
type FulfilledCode struct {
	ProductID uuid.UUID `json:"product_id"`
	Code      string    `json:"code"`
}

// OrderView is an order as its owner sees it
type OrderView struct {
	*models.Order
	Codes []FulfilledCode `json:"codes,omitempty"`
}

// Get returns the caller's order. Orders of other users are reported as
// not found.
func (s *OrderService) Get(ctx context.Context, userID, orderID uuid.UUID) (*OrderView, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Get")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Newf(apperr.CodeNotFound, "order %s not found", orderID)
		}
		util.RecordSpanError(span, err)
		return nil, apperr.Wrap(apperr.CodePersistence, err, "get order")
	}
	if order.UserID == nil || *order.UserID != userID {
		return nil, apperr.Newf(apperr.CodeNotFound, "order %s not found", orderID)
	}

	view := &OrderView{Order: order}
	if order.Status != models.OrderStatusCompleted || !order.StockBearing() {
		return view, nil
	}

	units, err := s.store.GetOrderStockItems(ctx, orderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePersistence, err, "get order stock items")
	}
	for _, unit := range units {
		if unit.Status == models.StockSold {
			view.Codes = append(view.Codes, FulfilledCode{ProductID: unit.ProductID, Code: unit.Code})
		}
	}
	return view, nil
}

func (s *OrderService) currency(requested string) string {
	if c := strings.ToLower(strings.TrimSpace(requested)); c != "" {
		return c
	}
	return s.defaultCurrency
}

// mergeItems rejects empty or non-positive requests and folds repeated
// products into one line, keeping first-seen order.
func mergeItems(items []OrderItemInput) ([]OrderItemInput, error) {
	if len(items) == 0 {
		return nil, apperr.New(apperr.CodeValidation, "at least one item is required")
	}

	merged := make([]OrderItemInput, 0, len(items))
	index := make(map[uuid.UUID]int, len(items))
	for _, item := range items {
		if item.ProductID == uuid.Nil {
			return nil, apperr.New(apperr.CodeValidation, "product_id is required")
		}
		if item.Quantity <= 0 {
			return nil, apperr.New(apperr.CodeValidation, "quantity must be positive")
		}
		if i, ok := index[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged, nil
}
