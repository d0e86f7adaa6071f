package service

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"topup-store/internal/apperr"
	"topup-store/internal/models"
	"topup-store/internal/payment"
	"topup-store/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// memStore mirrors the SQL store, including its conditional updates, so
// concurrency properties can be checked without a database.
type memStore struct {
	mu            sync.Mutex
	products      map[uuid.UUID]models.Product
	stock         []*models.StockItem
	orders        map[uuid.UUID]*models.Order
	balances      map[uuid.UUID]decimal.Decimal
	txns          []models.WalletTransaction
	notifications []models.Notification

	creditErr error
}

func newMemStore() *memStore {
	return &memStore{
		products: make(map[uuid.UUID]models.Product),
		orders:   make(map[uuid.UUID]*models.Order),
		balances: make(map[uuid.UUID]decimal.Decimal),
	}
}

func (m *memStore) addProduct(name string, price decimal.Decimal, units int) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New()
	m.products[id] = models.Product{ID: id, Name: name, Price: price, Category: "gift-cards", Active: true, CreatedAt: time.Now()}
	for i := 0; i < units; i++ {
		m.stock = append(m.stock, &models.StockItem{
			ID:        uuid.New(),
			ProductID: id,
			Status:    models.StockAvailable,
			Code:      fmt.Sprintf("CODE-%s-%d", name, i),
			CreatedAt: time.Now(),
		})
	}
	return id
}

func (m *memStore) setPrice(id uuid.UUID, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.products[id]
	p.Price = price
	m.products[id] = p
}

func (m *memStore) deactivate(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.products[id]
	p.Active = false
	m.products[id] = p
}

func (m *memStore) availableLocked(productID uuid.UUID) int {
	n := 0
	for _, item := range m.stock {
		if item.ProductID == productID && item.Status == models.StockAvailable {
			n++
		}
	}
	return n
}

func (m *memStore) countByStatus(productID uuid.UUID, status models.StockItemStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, item := range m.stock {
		if item.ProductID == productID && item.Status == status {
			n++
		}
	}
	return n
}

func (m *memStore) stockForOrder(orderID uuid.UUID) []models.StockItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StockItem
	for _, item := range m.stock {
		if item.OrderID != nil && *item.OrderID == orderID {
			out = append(out, *item)
		}
	}
	return out
}

func (m *memStore) order(id uuid.UUID) models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.orders[id]
}

func (m *memStore) allOrders() []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out
}

func (m *memStore) ageOrder(id uuid.UUID, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[id].CreatedAt = m.orders[id].CreatedAt.Add(-by)
}

func (m *memStore) transactionsFor(userID uuid.UUID) []models.WalletTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WalletTransaction
	for _, t := range m.txns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

func (m *memStore) notificationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifications)
}

func (m *memStore) GetProductByID(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
	}
	p.AvailableStock = m.availableLocked(id)
	return &p, nil
}

func (m *memStore) GetProductsByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Product
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			p.AvailableStock = m.availableLocked(id)
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) GetActiveProducts(ctx context.Context) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Product
	for _, p := range m.products {
		if p.Active {
			p.AvailableStock = m.availableLocked(p.ID)
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) CountAvailableStock(ctx context.Context, productID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableLocked(productID), nil
}

func (m *memStore) ClaimStockItem(ctx context.Context, productID, orderID uuid.UUID, reservedBy *uuid.UUID) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.stock {
		if item.ProductID == productID && item.Status == models.StockAvailable {
			now := time.Now()
			oid := orderID
			item.Status = models.StockReserved
			item.ReservedBy = reservedBy
			item.ReservedAt = &now
			item.OrderID = &oid
			return item.ID, true, nil
		}
	}
	return uuid.Nil, false, nil
}

func (m *memStore) ReleaseStockItems(ctx context.Context, ids []uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var n int64
	for _, item := range m.stock {
		if want[item.ID] && item.Status == models.StockReserved {
			release(item)
			n++
		}
	}
	return n, nil
}

func (m *memStore) ReleaseOrderStock(ctx context.Context, orderID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, item := range m.stock {
		if item.OrderID != nil && *item.OrderID == orderID && item.Status == models.StockReserved {
			release(item)
			n++
		}
	}
	return n, nil
}

func release(item *models.StockItem) {
	item.Status = models.StockAvailable
	item.ReservedBy = nil
	item.ReservedAt = nil
	item.OrderID = nil
}

func (m *memStore) CommitOrderStock(ctx context.Context, orderID uuid.UUID, fallbackBuyer *string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, item := range m.stock {
		if item.OrderID != nil && *item.OrderID == orderID && item.Status == models.StockReserved {
			item.Status = models.StockSold
			if item.ReservedBy != nil {
				buyer := item.ReservedBy.String()
				item.SoldTo = &buyer
			} else if fallbackBuyer != nil {
				item.SoldTo = fallbackBuyer
			} else {
				buyer := "order:" + orderID.String()
				item.SoldTo = &buyer
			}
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetOrderStockItems(ctx context.Context, orderID uuid.UUID) ([]models.StockItem, error) {
	return m.stockForOrder(orderID), nil
}

func (m *memStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	order.CreatedAt = now
	order.UpdatedAt = now
	stored := *order
	m.orders[order.ID] = &stored
	return nil
}

func (m *memStore) GetOrderByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.PaymentSessionID != nil && *o.PaymentSessionID == sessionID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("order %s: %w", sessionID, store.ErrNotFound)
}

func (m *memStore) AttachPaymentSession(ctx context.Context, orderID uuid.UUID, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != models.OrderStatusPending {
		return false, nil
	}
	sid := sessionID
	o.PaymentSessionID = &sid
	return true, nil
}

func (m *memStore) CompleteOrder(ctx context.Context, orderID uuid.UUID, paymentIntentID string, email, name *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != models.OrderStatusPending {
		return false, nil
	}
	now := time.Now()
	pi := paymentIntentID
	o.Status = models.OrderStatusCompleted
	o.PaymentIntentID = &pi
	o.CustomerEmail = email
	o.CustomerName = name
	o.CompletedAt = &now
	return true, nil
}

func (m *memStore) CancelOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != models.OrderStatusPending {
		return false, nil
	}
	o.Status = models.OrderStatusCancelled
	return true, nil
}

func (m *memStore) FindPendingOrdersBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.Status == models.OrderStatusPending && o.CreatedAt.Before(cutoff) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *memStore) CreditWallet(ctx context.Context, credit store.WalletCredit) (*models.WalletTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creditErr != nil {
		return nil, m.creditErr
	}
	balance := m.balances[credit.UserID].Add(credit.Amount)
	m.balances[credit.UserID] = balance
	txn := models.WalletTransaction{
		ID:           uuid.New(),
		UserID:       credit.UserID,
		Amount:       credit.Amount,
		Type:         credit.Type,
		Description:  credit.Description,
		OrderID:      credit.OrderID,
		BalanceAfter: balance,
		CreatedAt:    time.Now(),
	}
	m.txns = append(m.txns, txn)
	return &txn, nil
}

func (m *memStore) GetWalletTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.WalletTransaction, error) {
	txns := m.transactionsFor(userID)
	if len(txns) > limit {
		txns = txns[len(txns)-limit:]
	}
	return txns, nil
}

func (m *memStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.CreatedAt = time.Now()
	m.notifications = append(m.notifications, *n)
	return nil
}

type fakeProcessor struct {
	mu        sync.Mutex
	sessions  map[string]*payment.Session
	seq       int
	createErr error
	getErr    map[string]error
	expired   []string
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{sessions: make(map[string]*payment.Session), getErr: make(map[string]error)}
}

func (p *fakeProcessor) CreateCheckoutSession(ctx context.Context, params payment.SessionParams) (*payment.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.seq++
	id := fmt.Sprintf("cs_test_%d", p.seq)
	s := &payment.Session{
		ID:            id,
		URL:           "https://checkout.test/" + id,
		Status:        payment.SessionOpen,
		PaymentStatus: payment.StatusUnpaid,
		AmountTotal:   params.Items.Total(),
		Currency:      params.Currency,
		CustomerEmail: params.CustomerEmail,
		OrderID:       params.OrderID.String(),
	}
	p.sessions[id] = s
	cp := *s
	return &cp, nil
}

func (p *fakeProcessor) GetCheckoutSession(ctx context.Context, sessionID string) (*payment.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.getErr[sessionID]; err != nil {
		return nil, err
	}
	s, ok := p.sessions[sessionID]
	if !ok {
		return nil, apperr.New(apperr.CodeProcessor, "No such checkout.session").WithStatus(http.StatusNotFound)
	}
	cp := *s
	return &cp, nil
}

func (p *fakeProcessor) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[sessionID]; ok {
		s.Status = payment.SessionExpired
	}
	p.expired = append(p.expired, sessionID)
	return nil
}

// pay marks the session as paid by the given customer.
func (p *fakeProcessor) pay(sessionID, email, name string) {
	p.settle(sessionID, payment.StatusPaid, email, name)
}

// settle completes the session with the given payment status.
func (p *fakeProcessor) settle(sessionID, paymentStatus, email, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.sessions[sessionID]
	s.Status = payment.SessionComplete
	s.PaymentStatus = paymentStatus
	s.PaymentIntentID = "pi_" + sessionID
	s.CustomerEmail = email
	s.CustomerName = name
}

// addPaidSession registers a paid session that no order knows about.
func (p *fakeProcessor) addPaidSession(id string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[id] = &payment.Session{
		ID:              id,
		Status:          payment.SessionComplete,
		PaymentStatus:   payment.StatusPaid,
		PaymentIntentID: "pi_" + id,
		AmountTotal:     amount,
		Currency:        "usd",
	}
}

type fakePublisher struct {
	mu        sync.Mutex
	created   []*models.OrderCreatedEvent
	settled   []*models.OrderSettledEvent
	cancelled []*models.OrderCancelledEvent
}

func (f *fakePublisher) PublishOrderCreated(ctx context.Context, e *models.OrderCreatedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, e)
	return nil
}

func (f *fakePublisher) PublishOrderSettled(ctx context.Context, e *models.OrderSettledEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, e)
	return nil
}

func (f *fakePublisher) PublishOrderCancelled(ctx context.Context, e *models.OrderCancelledEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, e)
	return nil
}

func (f *fakePublisher) settledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.settled)
}

type fakeCache struct {
	mu            sync.Mutex
	products      []models.Product
	cached        bool
	invalidations int
}

func (c *fakeCache) GetCatalog(ctx context.Context) ([]models.Product, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.products, c.cached, nil
}

func (c *fakeCache) SetCatalog(ctx context.Context, products []models.Product, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = products
	c.cached = true
	return nil
}

func (c *fakeCache) InvalidateCatalog(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = nil
	c.cached = false
	c.invalidations++
	return nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]string)}
}

func (l *fakeLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[key] = token
	return token, true, nil
}

func (l *fakeLocker) ReleaseLock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

type harness struct {
	store      *memStore
	processor  *fakeProcessor
	events     *fakePublisher
	cache      *fakeCache
	orders     *OrderService
	ledger     *InventoryLedger
	broker     *CheckoutBroker
	reconciler *SettlementReconciler
	checkout   *CheckoutService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:     newMemStore(),
		processor: newFakeProcessor(),
		events:    &fakePublisher{},
		cache:     &fakeCache{},
	}
	h.orders = NewOrderService(h.store, "usd")
	h.ledger = NewInventoryLedger(h.store, h.cache)
	h.broker = NewCheckoutBroker(h.processor, h.orders)
	h.reconciler = NewSettlementReconciler(h.processor, h.orders, h.ledger, h.store, h.store, h.events)
	h.checkout = NewCheckoutService(h.orders, h.ledger, h.broker, h.events, decimal.NewFromInt(10000))
	return h
}

func (h *harness) buy(t *testing.T, userID *uuid.UUID, productID uuid.UUID, qty int) (*CheckoutResult, error) {
	t.Helper()
	return h.checkout.StartCheckout(context.Background(), userID, CheckoutRequest{
		Items: []OrderItemInput{{ProductID: productID, Quantity: qty}},
	})
}

func userPtr() *uuid.UUID {
	id := uuid.New()
	return &id
}
