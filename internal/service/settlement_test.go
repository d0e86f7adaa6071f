package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"topup-store/internal/apperr"
	"topup-store/internal/models"
	"topup-store/internal/payment"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRoundTrip(t *testing.T) {
	h := newHarness(t)
	card := h.store.addProduct("Game Card $10", decimal.NewFromInt(10), 3)
	user := userPtr()

	res, err := h.buy(t, user, card, 2)
	require.NoError(t, err)
	assert.NotEmpty(t, res.URL)
	require.Len(t, h.events.created, 1)

	h.processor.pay(res.SessionID, "buyer@example.com", "Buyer")

	result, err := h.reconciler.Verify(context.Background(), res.SessionID)
	require.NoError(t, err)

	assert.True(t, result.Verified)
	assert.True(t, result.OrderUpdated)
	assert.Equal(t, payment.StatusPaid, result.Status)
	assert.Equal(t, "pi_"+res.SessionID, result.PaymentIntentID)
	assert.Equal(t, "buyer@example.com", result.CustomerEmail)
	assert.Equal(t, "Buyer", result.CustomerName)
	require.NotNil(t, result.Amount)
	assert.True(t, decimal.NewFromInt(20).Equal(*result.Amount))

	order := h.store.order(res.OrderID)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	require.NotNil(t, order.CustomerEmail)
	assert.Equal(t, "buyer@example.com", *order.CustomerEmail)

	units := h.store.stockForOrder(res.OrderID)
	require.Len(t, units, 2)
	for _, u := range units {
		assert.Equal(t, models.StockSold, u.Status)
	}
	assert.Equal(t, 1, h.store.countByStatus(card, models.StockAvailable))

	txns := h.store.transactionsFor(*user)
	require.Len(t, txns, 1)
	assert.Equal(t, models.WalletTxDeposit, txns[0].Type)
	assert.Equal(t, res.OrderID, *txns[0].OrderID)
	assert.True(t, decimal.NewFromInt(20).Equal(txns[0].BalanceAfter))
	assert.Equal(t, 1, h.store.notificationCount())
	assert.Equal(t, 1, h.events.settledCount())
}

func TestVerifyUnpaidIsSideEffectFree(t *testing.T) {
	h := newHarness(t)
	card := h.store.addProduct("Game Card $10", decimal.NewFromInt(10), 1)
	user := userPtr()

	res, err := h.buy(t, user, card, 1)
	require.NoError(t, err)
	before := h.store.order(res.OrderID)

	result, err := h.reconciler.Verify(context.Background(), res.SessionID)
	require.NoError(t, err)

	assert.False(t, result.Verified)
	assert.False(t, result.OrderUpdated)
	assert.Equal(t, payment.StatusUnpaid, result.Status)
	assert.Equal(t, before, h.store.order(res.OrderID))
	assert.Equal(t, models.StockReserved, h.store.stockForOrder(res.OrderID)[0].Status)
	assert.Empty(t, h.store.transactionsFor(*user))
	assert.Zero(t, h.store.notificationCount())
}

func TestVerifyDuplicateDeliveryCreditsOnce(t *testing.T) {
	h := newHarness(t)
	card := h.store.addProduct("Game Card $10", decimal.NewFromInt(10), 1)
	user := userPtr()

	res, err := h.buy(t, user, card, 1)
	require.NoError(t, err)
	h.processor.pay(res.SessionID, "buyer@example.com", "Buyer")

	first, err := h.reconciler.Verify(context.Background(), res.SessionID)
	require.NoError(t, err)
	second, err := h.reconciler.Verify(context.Background(), res.SessionID)
	require.NoError(t, err)

	assert.True(t, first.OrderUpdated)
	assert.True(t, second.Verified)
	assert.False(t, second.OrderUpdated)

	balance, err := h.store.GetBalance(context.Background(), *user)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(balance))
	assert.Len(t, h.store.transactionsFor(*user), 1)
	assert.Equal(t, 1, h.store.notificationCount())
}

func TestVerifyConcurrentCallsSettleOnce(t *testing.T) {
	h := newHarness(t)
	card := h.store.addProduct("Game Card $10", decimal.NewFromInt(10), 1)
	user := userPtr()

	res, err := h.buy(t, user, card, 1)
	require.NoError(t, err)
	h.processor.pay(res.SessionID, "buyer@example.com", "Buyer")

	const callers = 20
	var (
		wg      sync.WaitGroup
		updated int64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.reconciler.Verify(context.Background(), res.SessionID)
			if !assert.NoError(t, err) {
				return
			}
			assert.True(t, result.Verified)
			if result.OrderUpdated {
				atomic.AddInt64(&updated, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), updated)
	assert.Len(t, h.store.transactionsFor(*user), 1)
	assert.Equal(t, 1, h.store.notificationCount())
	assert.Equal(t, 1, h.events.settledCount())
}

func TestVerifyPaidSessionWithoutOrder(t *testing.T) {
	h := newHarness(t)
	h.processor.addPaidSession("cs_orphan", decimal.NewFromInt(10))

	_, err := h.reconciler.Verify(context.Background(), "cs_orphan")

	appErr := apperr.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperr.CodeOrderLookupFailed, appErr.Code())
	assert.Equal(t, 500, appErr.HTTPStatus())
}

func TestVerifyFindsUnattachedOrderByMetadata(t *testing.T) {
	h := newHarness(t)
	card := h.store.addProduct("Game Card $10", decimal.NewFromInt(10), 1)
	user := userPtr()

	order, err := h.orders.Create(context.Background(), CreateOrderInput{
		UserID: user,
		Items:  []OrderItemInput{{ProductID: card, Quantity: 1}},
	})
	require.NoError(t, err)
	_, err = h.ledger.Reserve(context.Background(), card, 1, user, order.ID)
	require.NoError(t, err)

	// The session exists at the processor but attaching it never happened.
	session, err := h.processor.CreateCheckoutSession(context.Background(), payment.SessionParams{
		OrderID: order.ID, Items: order.Items, Currency: order.Currency,
	})
	require.NoError(t, err)
	h.processor.pay(session.ID, "buyer@example.com", "Buyer")

	result, err := h.reconciler.Verify(context.Background(), session.ID)
	require.NoError(t, err)
	assert.True(t, result.OrderUpdated)
	assert.Equal(t, models.OrderStatusCompleted, h.store.order(order.ID).Status)
}

func TestVerifyAnonymousPurchase(t *testing.T) {
	h := newHarness(t)
	card := h.store.addProduct("Game Card $10", decimal.NewFromInt(10), 1)

	res, err := h.buy(t, nil, card, 1)
	require.NoError(t, err)
	h.processor.pay(res.SessionID, "guest@example.com", "Guest")

	result, err := h.reconciler.Verify(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.True(t, result.OrderUpdated)

	units := h.store.stockForOrder(res.OrderID)
	require.Len(t, units, 1)
	assert.Equal(t, models.StockSold, units[0].Status)
	require.NotNil(t, units[0].SoldTo)
	assert.Equal(t, "guest@example.com", *units[0].SoldTo)
	assert.Zero(t, h.store.notificationCount(), "no user to notify")
}

func TestVerifyAnonymousPurchaseWithoutEmail(t *testing.T) {
	h := newHarness(t)
	card := h.store.addProduct("Game Card $10", decimal.NewFromInt(10), 1)

	res, err := h.buy(t, nil, card, 1)
	require.NoError(t, err)
	h.processor.pay(res.SessionID, "", "")

	result, err := h.reconciler.Verify(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.True(t, result.OrderUpdated)

	units := h.store.stockForOrder(res.OrderID)
	require.Len(t, units, 1)
	assert.Equal(t, models.StockSold, units[0].Status)
	require.NotNil(t, units[0].SoldTo)
	assert.Equal(t, "order:"+res.OrderID.String(), *units[0].SoldTo)
}

func TestVerifySettlesNoPaymentRequiredSession(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	card := h.store.addProduct("Game Card $10", decimal.NewFromInt(10), 1)

	res, err := h.buy(t, &user, card, 1)
	require.NoError(t, err)
	h.processor.settle(res.SessionID, payment.StatusNoPaymentRequired, "buyer@example.com", "Buyer")

	result, err := h.reconciler.Verify(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.True(t, result.OrderUpdated)
	assert.Equal(t, models.OrderStatusCompleted, h.store.order(res.OrderID).Status)
}

func TestVerifyTopUpCreditsWallet(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()

	res, err := h.checkout.StartTopUp(context.Background(), user, decimal.NewFromInt(50), "usd")
	require.NoError(t, err)
	h.processor.pay(res.SessionID, "buyer@example.com", "Buyer")

	result, err := h.reconciler.Verify(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.True(t, result.OrderUpdated)

	balance, err := h.store.GetBalance(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(balance))
	assert.Equal(t, int64(0), h.events.settled[0].StockCommitted)
}

func TestVerifySurfacesPersistenceFailure(t *testing.T) {
	h := newHarness(t)
	card := h.store.addProduct("Game Card $10", decimal.NewFromInt(10), 1)

	res, err := h.buy(t, userPtr(), card, 1)
	require.NoError(t, err)
	h.processor.pay(res.SessionID, "buyer@example.com", "Buyer")
	h.store.creditErr = errors.New("connection reset")

	_, err = h.reconciler.Verify(context.Background(), res.SessionID)
	appErr := apperr.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperr.CodePersistence, appErr.Code())
	assert.Equal(t, "internal server error", appErr.PublicMessage())
}

func TestVerifyRequiresSessionID(t *testing.T) {
	h := newHarness(t)
	_, err := h.reconciler.Verify(context.Background(), "  ")
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestVerifyUnknownSessionIsProcessorError(t *testing.T) {
	h := newHarness(t)
	_, err := h.reconciler.Verify(context.Background(), "cs_missing")

	appErr := apperr.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperr.CodeProcessor, appErr.Code())
	assert.Equal(t, 404, appErr.HTTPStatus())
}

// Two units, three concurrent buyers: two settle, one is turned away.
func TestTwoUnitsThreeBuyers(t *testing.T) {
	h := newHarness(t)
	card := h.store.addProduct("Game Card $10", decimal.NewFromInt(10), 2)

	users := []*uuid.UUID{userPtr(), userPtr(), userPtr()}
	results := make([]*CheckoutResult, len(users))
	errs := make([]error, len(users))

	var wg sync.WaitGroup
	for i := range users {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.buy(t, users[i], card, 1)
		}(i)
	}
	wg.Wait()

	var paidUsers []uuid.UUID
	var sessions []string
	rejected := 0
	for i, err := range errs {
		if err != nil {
			assert.True(t, apperr.Is(err, apperr.CodeInsufficientStock), "got %v", err)
			rejected++
			continue
		}
		paidUsers = append(paidUsers, *users[i])
		sessions = append(sessions, results[i].SessionID)
	}
	require.Equal(t, 1, rejected)
	require.Len(t, sessions, 2)

	for _, sid := range sessions {
		h.processor.pay(sid, "buyer@example.com", "Buyer")
	}
	for _, sid := range sessions {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			result, err := h.reconciler.Verify(context.Background(), sid)
			if assert.NoError(t, err) {
				assert.True(t, result.OrderUpdated)
			}
		}(sid)
	}
	wg.Wait()

	for _, u := range paidUsers {
		balance, err := h.store.GetBalance(context.Background(), u)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(10).Equal(balance))
	}
	assert.Equal(t, 2, h.store.countByStatus(card, models.StockSold))
	assert.Zero(t, h.store.countByStatus(card, models.StockAvailable))
	assert.Zero(t, h.store.countByStatus(card, models.StockReserved))
}
