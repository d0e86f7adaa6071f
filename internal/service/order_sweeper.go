package service

import (
	"context"
	"fmt"
	"time"

	"topup-store/internal/models"
	"topup-store/internal/util"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	sweepLockKey   = "order-sweeper"
	sweepBatchSize = 100
	sweepLockTTL   = 5 * time.Minute
)

// OrderSweeper recovers orders stuck in pending: paid ones are settled,
// the rest are cancelled and their stock released.
type OrderSweeper struct {
	orders     *OrderService
	ledger     *InventoryLedger
	processor  PaymentProcessor
	reconciler *SettlementReconciler
	locker     Locker
	events     EventPublisher
	timeout    time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewOrderSweeper creates a new sweeper. locker may be nil for a single
// instance deployment.
func NewOrderSweeper(
	orders *OrderService,
	ledger *InventoryLedger,
	processor PaymentProcessor,
	reconciler *SettlementReconciler,
	locker Locker,
	events EventPublisher,
	timeout time.Duration,
) *OrderSweeper {
	return &OrderSweeper{
		orders:     orders,
		ledger:     ledger,
		processor:  processor,
		reconciler: reconciler,
		locker:     locker,
		events:     publisherOrNoop(events),
		timeout:    timeout,
		now:        time.Now,
		logger:     util.ComponentLogger("sweeper"),
	}
}

// SweepReport summarizes one sweep
type SweepReport struct {
	Scanned   int
	Settled   int
	Cancelled int
	Skipped   bool
}

// Sweep processes pending orders older than the timeout. A failure on
// one order is collected and the sweep moves on.
func (s *OrderSweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	ctx, span := util.StartSpan(ctx, "OrderSweeper.Sweep")
	defer span.End()

	report := &SweepReport{}

	if s.locker != nil {
		token, ok, err := s.locker.AcquireLock(ctx, sweepLockKey, sweepLockTTL)
		if err != nil {
			return report, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			s.logger.Debug("Sweep already running elsewhere")
			report.Skipped = true
			return report, nil
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
				s.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	cutoff := s.now().Add(-s.timeout)
	stale, err := s.orders.store.FindPendingOrdersBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		util.RecordSpanError(span, err)
		return report, fmt.Errorf("find stale orders: %w", err)
	}
	report.Scanned = len(stale)

	var errs error
	for i := range stale {
		order := &stale[i]
		settled, cancelled, err := s.sweepOne(ctx, order)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("order %s: %w", order.ID, err))
			continue
		}
		if settled {
			report.Settled++
		}
		if cancelled {
			report.Cancelled++
		}
	}

	if errs != nil {
		util.RecordSpanError(span, errs)
	}
	if report.Scanned > 0 {
		s.logger.Info("Sweep finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("settled", report.Settled),
			zap.Int("cancelled", report.Cancelled),
			zap.Int("failed", len(multierr.Errors(errs))))
	}
	return report, errs
}

func (s *OrderSweeper) sweepOne(ctx context.Context, order *models.Order) (settled, cancelled bool, err error) {
	if order.PaymentSessionID != nil {
		session, err := s.processor.GetCheckoutSession(ctx, *order.PaymentSessionID)
		if err != nil {
			return false, false, err
		}
		if session.Paid() {
			// Never cancel an order the buyer has paid for.
			if _, err := s.reconciler.Verify(ctx, session.ID); err != nil {
				return false, false, err
			}
			return true, false, nil
		}
		// Close the hosted page so the buyer cannot pay for a cancelled order.
		if session.Open() {
			if err := s.processor.ExpireCheckoutSession(ctx, session.ID); err != nil {
				return false, false, err
			}
		}
	}

	ok, err := s.orders.Cancel(ctx, order.ID)
	if err != nil {
		return false, false, err
	}
	if !ok {
		// Settled or cancelled concurrently.
		return false, false, nil
	}
	util.OrdersCancelledTotal.Inc()

	released, err := s.ledger.Release(ctx, order.ID)
	if err != nil {
		return false, true, err
	}

	event := &models.OrderCancelledEvent{
		BaseEvent:     models.NewBaseEvent(models.EventTypeOrderCancelled),
		OrderID:       order.ID,
		Reason:        "payment timeout",
		StockReleased: released,
	}
	if err := s.events.PublishOrderCancelled(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCancelled event", zap.Error(err))
	}

	s.logger.Info("Stale order cancelled",
		zap.String("order_id", order.ID.String()),
		zap.Int64("released", released))
	return false, true, nil
}
