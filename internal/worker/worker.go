package worker

import (
	"context"
	"fmt"
	"time"

	"topup-store/internal/broker"
	"topup-store/internal/models"
	"topup-store/internal/service"
	"topup-store/internal/util"

	"go.uber.org/zap"
)

// EventLog remembers which processor events were applied
type EventLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Verifier settles a checkout session
type Verifier interface {
	Verify(ctx context.Context, sessionID string) (*service.VerifyResult, error)
}

// SettlementWorker consumes paid-session events published by the webhook
// endpoint and settles their orders.
type SettlementWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	verifier     Verifier
	events       EventLog
	logger       *zap.Logger
}

// NewSettlementWorker creates a new settlement worker
func NewSettlementWorker(consumer *broker.Consumer, verifier Verifier, events EventLog) *SettlementWorker {
	w := &SettlementWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		verifier:     verifier,
		events:       events,
		logger:       util.ComponentLogger("settlement-worker"),
	}
	w.eventHandler.OnPaymentSessionCompleted(w.HandlePaymentSessionCompleted)
	return w
}

// Start starts the worker
func (w *SettlementWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting settlement worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *SettlementWorker) Stop() error {
	w.logger.Info("Stopping settlement worker")
	return w.consumer.Close()
}

// HandlePaymentSessionCompleted verifies the session and records the
// event only once settlement succeeded, so a failure is retried.
func (w *SettlementWorker) HandlePaymentSessionCompleted(ctx context.Context, event *models.PaymentSessionCompletedEvent) error {
	ctx, span := util.StartSpan(ctx, "SettlementWorker.HandlePaymentSessionCompleted")
	defer span.End()

	processed, err := w.events.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		w.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	result, err := w.verifier.Verify(ctx, event.SessionID)
	if err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("verify session %s: %w", event.SessionID, err)
	}

	if err := w.events.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		w.logger.Error("Failed to mark event processed", zap.Error(err))
	}

	w.logger.Info("Payment session handled",
		zap.String("event_id", event.EventID),
		zap.String("session_id", event.SessionID),
		zap.Bool("verified", result.Verified),
		zap.Bool("order_updated", result.OrderUpdated))
	return nil
}

// Sweeper is the periodic stale order recovery
type Sweeper interface {
	Sweep(ctx context.Context) (*service.SweepReport, error)
}

// SweepWorker runs the sweeper on a fixed interval
type SweepWorker struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *zap.Logger
}

// NewSweepWorker creates a new sweep worker
func NewSweepWorker(sweeper Sweeper, interval time.Duration) *SweepWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SweepWorker{
		sweeper:  sweeper,
		interval: interval,
		logger:   util.ComponentLogger("sweep-worker"),
	}
}

// Start sweeps once immediately and then every interval until ctx ends
func (w *SweepWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting sweep worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)

		select {
		case <-ctx.Done():
			w.logger.Info("Stopping sweep worker")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *SweepWorker) runOnce(ctx context.Context) {
	if _, err := w.sweeper.Sweep(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("Sweep finished with errors", zap.Error(err))
	}
}
