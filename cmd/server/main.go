package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"topup-store/config"
	"topup-store/internal/api"
	"topup-store/internal/auth"
	"topup-store/internal/broker"
	"topup-store/internal/payment"
	"topup-store/internal/redisclient"
	"topup-store/internal/service"
	"topup-store/internal/store"
	"topup-store/internal/util"
	"topup-store/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting topup store", zap.String("env", cfg.Server.Env))

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	// Money fields go over the wire as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true

	maxTopUp, err := decimal.NewFromString(cfg.Business.MaxTopUpAmount)
	if err != nil {
		logger.Fatal("Invalid MAX_TOPUP_AMOUNT", zap.Error(err))
	}

	tp, err := util.InitTracer(util.TracerOptions{
		ServiceName:    "topup-store",
		Environment:    cfg.Server.Env,
		JaegerEndpoint: cfg.Observ.JaegerEndpoint,
		SampleRatio:    cfg.Observ.TraceSampleRatio,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	webhookGuard, err := redisclient.NewEventGuard(redisClient.GetClient(),
		time.Duration(cfg.Business.WebhookGuardTTLSeconds)*time.Second, "stripe-webhook")
	if err != nil {
		logger.Fatal("Failed to create webhook guard", zap.Error(err))
	}

	stripeClient, err := payment.NewClient(cfg.Stripe)
	if err != nil {
		logger.Fatal("Failed to initialize Stripe client", zap.Error(err))
	}
	logger.Info("Stripe client initialized", zap.String("environment", stripeClient.Environment()))

	verifier, err := auth.NewJWTVerifier(cfg.Auth)
	if err != nil {
		logger.Fatal("Failed to initialize token verifier", zap.Error(err))
	}
	gate := auth.NewGate(db, verifier)

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicOrder))

	eventPublisher := broker.NewEventPublisher(producer)

	orderService := service.NewOrderService(db, cfg.Business.DefaultCurrency)
	ledger := service.NewInventoryLedger(db, redisClient)
	checkoutBroker := service.NewCheckoutBroker(stripeClient, orderService)
	checkoutService := service.NewCheckoutService(orderService, ledger, checkoutBroker, eventPublisher, maxTopUp)
	reconciler := service.NewSettlementReconciler(stripeClient, orderService, ledger, db, db, eventPublisher)
	catalogService := service.NewCatalogService(db, redisClient,
		time.Duration(cfg.Business.CatalogCacheTTLSeconds)*time.Second)
	walletService := service.NewWalletService(db, cfg.Business.DefaultCurrency)
	sweeper := service.NewOrderSweeper(orderService, ledger, stripeClient, reconciler, redisClient, eventPublisher,
		time.Duration(cfg.Business.OrderTimeoutSeconds)*time.Second)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	settlementConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	settlementWorker := worker.NewSettlementWorker(settlementConsumer, reconciler, db)
	go func() {
		if err := settlementWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Settlement worker error", zap.Error(err))
		}
	}()

	sweepWorker := worker.NewSweepWorker(sweeper, time.Duration(cfg.Business.SweepIntervalSeconds)*time.Second)
	go func() {
		if err := sweepWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Sweep worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Deps{
		Gate:       gate,
		Catalog:    catalogService,
		Checkout:   checkoutService,
		Settlement: reconciler,
		Orders:     orderService,
		Wallet:     walletService,
		Webhook:    api.NewWebhookHandler(stripeClient, webhookGuard, eventPublisher),
		Readiness: map[string]api.Pinger{
			"postgres": db,
			"redis":    redisClient,
		},
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := settlementWorker.Stop(); err != nil {
		logger.Warn("Settlement worker stop error", zap.Error(err))
	}

	logger.Info("Server exited")
}
