package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-svc/cache"
	"checkout-svc/circuitbreaker"
	"checkout-svc/commission"
	"checkout-svc/database"
	"checkout-svc/gateway"
	"checkout-svc/handlers"
	"checkout-svc/idempotency"
	"checkout-svc/kafka"
	"checkout-svc/middleware"
	"checkout-svc/orchestrator"
	"checkout-svc/reconciler"
	"checkout-svc/repository"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize database
	db, err := database.InitDB(logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Initialize Redis. The service still runs without it: breaker and
	// idempotency state fall back to process-local instances.
	rdb, err := cache.InitRedis(logger)
	if err != nil {
		logger.Warn("Redis unavailable, falling back to in-process state", zap.Error(err))
		rdb = nil
	} else {
		defer rdb.Close()
	}

	// Initialize Kafka producer
	producer, err := kafka.InitProducer(logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	// Initialize Kafka consumer
	consumer, err := kafka.InitConsumer(logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing("checkout-service")
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	// Repositories
	orders := repository.NewOrderRepository(db)
	payments := repository.NewPaymentRepository(db)
	commissions := repository.NewCommissionRepository(db)
	referrals := repository.NewReferralRepository(db)

	// Payment path: breaker-gated client, idempotent orchestration
	breaker := circuitbreaker.InitBreaker(rdb, logger)
	store := idempotency.InitStore(rdb, logger)
	paymentClient := gateway.InitPaymentClient(breaker, logger)
	orch := orchestrator.NewPaymentOrchestrator(orders, payments, paymentClient, store, idempotency.ResultTTL(), logger)

	// Reconciliation path: webhooks and payment_events feed the same reconciler
	publisher := kafka.NewOrderEventPublisher(producer, logger)
	pipeline := commission.InitPipeline(commissions, referrals, logger)
	rec := reconciler.NewReconciler(orders, payments, pipeline, publisher, logger)

	// Start Kafka consumer in background
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	go func() {
		if err := kafka.StartConsumer(consumerCtx, consumer, rec, logger); err != nil {
			logger.Error("Kafka consumer error", zap.Error(err))
		}
	}()

	// Setup REST API with Gin
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware("checkout-service"))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	// Health check endpoint
	router.GET("/health", handlers.HealthCheck)

	// Metrics endpoint
	router.GET("/metrics", middleware.PrometheusHandler())

	orderHandler := handlers.NewOrderHandler(orders, commissions, orch, publisher, logger)
	webhookHandler := handlers.NewWebhookHandler(rec, logger)

	// Client-facing endpoints
	protected := router.Group("/")
	protected.Use(middleware.AuthMiddleware())
	{
		protected.POST("/orders", orderHandler.CreateOrder)
		protected.GET("/orders/:id", orderHandler.GetOrder)
		protected.POST("/orders/:id/payment", orderHandler.CreatePayment)
		protected.GET("/orders/:id/payment", orderHandler.GetPayment)
		protected.GET("/orders/:id/commission", orderHandler.GetCommission)
	}

	// Payment-side endpoints
	internal := router.Group("/")
	internal.Use(middleware.RequireAPIKey())
	{
		internal.POST("/webhooks/payment", webhookHandler.HandlePaymentWebhook)
		internal.POST("/internal/payment-status", webhookHandler.UpdatePaymentStatus)
	}

	// Start REST server
	port := getEnv("PORT", "8084")
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start REST server", zap.Error(err))
		}
	}()

	logger.Info("Checkout Service started on :" + port)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	stopConsumer()

	logger.Info("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
