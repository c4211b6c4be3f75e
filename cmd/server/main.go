package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrow-order-service/config"
	"escrow-order-service/internal/api"
	"escrow-order-service/internal/broker"
	"escrow-order-service/internal/models"
	"escrow-order-service/internal/redisclient"
	"escrow-order-service/internal/service"
	"escrow-order-service/internal/store"
	"escrow-order-service/internal/util"
	"escrow-order-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting escrow order service")

	tp, err := util.InitTracer("escrow-order-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	if tp != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	checks := map[string]api.HealthCheck{}

	var repo store.Repository
	if cfg.Database.InMemory() {
		mem := store.NewMemoryStore()
		seedCatalog(mem)
		repo = mem
		logger.Warn("Using in-memory store, state is lost on restart")
	} else {
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if err := db.Migrate(context.Background()); err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
		checks["database"] = db.Ping
		repo = db
		logger.Info("Database connected")
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	checks["redis"] = redisClient.Ping
	logger.Info("Redis connected")

	eventPublisher := broker.NewEventPublisher(
		broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrderEvents),
		broker.NewAsyncProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications),
		broker.NewAsyncProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicChat),
		broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentEvents),
	)
	defer eventPublisher.Close()
	logger.Info("Kafka producers initialized", zap.Strings("brokers", cfg.Kafka.Brokers))

	gateway := service.NewSimulatedGateway(cfg.Gateway.SuccessRate, cfg.Gateway.Latency, cfg.Gateway.CheckoutURL, eventPublisher)

	effects := service.NewEffects(eventPublisher)
	defer effects.Close()

	locks := service.NewOrderLocks(redisClient, cfg.Business.LockTTL, cfg.Business.LockWait)
	orderService := service.NewOrderService(repo, locks, redisClient,
		service.NewInventoryLedger(), service.NewEscrowLedger(gateway), effects)
	paymentService := service.NewPaymentService(orderService, gateway, redisClient, cfg.Business.PaymentTimeout)
	disputeResolver := service.NewDisputeResolver(orderService)
	sagaOrchestrator := service.NewSagaOrchestrator(repo, orderService, paymentService, redisClient)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentEvents, cfg.Kafka.ConsumerGroup)
	paymentWorker := worker.NewPaymentEventWorker(paymentConsumer, sagaOrchestrator)
	go func() {
		if err := paymentWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Payment event worker error", zap.Error(err))
		}
	}()

	sweeper := worker.NewSweeper(orderService, cfg.Business.OrderTimeout, cfg.Business.SweepInterval, cfg.Business.SweepBatchSize)
	go func() {
		if err := sweeper.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Sweeper error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, paymentService, disputeResolver, checks)
	handler.SetupRoutes(router, api.NewTokenManager(cfg.Auth.JWTSecret), cfg.Server.RateLimit)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
	if err := paymentWorker.Stop(); err != nil {
		logger.Error("Failed to stop payment event worker", zap.Error(err))
	}

	logger.Info("Server exited")
}

// seedCatalog gives the in-memory store something to order
func seedCatalog(mem *store.MemoryStore) {
	products := []models.Product{
		{SellerID: 2, Name: "Rattan Chair", Price: 250000, TrackInventory: true, Stock: 10},
		{SellerID: 2, Name: "Abaca Rug", Price: 480000, TrackInventory: true, Stock: 3},
		{SellerID: 3, Name: "Custom Portrait", Price: 150000},
	}
	for _, p := range products {
		seeded := mem.AddProduct(p)
		util.GetLogger().Info("Seeded product",
			zap.Int64("product_id", seeded.ID),
			zap.String("name", seeded.Name))
	}
}
