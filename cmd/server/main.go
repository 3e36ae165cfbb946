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

	"marketplace-order-service/config"
	"marketplace-order-service/internal/api"
	"marketplace-order-service/internal/broker"
	"marketplace-order-service/internal/carrier"
	"marketplace-order-service/internal/payment"
	"marketplace-order-service/internal/realtime"
	"marketplace-order-service/internal/redisclient"
	"marketplace-order-service/internal/service"
	"marketplace-order-service/internal/store"
	"marketplace-order-service/internal/util"
	"marketplace-order-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting marketplace order service")

	tp, err := util.InitTracer("marketplace-order-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	eventPublisher := broker.NewEventPublisher(producer)
	log.Println("Kafka producer initialized")

	hub := realtime.NewHub(redisClient, realtime.WithLogger(logger))
	if err := hub.Start(); err != nil {
		log.Fatalf("Failed to start realtime hub: %v", err)
	}
	defer hub.Stop()

	carrierClient := carrier.NewHTTPClient(
		cfg.Carrier.BaseURL, cfg.Carrier.APIKey,
		time.Duration(cfg.Carrier.TimeoutSeconds)*time.Second)
	reconciler := carrier.NewReconciler(db, carrierClient,
		time.Duration(cfg.Carrier.TimeoutSeconds)*time.Second, logger)

	processor := payment.NewHTTPProcessor(
		cfg.Payment.BaseURL, cfg.Payment.KeyID, cfg.Payment.KeySecret,
		time.Duration(cfg.Payment.TimeoutSeconds)*time.Second)
	paymentWindow := time.Duration(cfg.Business.PaymentWindowMinutes) * time.Minute
	coordinator := payment.NewCoordinator(db, processor, paymentWindow, logger)

	orderService := service.NewOrderService(
		db, redisClient, hub, eventPublisher, reconciler, carrierClient, coordinator,
		paymentWindow, cfg.Business.PaymentWinsTie)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	carrierConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCarrier, cfg.Kafka.ConsumerGroup)
	carrierWorker := worker.NewCarrierWorker(carrierConsumer, db, orderService)
	go func() {
		if err := carrierWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			log.Printf("Carrier worker error: %v", err)
		}
	}()

	sweepWorker := worker.NewSweepWorker(orderService,
		time.Duration(cfg.Business.SweepIntervalSeconds)*time.Second)
	go func() {
		if err := sweepWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			log.Printf("Sweep worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	sseHandler := realtime.NewSSEHandler(hub,
		time.Duration(cfg.Business.SSEHeartbeatSeconds)*time.Second,
		cfg.Business.MaxSSEClients, logger)
	handler := api.NewHandler(orderService, coordinator, sseHandler)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	carrierWorker.Stop()

	log.Println("Server exited")
}
