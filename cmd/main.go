package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/pesaflow/payment-engine/internal/api"
	"github.com/pesaflow/payment-engine/internal/config"
	"github.com/pesaflow/payment-engine/internal/notifier"
	"github.com/pesaflow/payment-engine/internal/repository"
	"github.com/pesaflow/payment-engine/internal/scheduler"
	"github.com/pesaflow/payment-engine/internal/service"
	"github.com/pesaflow/payment-engine/internal/telemetry"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize telemetry
	if err := telemetry.Init("payment-engine"); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting Payment Engine")

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		telemetry.Logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize repository
	repo := repository.NewTransactionRepository(db)
	if err := repo.InitDB(); err != nil {
		telemetry.Logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	// Load gateway integrations
	integrations, err := repository.NewFileIntegrationResolver(cfg.IntegrationsFile)
	if err != nil {
		telemetry.Logger.Fatal("Failed to load integrations", zap.Error(err))
	}

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisURL,
	})

	// Connect to Kafka
	kafkaWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers),
		Topic:    "transaction.status.changed",
		Balancer: &kafka.LeastBytes{},
	}
	defer kafkaWriter.Close()

	// Initialize orchestration services
	orchestrator := service.NewOrchestrator(repo, integrations, notifier.New(), redisClient, kafkaWriter)
	orchestrator.SetMaxRetries(cfg.MaxRetries)
	callbacks := service.NewCallbackProcessor(repo, orchestrator)

	// Start the periodic sweeps
	sweeps := scheduler.New(repo, orchestrator, scheduler.Config{
		ReconcileInterval: cfg.ReconcileInterval,
		ExpiryInterval:    cfg.ExpiryInterval,
		RetryInterval:     cfg.RetryInterval,
		PendingAge:        cfg.PendingAge,
		InitiationTimeout: cfg.InitiationTimeout,
		BatchSize:         cfg.SweepBatchSize,
		MaxRetries:        cfg.MaxRetries,
	})
	sweeps.Start()
	defer sweeps.Stop()

	// Setup HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.NewRouter(orchestrator, callbacks),
	}

	// Start server in goroutine
	go func() {
		telemetry.Logger.Info("Payment Engine starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	telemetry.Logger.Info("Server exited")
}
