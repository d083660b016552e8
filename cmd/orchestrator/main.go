package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/daniel-wolfson/travel-saga/internal/di"
	"github.com/daniel-wolfson/travel-saga/internal/metrics"
	"github.com/daniel-wolfson/travel-saga/internal/notify"
	"github.com/daniel-wolfson/travel-saga/internal/repository"
	"github.com/daniel-wolfson/travel-saga/internal/saga"
	"github.com/daniel-wolfson/travel-saga/internal/service"
	"github.com/daniel-wolfson/travel-saga/internal/worker"
	"github.com/daniel-wolfson/travel-saga/pkg/config"
	"github.com/daniel-wolfson/travel-saga/pkg/database"
	"github.com/daniel-wolfson/travel-saga/pkg/kafka"
	"github.com/daniel-wolfson/travel-saga/pkg/logger"
	"github.com/daniel-wolfson/travel-saga/pkg/middleware"
	pkgredis "github.com/daniel-wolfson/travel-saga/pkg/redis"
	"github.com/daniel-wolfson/travel-saga/pkg/telemetry"
)

const serviceName = "travel-saga-orchestrator"

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPath:  cfg.Log.Output,
		ServiceName: serviceName,
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting Travel Saga Orchestrator...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry tracing
	if cfg.OTel.Enabled {
		_, err := telemetry.Init(ctx, &telemetry.Config{
			Enabled:        true,
			ServiceName:    cfg.OTel.ServiceName,
			ServiceVersion: cfg.App.Version,
			Environment:    cfg.App.Environment,
			CollectorAddr:  cfg.OTel.CollectorAddr,
			SampleRatio:    cfg.OTel.SampleRatio,
		})
		if err != nil {
			appLog.Warn(fmt.Sprintf("Failed to initialize tracer (continuing without tracing): %v", err))
		} else {
			defer telemetry.Shutdown(context.Background())
			appLog.Info("OpenTelemetry tracing initialized")
		}
	}
	if err := metrics.Init(); err != nil {
		appLog.Warn(fmt.Sprintf("Failed to initialize metrics: %v", err))
	}

	// Initialize PostgreSQL connection (durable saga store)
	dbCfg := &database.PostgresConfig{
		Host:            cfg.Postgres.Host,
		Port:            cfg.Postgres.Port,
		User:            cfg.Postgres.User,
		Password:        cfg.Postgres.Password,
		Database:        cfg.Postgres.DBName,
		SSLMode:         cfg.Postgres.SSLMode,
		MaxConns:        int32(cfg.Postgres.MaxOpenConns),
		MinConns:        int32(cfg.Postgres.MaxIdleConns),
		MaxConnLifetime: cfg.Postgres.ConnMaxLifetime,
		MaxConnIdleTime: cfg.Postgres.ConnMaxIdleTime,
		ConnectTimeout:  5 * time.Second,
		MaxRetries:      3,
		RetryInterval:   2 * time.Second,
	}
	db, err := database.NewPostgres(ctx, dbCfg)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("PostgreSQL connection failed: %v", err))
	}
	defer db.Close()
	appLog.Info("PostgreSQL connected")

	// Initialize Redis connection (coordination store)
	redisCfg := &pkgredis.Config{
		Host:          cfg.Redis.Host,
		Port:          cfg.Redis.Port,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		PoolSize:      cfg.Redis.PoolSize,
		MinIdleConns:  cfg.Redis.MinIdleConns,
		DialTimeout:   cfg.Redis.DialTimeout,
		ReadTimeout:   cfg.Redis.ReadTimeout,
		WriteTimeout:  cfg.Redis.WriteTimeout,
		MaxRetries:    3,
		RetryInterval: 100 * time.Millisecond,
	}
	redisClient, err := pkgredis.NewClient(ctx, redisCfg)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Redis connection failed: %v", err))
	}
	defer redisClient.Close()
	appLog.Info("Redis connected")

	// Initialize Kafka publisher. The broker carries the saga's leg requests,
	// so a failed connection is fatal rather than downgraded to a no-op.
	publisher, err := saga.NewKafkaEventPublisher(ctx, &saga.KafkaEventPublisherConfig{
		Brokers:       cfg.Kafka.Brokers,
		ClientID:      cfg.Kafka.ClientID + "-producer",
		MaxRetries:    3,
		RetryInterval: time.Second,
		Logger:        appLog,
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Kafka producer connection failed: %v", err))
	}
	defer publisher.Close()
	appLog.Info("Kafka producer connected")

	// Initialize repositories
	sagaRepo := repository.NewPostgresSagaRepository(db.Pool())
	deadLetterRepo := repository.NewPostgresDeadLetterRepository(db.Pool())
	coordination := repository.NewRedisCoordinationStore(redisClient)

	// Downstream reservation services for the synchronous path
	services := buildServices(cfg, appLog)

	// Notification hub for push streams and one-shot webhooks
	hub := notify.NewHub(appLog, cfg.Webhook.Timeout)

	// Build dependency injection container
	container := di.NewContainer(&di.ContainerConfig{
		DB:             db,
		Redis:          redisClient,
		SagaRepo:       sagaRepo,
		DeadLetterRepo: deadLetterRepo,
		Coordination:   coordination,
		EventPublisher: publisher,
		Services:       services,
		Hub:            hub,
		Logger:         appLog,
		ServiceName:    serviceName,
		SagaConfig: &saga.Config{
			LockTTL:         cfg.Saga.LockTTL,
			ActiveTTL:       cfg.Saga.ActiveStateTTL,
			RateLimitPerMin: cfg.Saga.RateLimitPerMin,
		},
		StuckThreshold: cfg.Saga.StuckSagaThreshold,
		KafkaPinger:    publisher,
	})

	// Initialize confirmation consumer. Poison records share the
	// publisher's producer on their way to the quarantine topics.
	consumer, err := saga.NewConfirmationConsumer(ctx, container.Orchestrator, &saga.ConfirmationConsumerConfig{
		Brokers:          cfg.Kafka.Brokers,
		GroupID:          cfg.Kafka.ConsumerGroup,
		ClientID:         cfg.Kafka.ClientID + "-consumer",
		SessionTimeout:   30 * time.Second,
		RebalanceTimeout: 60 * time.Second,
		Logger:           appLog,
		Quarantine: kafka.NewQuarantine(publisher.Producer(), &kafka.QuarantineConfig{
			Source: serviceName,
		}),
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Kafka consumer connection failed: %v", err))
	}
	appLog.Info("Kafka consumer connected")

	go func() {
		if err := consumer.Start(ctx); err != nil {
			appLog.Error(fmt.Sprintf("Confirmation consumer error: %v", err))
		}
	}()

	// Start the stuck-saga sweeper
	sweeper := worker.NewSweeperWorker(container.Orchestrator, &worker.SweeperWorkerConfig{
		ScanInterval:      cfg.Saga.SweepInterval,
		StuckThreshold:    cfg.Saga.StuckSagaThreshold,
		RecoveryPerSecond: cfg.Saga.RepublishPerSecond,
	}, appLog)
	if err := sweeper.Start(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to start sweeper: %v", err))
	}
	appLog.Info("Stuck-saga sweeper started")

	// Setup Gin
	gin.SetMode(gin.ReleaseMode)
	gin.DisableConsoleColor()

	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.Logger(appLog),
		telemetry.TracingMiddleware(serviceName),
	)

	// Health check endpoints
	router.GET("/health", container.HealthHandler.Health)
	router.GET("/ready", container.HealthHandler.Ready)

	// Idempotency layer for network-level retries of write operations
	idempotencyConfig := middleware.DefaultIdempotencyConfig(redisClient.Client())

	// API routes
	v1 := router.Group("/api/v1")
	{
		bookings := v1.Group("/bookings")
		{
			bookings.POST("", middleware.IdempotencyMiddleware(idempotencyConfig), container.BookingHandler.CreateBooking)
			bookings.POST("/sync", middleware.IdempotencyMiddleware(idempotencyConfig), container.BookingHandler.CreateBookingSync)
			bookings.GET("/:id", container.BookingHandler.GetBooking)
			bookings.GET("/:id/status", container.BookingHandler.GetBookingStatus)
			bookings.POST("/:id/callbacks", container.BookingHandler.RegisterCallback)
			bookings.GET("/:id/stream", container.StreamHandler.Stream)
		}
		v1.GET("/users/:user_id/bookings/stats", container.BookingHandler.GetUserStats)
	}

	// Recovery API
	admin := router.Group("/admin/v1", middleware.RequireAdminToken(cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer))
	{
		sagas := admin.Group("/sagas")
		{
			sagas.GET("/stuck", container.AdminHandler.ListStuckSagas)
			sagas.GET("/:request_id", container.AdminHandler.GetSagaDiagnostics)
			sagas.POST("/:request_id/retry", container.AdminHandler.RetrySaga)
			sagas.POST("/:request_id/fail", container.AdminHandler.ForceFailSaga)
		}
		deadLetters := admin.Group("/dead-letters")
		{
			deadLetters.GET("", container.AdminHandler.ListDeadLetters)
			deadLetters.POST("/:id/processed", container.AdminHandler.ResolveDeadLetter)
		}
	}

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: 2 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		appLog.Info(fmt.Sprintf("Travel Saga Orchestrator listening on %s", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal(fmt.Sprintf("Failed to start server: %v", err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down...")

	cancel()
	consumer.Stop()
	sweeper.Stop()

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error(fmt.Sprintf("Server forced to shutdown: %v", err))
	}

	// Close open streams and wait for in-flight webhook deliveries
	hub.Close()

	appLog.Info("Orchestrator exited gracefully")
}

// buildServices wires the downstream reservation clients for the synchronous
// booking path. Mock mode keeps local runs free of the three supplier stubs.
func buildServices(cfg *config.Config, appLog *logger.Logger) *service.Services {
	if cfg.Services.Mode == "http" {
		client := service.NewHTTPClient(cfg.Services.ClientTimeout)
		appLog.Info(fmt.Sprintf("Downstream services in http mode (flight=%s hotel=%s car=%s)",
			cfg.Services.FlightBaseURL, cfg.Services.HotelBaseURL, cfg.Services.CarBaseURL))
		return &service.Services{
			Flight: service.NewHTTPFlightService(cfg.Services.FlightBaseURL, client),
			Hotel:  service.NewHTTPHotelService(cfg.Services.HotelBaseURL, client),
			Car:    service.NewHTTPCarService(cfg.Services.CarBaseURL, client),
		}
	}
	appLog.Info("Downstream services in mock mode")
	return service.NewMockServices()
}
