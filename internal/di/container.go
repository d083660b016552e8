package di

import (
	"time"

	"github.com/daniel-wolfson/travel-saga/internal/handler"
	"github.com/daniel-wolfson/travel-saga/internal/notify"
	"github.com/daniel-wolfson/travel-saga/internal/repository"
	"github.com/daniel-wolfson/travel-saga/internal/saga"
	"github.com/daniel-wolfson/travel-saga/internal/service"
	"github.com/daniel-wolfson/travel-saga/pkg/database"
	"github.com/daniel-wolfson/travel-saga/pkg/logger"
	"github.com/daniel-wolfson/travel-saga/pkg/redis"
)

// Container holds all dependencies for the saga orchestrator
type Container struct {
	// Infrastructure
	DB    *database.PostgresDB
	Redis *redis.Client

	// Repositories
	SagaRepo       repository.SagaRepository
	DeadLetterRepo repository.DeadLetterRepository
	Coordination   repository.CoordinationStore

	// Publishers
	EventPublisher saga.EventPublisher

	// Notifications
	Hub *notify.Hub

	// Services
	Orchestrator saga.Orchestrator

	// Handlers
	HealthHandler  *handler.HealthHandler
	BookingHandler *handler.BookingHandler
	StreamHandler  *handler.StreamHandler
	AdminHandler   *handler.AdminHandler
}

// ContainerConfig contains configuration for building the container
type ContainerConfig struct {
	DB             *database.PostgresDB
	Redis          *redis.Client
	SagaRepo       repository.SagaRepository
	DeadLetterRepo repository.DeadLetterRepository
	Coordination   repository.CoordinationStore
	EventPublisher saga.EventPublisher
	Services       *service.Services
	Hub            *notify.Hub
	Logger         *logger.Logger

	ServiceName    string
	SagaConfig     *saga.Config
	StreamConfig   *handler.StreamConfig
	StuckThreshold time.Duration

	// KafkaPinger feeds the readiness probe; leave nil to skip the check
	KafkaPinger handler.Pinger
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *ContainerConfig) *Container {
	c := &Container{
		DB:             cfg.DB,
		Redis:          cfg.Redis,
		SagaRepo:       cfg.SagaRepo,
		DeadLetterRepo: cfg.DeadLetterRepo,
		Coordination:   cfg.Coordination,
		EventPublisher: cfg.EventPublisher,
		Hub:            cfg.Hub,
	}

	// Initialize services
	c.Orchestrator = saga.NewOrchestrator(
		c.SagaRepo,
		c.DeadLetterRepo,
		c.Coordination,
		c.EventPublisher,
		cfg.Services,
		c.Hub,
		cfg.Logger,
		cfg.SagaConfig,
	)

	// Initialize handlers
	checks := map[string]handler.Pinger{
		"postgres": c.DB,
		"redis":    c.Redis,
	}
	if cfg.KafkaPinger != nil {
		checks["kafka"] = cfg.KafkaPinger
	}
	c.HealthHandler = handler.NewHealthHandler(cfg.ServiceName, checks)
	c.BookingHandler = handler.NewBookingHandler(c.Orchestrator, c.Hub)
	c.StreamHandler = handler.NewStreamHandler(c.Orchestrator, c.Hub, cfg.StreamConfig, cfg.Logger)
	c.AdminHandler = handler.NewAdminHandler(c.Orchestrator, cfg.StuckThreshold)

	return c
}
