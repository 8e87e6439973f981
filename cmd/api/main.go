package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/compliance-trace/backend/internal/config"
	"github.com/compliance-trace/backend/internal/db"
	"github.com/compliance-trace/backend/internal/events"
	apphttp "github.com/compliance-trace/backend/internal/http"
	"github.com/compliance-trace/backend/internal/http/handlers"
	"github.com/compliance-trace/backend/internal/repositories"
	"github.com/compliance-trace/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	auditRepo := repositories.NewAuditRepo(pool)
	packRepo := repositories.NewPackRepo(pool)
	runRepo := repositories.NewRunRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Services
	auditService := services.NewAuditService(auditRepo, publisher, cfg, log)
	packService := services.NewPackService(auditRepo, packRepo, auditService, publisher, cfg, log)
	automationService := services.NewAutomationService(runRepo, auditService, publisher, cfg, log)
	for _, step := range services.DailyCycleSteps(auditService, packService, cfg.DailyCycleActor) {
		automationService.RegisterStep(step)
	}

	// Handlers
	auditHandler := handlers.NewAuditHandler(auditService, log)
	packHandler := handlers.NewPackHandler(packService, log)
	automationHandler := handlers.NewAutomationHandler(automationService, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)

	// Start async run worker and WS hub
	automationService.StartWorker(ctx)
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, auditHandler, packHandler, automationHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
