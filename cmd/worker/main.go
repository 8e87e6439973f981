package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/compliance-trace/backend/internal/apperrors"
	"github.com/compliance-trace/backend/internal/config"
	"github.com/compliance-trace/backend/internal/db"
	"github.com/compliance-trace/backend/internal/events"
	"github.com/compliance-trace/backend/internal/repositories"
	"github.com/compliance-trace/backend/internal/services"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const watchdogActor = "system.watchdog"

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	auditRepo := repositories.NewAuditRepo(pool)
	packRepo := repositories.NewPackRepo(pool)
	runRepo := repositories.NewRunRepo(pool)

	// Services
	publisher := events.NewRedisPublisher(rdb, log)
	auditService := services.NewAuditService(auditRepo, publisher, cfg, log)
	packService := services.NewPackService(auditRepo, packRepo, auditService, publisher, cfg, log)
	automationService := services.NewAutomationService(runRepo, auditService, publisher, cfg, log)
	for _, step := range services.DailyCycleSteps(auditService, packService, cfg.DailyCycleActor) {
		automationService.RegisterStep(step)
	}

	c := cron.New()

	_, err = c.AddFunc(cfg.DailyCycleCron, func() {
		runDailyCycle(ctx, automationService, cfg, log)
	})
	if err != nil {
		log.Fatal("invalid daily cycle schedule", zap.String("spec", cfg.DailyCycleCron), zap.Error(err))
	}

	_, err = c.AddFunc(cfg.WatchdogCron, func() {
		runWatchdog(ctx, automationService, cfg, log)
	})
	if err != nil {
		log.Fatal("invalid watchdog schedule", zap.String("spec", cfg.WatchdogCron), zap.Error(err))
	}

	c.Start()
	log.Info("worker started",
		zap.String("daily_cycle_cron", cfg.DailyCycleCron),
		zap.String("watchdog_cron", cfg.WatchdogCron))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down worker")
	cancel()
	<-c.Stop().Done()
}

func runDailyCycle(ctx context.Context, automation *services.AutomationService, cfg *config.Config, log *zap.Logger) {
	run, err := automation.RunDaily(ctx, cfg.DailyCycleActor)
	if err != nil {
		// Another trigger already holds the slot; the next tick picks it up.
		if errors.Is(err, apperrors.ErrConflict) {
			log.Info("daily cycle already active, skipping tick")
			return
		}
		log.Error("daily cycle failed", zap.Error(err))
		return
	}
	log.Info("daily cycle finished",
		zap.String("run_id", run.RunID.String()),
		zap.String("status", run.Status))
}

func runWatchdog(ctx context.Context, automation *services.AutomationService, cfg *config.Config, log *zap.Logger) {
	ids, err := automation.MarkStuckFailed(ctx, cfg.WatchdogTimeoutMinutes, watchdogActor)
	if err != nil {
		log.Error("watchdog sweep failed", zap.Error(err))
		return
	}
	if len(ids) > 0 {
		log.Warn("watchdog marked stuck runs failed", zap.Int("count", len(ids)))
	}
}
