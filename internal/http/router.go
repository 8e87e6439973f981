package http

import (
	"time"

	"github.com/compliance-trace/backend/internal/auth"
	"github.com/compliance-trace/backend/internal/config"
	"github.com/compliance-trace/backend/internal/http/handlers"
	"github.com/compliance-trace/backend/internal/middleware"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	auditHandler *handlers.AuditHandler,
	packHandler *handlers.PackHandler,
	automationHandler *handlers.AutomationHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")
	api.Use(middleware.RateLimitMiddleware(rdb, cfg.RateLimitPerMinute, time.Minute))

	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	readRoles := middleware.RequireRoles(auth.RoleViewer, auth.RoleQAManager, auth.RoleComplianceManager)
	packWriteRoles := middleware.RequireRoles(auth.RoleQAManager, auth.RoleComplianceManager)
	schedulerRoles := middleware.RequireRoles(auth.RoleOpsScheduler)

	// Audit ledger
	audit := protected.Group("/audit")
	audit.Get("/events", readRoles, auditHandler.ListEvents)
	audit.Get("/events/export.csv", readRoles, auditHandler.ExportCSV)
	audit.Get("/events/:id", readRoles, auditHandler.GetEvent)
	audit.Get("/chain/verify", readRoles, auditHandler.VerifyChain)

	// Packs
	audit.Post("/packs/generate", packWriteRoles, packHandler.Generate)
	audit.Get("/packs", readRoles, packHandler.List)
	audit.Post("/packs/:id/verify", readRoles, packHandler.Verify)
	audit.Get("/packs/:id/download/:file", readRoles, packHandler.Download)

	// Automation
	automation := protected.Group("/automation")
	automation.Post("/run-daily", schedulerRoles, automationHandler.RunDaily)
	automation.Post("/run-daily-async", schedulerRoles, automationHandler.RunDailyAsync)
	automation.Get("/status", readRoles, automationHandler.Status)
	automation.Get("/runs", readRoles, automationHandler.ListRuns)
	automation.Get("/runs/:id", readRoles, automationHandler.GetRun)
	automation.Post("/watchdog/mark-stuck-failed", schedulerRoles, automationHandler.MarkStuckFailed)

	// WebSocket live feed
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
