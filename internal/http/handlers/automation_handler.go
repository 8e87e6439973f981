package handlers

import (
	"github.com/compliance-trace/backend/internal/apperrors"
	"github.com/compliance-trace/backend/internal/http/dto"
	"github.com/compliance-trace/backend/internal/middleware"
	"github.com/compliance-trace/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type AutomationHandler struct {
	automationService *services.AutomationService
	log               *zap.Logger
}

func NewAutomationHandler(automationService *services.AutomationService, log *zap.Logger) *AutomationHandler {
	return &AutomationHandler{automationService: automationService, log: log}
}

// RunDaily triggers the daily cycle and waits for it to finish. 409 when
// an exclusive run is already active.
// POST /automation/run-daily
func (h *AutomationHandler) RunDaily(c *fiber.Ctx) error {
	run, err := h.automationService.RunDaily(c.Context(), middleware.GetActorID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: run})
}

// RunDailyAsync accepts the run and returns the handle immediately; the
// caller polls the run status. Same 409 semantics as the sync path.
// POST /automation/run-daily-async
func (h *AutomationHandler) RunDailyAsync(c *fiber.Ctx) error {
	run, err := h.automationService.RunDailyAsync(c.Context(), middleware.GetActorID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.SuccessResponse{OK: true, Data: run})
}

// Status reports the active and most recent daily cycle runs.
// GET /automation/status
func (h *AutomationHandler) Status(c *fiber.Ctx) error {
	status, err := h.automationService.Status(c.Context())
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(status)
}

// ListRuns returns recent runs, newest first.
// GET /automation/runs
func (h *AutomationHandler) ListRuns(c *fiber.Ctx) error {
	runs, err := h.automationService.ListRuns(c.Context(), c.QueryInt("limit", 50))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(fiber.Map{"rows": runs})
}

// GetRun polls one run handle.
// GET /automation/runs/:id
func (h *AutomationHandler) GetRun(c *fiber.Ctx) error {
	runID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return respondError(c, h.log, apperrors.Validationf("invalid run id"))
	}

	run, err := h.automationService.GetRun(c.Context(), runID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(run)
}

// MarkStuckFailed reaps runs stuck in running past the timeout.
// POST /automation/watchdog/mark-stuck-failed?timeout_minutes=N
func (h *AutomationHandler) MarkStuckFailed(c *fiber.Ctx) error {
	actorID := middleware.GetActorID(c)
	timeoutMinutes := c.QueryInt("timeout_minutes", 120)

	ids, err := h.automationService.MarkStuckFailed(c.Context(), timeoutMinutes, actorID)
	if err != nil {
		return respondError(c, h.log, err)
	}

	marked := make([]string, 0, len(ids))
	for _, id := range ids {
		marked = append(marked, id.String())
	}
	return c.JSON(dto.WatchdogResponse{
		MarkedFailedRuns: marked,
		TimeoutMinutes:   timeoutMinutes,
		ActorID:          actorID,
	})
}
