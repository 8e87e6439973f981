package handlers

import (
	"time"

	"github.com/compliance-trace/backend/internal/apperrors"
	"github.com/compliance-trace/backend/internal/http/dto"
	"github.com/compliance-trace/backend/internal/middleware"
	"github.com/compliance-trace/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PackHandler struct {
	packService *services.PackService
	log         *zap.Logger
}

func NewPackHandler(packService *services.PackService, log *zap.Logger) *PackHandler {
	return &PackHandler{packService: packService, log: log}
}

// Generate builds a new immutable pack from a ledger window.
// POST /audit/packs/generate
func (h *PackHandler) Generate(c *fiber.Ctx) error {
	var req dto.GeneratePackRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, h.log, apperrors.Validationf("invalid request body"))
	}

	parseTS := func(name, v string) (*time.Time, error) {
		if v == "" {
			return nil, apperrors.Validationf("%s is required", name)
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, apperrors.Validationf("%s must be an RFC 3339 timestamp", name)
		}
		return &t, nil
	}

	fromTS, err := parseTS("from_ts", req.FromTS)
	if err != nil {
		return respondError(c, h.log, err)
	}
	toTS, err := parseTS("to_ts", req.ToTS)
	if err != nil {
		return respondError(c, h.log, err)
	}

	pack, err := h.packService.Generate(c.Context(), services.GeneratePackRequest{
		FromTS: fromTS,
		ToTS:   toTS,
		Limit:  req.Limit,
		Notes:  req.Notes,
	}, middleware.GetActorID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.Status(fiber.StatusCreated).JSON(dto.PackGeneratedResponse{
		PackID:        pack.PackID.String(),
		RowCount:      pack.RowCount,
		ManifestHash:  pack.ManifestHash,
		ChecksumsHash: pack.ChecksumsHash,
		Status:        pack.Status,
	})
}

// Verify recomputes the stored pack's digests against the files on disk.
// POST /audit/packs/:id/verify
func (h *PackHandler) Verify(c *fiber.Ctx) error {
	packID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return respondError(c, h.log, apperrors.Validationf("invalid pack id"))
	}

	result, err := h.packService.Verify(c.Context(), packID, middleware.GetActorID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(result)
}

// List returns pack metadata, newest first.
// GET /audit/packs
func (h *PackHandler) List(c *fiber.Ctx) error {
	packs, err := h.packService.ListPacks(c.Context(), c.QueryInt("limit", 100))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(fiber.Map{"rows": packs})
}

// Download serves one of a pack's constituent files.
// GET /audit/packs/:id/download/:file
func (h *PackHandler) Download(c *fiber.Ctx) error {
	packID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return respondError(c, h.log, apperrors.Validationf("invalid pack id"))
	}

	path, err := h.packService.ResolveFile(c.Context(), packID, c.Params("file"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Download(path)
}
