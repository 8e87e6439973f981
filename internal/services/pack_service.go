package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/compliance-trace/backend/internal/apperrors"
	"github.com/compliance-trace/backend/internal/config"
	"github.com/compliance-trace/backend/internal/events"
	"github.com/compliance-trace/backend/internal/models"
	"github.com/compliance-trace/backend/internal/packfile"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// packEventSource reads the ledger window a pack snapshots.
type packEventSource interface {
	ListWindowAsc(ctx context.Context, from, to time.Time, limit int) ([]models.AuditEvent, error)
}

// packStore is the slice of PackRepo the pack lifecycle needs.
type packStore interface {
	Create(ctx context.Context, p *models.AuditPack) error
	GetByID(ctx context.Context, packID uuid.UUID) (*models.AuditPack, error)
	List(ctx context.Context, limit int) ([]models.AuditPack, error)
	SetVerified(ctx context.Context, packID uuid.UUID, valid bool) error
	Delete(ctx context.Context, packID uuid.UUID) error
}

// PackService builds and verifies immutable export packs. Generation and
// verification of different packs never need global serialization; each
// pack is an independent snapshot.
type PackService struct {
	auditRepo    packEventSource
	packRepo     packStore
	auditService auditor
	publisher    events.Publisher
	cfg          *config.Config
	log          *zap.Logger
}

func NewPackService(
	auditRepo packEventSource,
	packRepo packStore,
	auditService auditor,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *PackService {
	return &PackService{
		auditRepo:    auditRepo,
		packRepo:     packRepo,
		auditService: auditService,
		publisher:    publisher,
		cfg:          cfg,
		log:          log,
	}
}

type GeneratePackRequest struct {
	FromTS *time.Time
	ToTS   *time.Time
	Limit  int
	Notes  *string
}

func (s *PackService) packsBaseDir() string {
	return filepath.Join(s.cfg.PackStorageDir, "audit_packs")
}

// Generate snapshots the window [from_ts, to_ts) into a new pack. The same
// closed window always yields the same file digests; the pack id is always
// new — packs are never deduplicated or overwritten.
func (s *PackService) Generate(ctx context.Context, req GeneratePackRequest, createdBy string) (*models.AuditPack, error) {
	if req.FromTS == nil || req.ToTS == nil {
		return nil, apperrors.Validationf("from_ts and to_ts are required")
	}
	if !req.FromTS.Before(*req.ToTS) {
		return nil, apperrors.Validationf("from_ts must be before to_ts")
	}
	if req.Limit <= 0 {
		req.Limit = 1000
	}
	if req.Limit > s.cfg.PackMaxLimit {
		return nil, apperrors.Validationf("limit exceeds maximum of %d", s.cfg.PackMaxLimit)
	}

	rows, err := s.auditRepo.ListWindowAsc(ctx, *req.FromTS, *req.ToTS, req.Limit)
	if err != nil {
		return nil, apperrors.Storage("read pack window", err)
	}

	packID := uuid.New()
	dirName := fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102T150405Z"), packID)

	filters := models.PackFilters{FromTS: req.FromTS, ToTS: req.ToTS, Limit: req.Limit}
	manifest := packfile.Manifest{
		CreatedBy: createdBy,
		Filters:   filters,
		Notes:     req.Notes,
	}

	res, err := packfile.Build(s.packsBaseDir(), dirName, manifest, rows)
	if err != nil {
		return nil, apperrors.Storage("write pack files", err)
	}

	pack := &models.AuditPack{
		PackID:        packID,
		CreatedBy:     createdBy,
		Status:        models.PackStatusGenerated,
		Filters:       filters,
		RowCount:      res.RowCount,
		StorageDir:    res.Dir,
		ManifestHash:  res.ManifestHash,
		ChecksumsHash: res.ChecksumsHash,
		Notes:         req.Notes,
	}
	if err := s.packRepo.Create(ctx, pack); err != nil {
		// Do not leave orphan files behind a failed metadata insert.
		_ = os.RemoveAll(res.Dir)
		return nil, apperrors.Storage("record pack", err)
	}

	// The ledger audits its own exports. A pack whose ledger entry could
	// not be written is undone entirely, so a retry mints a fresh pack
	// instead of leaving an unaudited one behind.
	if _, err := s.auditService.Append(ctx, createdBy, models.ActionPackGenerated, "audit_pack", packID.String(), map[string]any{
		"row_count":      res.RowCount,
		"manifest_hash":  res.ManifestHash,
		"checksums_hash": res.ChecksumsHash,
		"filters": map[string]any{
			"from_ts": req.FromTS.UTC().Format(time.RFC3339),
			"to_ts":   req.ToTS.UTC().Format(time.RFC3339),
			"limit":   req.Limit,
		},
	}); err != nil {
		if delErr := s.packRepo.Delete(ctx, packID); delErr != nil {
			s.log.Error("failed to roll back pack row",
				zap.String("pack_id", packID.String()), zap.Error(delErr))
		}
		_ = os.RemoveAll(res.Dir)
		return nil, err
	}

	_ = s.publisher.Publish(ctx, events.StreamAudit, events.Event{
		Type: events.EventPackGenerated,
		Payload: map[string]any{
			"pack_id":        packID.String(),
			"row_count":      res.RowCount,
			"checksums_hash": res.ChecksumsHash,
		},
	})

	s.log.Info("audit pack generated",
		zap.String("pack_id", packID.String()),
		zap.Int("row_count", res.RowCount),
		zap.String("dir", res.Dir),
	)

	return pack, nil
}

// Verify recomputes the pack digests from disk and annotates the outcome.
// Deterministic for the same on-disk state; never mutates the files.
func (s *PackService) Verify(ctx context.Context, packID uuid.UUID, verifiedBy string) (*models.PackVerifyResult, error) {
	pack, err := s.packRepo.GetByID(ctx, packID)
	if err != nil {
		return nil, err
	}

	missing, mismatches, err := packfile.Verify(pack.StorageDir, pack.ManifestHash, pack.ChecksumsHash)
	if err != nil {
		return nil, apperrors.Storage("read pack files", err)
	}

	result := &models.PackVerifyResult{
		PackID:       packID,
		Valid:        len(missing) == 0 && len(mismatches) == 0,
		MissingFiles: missing,
		Mismatches:   mismatches,
		VerifiedBy:   verifiedBy,
		VerifiedAt:   time.Now().UTC(),
	}

	if err := s.packRepo.SetVerified(ctx, packID, result.Valid); err != nil {
		return nil, apperrors.Storage("annotate pack", err)
	}

	if _, err := s.auditService.Append(ctx, verifiedBy, models.ActionPackVerified, "audit_pack", packID.String(), map[string]any{
		"valid":         result.Valid,
		"missing_files": missing,
		"mismatches":    mismatches,
	}); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *PackService) GetPack(ctx context.Context, packID uuid.UUID) (*models.AuditPack, error) {
	return s.packRepo.GetByID(ctx, packID)
}

func (s *PackService) ListPacks(ctx context.Context, limit int) ([]models.AuditPack, error) {
	return s.packRepo.List(ctx, limit)
}

// ResolveFile maps a pack file name to its path on disk. Only the known
// pack files are downloadable.
func (s *PackService) ResolveFile(ctx context.Context, packID uuid.UUID, fileName string) (string, error) {
	switch fileName {
	case models.PackFileEvents, models.PackFileManifest, models.PackFileChecksums:
	default:
		return "", apperrors.Validationf("unknown pack file %q", fileName)
	}

	pack, err := s.packRepo.GetByID(ctx, packID)
	if err != nil {
		return "", err
	}

	path := filepath.Join(pack.StorageDir, fileName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", apperrors.NotFoundf("pack file %s", fileName)
		}
		return "", apperrors.Storage("stat pack file", err)
	}
	return path, nil
}
