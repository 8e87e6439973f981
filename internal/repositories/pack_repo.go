package repositories

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/compliance-trace/backend/internal/apperrors"
	"github.com/compliance-trace/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PackRepo struct {
	pool *pgxpool.Pool
}

func NewPackRepo(pool *pgxpool.Pool) *PackRepo {
	return &PackRepo{pool: pool}
}

func (r *PackRepo) Create(ctx context.Context, p *models.AuditPack) error {
	filters, err := json.Marshal(p.Filters)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO audit_packs (pack_id, created_by, status, filters, row_count,
		                         storage_dir, manifest_hash, checksums_hash, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, p.PackID, p.CreatedBy, p.Status, filters, p.RowCount,
		p.StorageDir, p.ManifestHash, p.ChecksumsHash, p.Notes).Scan(&p.CreatedAt)
}

const packColumns = `pack_id, created_at, created_by, status, filters, row_count,
	       storage_dir, manifest_hash, checksums_hash, notes, verified_at`

func scanPack(row pgx.Row) (*models.AuditPack, error) {
	var p models.AuditPack
	var filters []byte
	err := row.Scan(&p.PackID, &p.CreatedAt, &p.CreatedBy, &p.Status, &filters, &p.RowCount,
		&p.StorageDir, &p.ManifestHash, &p.ChecksumsHash, &p.Notes, &p.VerifiedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(filters, &p.Filters); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PackRepo) GetByID(ctx context.Context, packID uuid.UUID) (*models.AuditPack, error) {
	p, err := scanPack(r.pool.QueryRow(ctx, `
		SELECT `+packColumns+` FROM audit_packs WHERE pack_id = $1
	`, packID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFoundf("audit pack %s", packID)
	}
	return p, err
}

func (r *PackRepo) List(ctx context.Context, limit int) ([]models.AuditPack, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+packColumns+` FROM audit_packs ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packs []models.AuditPack
	for rows.Next() {
		p, err := scanPack(rows)
		if err != nil {
			return nil, err
		}
		packs = append(packs, *p)
	}
	return packs, rows.Err()
}

// Delete removes a pack row. Only used to undo a generation whose ledger
// entry could not be written; verified packs are never deleted.
func (r *PackRepo) Delete(ctx context.Context, packID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM audit_packs WHERE pack_id = $1`, packID)
	return err
}

// SetVerified annotates the verification outcome. The pack files are never
// touched; only the status and verified_at change.
func (r *PackRepo) SetVerified(ctx context.Context, packID uuid.UUID, valid bool) error {
	status := models.PackStatusVerifiedOK
	if !valid {
		status = models.PackStatusVerifiedFailed
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE audit_packs SET status = $1, verified_at = now() WHERE pack_id = $2
	`, status, packID)
	return err
}
