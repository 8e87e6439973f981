package repositories

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/compliance-trace/backend/internal/apperrors"
	"github.com/compliance-trace/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RunRepo mutates automation_runs under the single-flight constraint: the
// partial unique index rejects a second active row per run_type, and all
// status transitions are conditional updates, never read-then-write.
type RunRepo struct {
	pool *pgxpool.Pool
}

func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

const runColumns = `run_id, run_type, status, started_at, completed_at, actor_id,
	       summary, error_message, created_at`

func scanRun(row pgx.Row) (*models.AutomationRun, error) {
	var run models.AutomationRun
	var summary []byte
	err := row.Scan(&run.RunID, &run.RunType, &run.Status, &run.StartedAt, &run.CompletedAt,
		&run.ActorID, &summary, &run.ErrorMessage, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	run.Summary = summary
	return &run, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Start inserts a run directly in the running state (sync trigger path).
// A concurrent active run of the same type surfaces as ErrConflict.
func (r *RunRepo) Start(ctx context.Context, runType, actorID string) (*models.AutomationRun, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, `
		INSERT INTO automation_runs (run_id, run_type, status, actor_id, started_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING `+runColumns+`
	`, uuid.New(), runType, models.RunStatusRunning, actorID))
	if isUniqueViolation(err) {
		return nil, apperrors.Conflictf("%s already active", runType)
	}
	return run, err
}

// Enqueue accepts a run before a worker picks it up (async trigger path).
// The same exclusivity applies: a queued duplicate is rejected, not queued
// twice.
func (r *RunRepo) Enqueue(ctx context.Context, runType, actorID string) (*models.AutomationRun, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, `
		INSERT INTO automation_runs (run_id, run_type, status, actor_id)
		VALUES ($1, $2, $3, $4)
		RETURNING `+runColumns+`
	`, uuid.New(), runType, models.RunStatusQueued, actorID))
	if isUniqueViolation(err) {
		return nil, apperrors.Conflictf("%s already active", runType)
	}
	return run, err
}

// MarkRunning transitions queued -> running. Returns false when the run is
// no longer queued (picked up elsewhere or reaped).
func (r *RunRepo) MarkRunning(ctx context.Context, runID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE automation_runs SET status = $1, started_at = now()
		WHERE run_id = $2 AND status = $3
	`, models.RunStatusRunning, runID, models.RunStatusQueued)
	return tag.RowsAffected() == 1, err
}

// Complete transitions running -> completed with a summary. Returns false
// when the run was not running anymore (e.g. already reaped).
func (r *RunRepo) Complete(ctx context.Context, runID uuid.UUID, summary json.RawMessage) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE automation_runs SET status = $1, completed_at = now(), summary = $2
		WHERE run_id = $3 AND status = $4
	`, models.RunStatusCompleted, summary, runID, models.RunStatusRunning)
	return tag.RowsAffected() == 1, err
}

// Fail transitions an active run to failed with an error message.
func (r *RunRepo) Fail(ctx context.Context, runID uuid.UUID, errorMessage string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE automation_runs SET status = $1, completed_at = now(), error_message = $2
		WHERE run_id = $3 AND status IN ($4, $5)
	`, models.RunStatusFailed, errorMessage, runID, models.RunStatusRunning, models.RunStatusQueued)
	return tag.RowsAffected() == 1, err
}

// ReapStuck fails runs stuck past the timeout: running rows by started_at,
// and queued rows that no worker ever picked up by created_at. A queued
// row left behind by a dead process would otherwise hold the single-flight
// slot forever. The conditional update cannot race a legitimately
// finishing run: a run that completes between read and write simply
// matches zero rows. Idempotent.
func (r *RunRepo) ReapStuck(ctx context.Context, timeoutMinutes int, errorMessage string) ([]models.AutomationRun, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE automation_runs
		SET status = $1, completed_at = now(),
		    error_message = COALESCE(error_message, $2)
		WHERE (status = $3 AND started_at < now() - make_interval(mins => $5))
		   OR (status = $4 AND created_at < now() - make_interval(mins => $5))
		RETURNING `+runColumns+`
	`, models.RunStatusFailed, errorMessage, models.RunStatusRunning, models.RunStatusQueued, timeoutMinutes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reaped []models.AutomationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		reaped = append(reaped, *run)
	}
	return reaped, rows.Err()
}

// ListQueued returns queued runs of a type, oldest first. Used at worker
// start to pick up runs accepted by a previous process.
func (r *RunRepo) ListQueued(ctx context.Context, runType string) ([]models.AutomationRun, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+runColumns+` FROM automation_runs
		WHERE run_type = $1 AND status = $2
		ORDER BY created_at ASC
	`, runType, models.RunStatusQueued)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queued []models.AutomationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		queued = append(queued, *run)
	}
	return queued, rows.Err()
}

func (r *RunRepo) GetByID(ctx context.Context, runID uuid.UUID) (*models.AutomationRun, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM automation_runs WHERE run_id = $1
	`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFoundf("automation run %s", runID)
	}
	return run, err
}

// GetActive returns the queued or running run for a type, or nil.
func (r *RunRepo) GetActive(ctx context.Context, runType string) (*models.AutomationRun, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM automation_runs
		WHERE run_type = $1 AND status IN ($2, $3)
		ORDER BY created_at DESC LIMIT 1
	`, runType, models.RunStatusQueued, models.RunStatusRunning))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// GetLast returns the most recent run of a type, or nil.
func (r *RunRepo) GetLast(ctx context.Context, runType string) (*models.AutomationRun, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM automation_runs
		WHERE run_type = $1
		ORDER BY created_at DESC LIMIT 1
	`, runType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

func (r *RunRepo) List(ctx context.Context, limit int) ([]models.AutomationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+runColumns+` FROM automation_runs ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.AutomationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}
