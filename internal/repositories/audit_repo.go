package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/compliance-trace/backend/internal/apperrors"
	"github.com/compliance-trace/backend/internal/chain"
	"github.com/compliance-trace/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ledgerLockKey serializes all appenders on one advisory lock: the ledger
// has a single logical writer, so prev_hash linkage is never ambiguous.
const ledgerLockKey int64 = 7341_0001

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

const eventColumns = `seq, event_id, actor_id, action_type, entity_type, entity_id,
	       event_time, payload, prev_hash, event_hash, created_at`

func scanEvent(row pgx.Row) (*models.AuditEvent, error) {
	var e models.AuditEvent
	var payload string
	err := row.Scan(&e.Seq, &e.EventID, &e.ActorID, &e.ActionType, &e.EntityType, &e.EntityID,
		&e.EventTime, &payload, &e.PrevHash, &e.EventHash, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]models.AuditEvent, error) {
	defer rows.Close()
	var events []models.AuditEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// Append links ev to the chain head and inserts it atomically. The head is
// read inside the same transaction that performs the insert, under the
// ledger advisory lock. Transient conflicts are retried up to maxRetries
// times, then surfaced as a storage error; an append never silently skips
// linking.
func (r *AuditRepo) Append(ctx context.Context, ev *models.AuditEvent, maxRetries int) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		lastErr = r.appendOnce(ctx, ev)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			break
		}
	}
	return apperrors.Storage("append audit event", lastErr)
}

func (r *AuditRepo) appendOnce(ctx context.Context, ev *models.AuditEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		return err
	}

	prevSeq := int64(0)
	prevHash := chain.GenesisHash
	err = tx.QueryRow(ctx, `SELECT seq, event_hash FROM audit_events ORDER BY seq DESC LIMIT 1`).
		Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	ev.Seq = prevSeq + 1
	if ev.EventID == uuid.Nil {
		ev.EventID = uuid.New()
	}
	chain.Seal(prevHash, ev)

	err = tx.QueryRow(ctx, `
		INSERT INTO audit_events (seq, event_id, actor_id, action_type, entity_type, entity_id,
		                          event_time, payload, prev_hash, event_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`, ev.Seq, ev.EventID, ev.ActorID, ev.ActionType, ev.EntityType, ev.EntityID,
		ev.EventTime, string(ev.Payload), ev.PrevHash, ev.EventHash).Scan(&ev.CreatedAt)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure, deadlock_detected, unique_violation
	return pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "23505"
}

// List returns filtered events in reverse chain order (newest first).
func (r *AuditRepo) List(ctx context.Context, f models.EventFilter) ([]models.AuditEvent, error) {
	if f.Limit <= 0 {
		f.Limit = 200
	}

	var where []string
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.ActorID != nil {
		where = append(where, "actor_id = "+arg(*f.ActorID))
	}
	if f.ActionType != nil {
		where = append(where, "action_type = "+arg(*f.ActionType))
	}
	if f.EntityType != nil {
		where = append(where, "entity_type = "+arg(*f.EntityType))
	}
	if f.EntityID != nil {
		where = append(where, "entity_id = "+arg(*f.EntityID))
	}
	if f.FromTS != nil {
		where = append(where, "event_time >= "+arg(*f.FromTS))
	}
	if f.ToTS != nil {
		where = append(where, "event_time <= "+arg(*f.ToTS))
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT %s FROM audit_events
		%s
		ORDER BY seq DESC
		LIMIT %s
	`, eventColumns, whereSQL, arg(f.Limit))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// GetByEventID looks a single event up by its public id.
func (r *AuditRepo) GetByEventID(ctx context.Context, eventID uuid.UUID) (*models.AuditEvent, error) {
	e, err := scanEvent(r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM audit_events WHERE event_id = $1
	`, eventColumns), eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFoundf("audit event %s", eventID)
	}
	return e, err
}

// ListSeqRange returns events with seq in [fromSeq, toSeq] in chain order.
// toSeq <= 0 means "to the head".
func (r *AuditRepo) ListSeqRange(ctx context.Context, fromSeq, toSeq int64) ([]models.AuditEvent, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	var rows pgx.Rows
	var err error
	if toSeq > 0 {
		rows, err = r.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM audit_events WHERE seq >= $1 AND seq <= $2 ORDER BY seq ASC
		`, eventColumns), fromSeq, toSeq)
	} else {
		rows, err = r.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM audit_events WHERE seq >= $1 ORDER BY seq ASC
		`, eventColumns), fromSeq)
	}
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// HashAtSeq returns the event_hash stored at a seq, or "" when the row is
// absent (callers use it for the leading linkage check of a range).
func (r *AuditRepo) HashAtSeq(ctx context.Context, seq int64) (string, error) {
	var hash string
	err := r.pool.QueryRow(ctx, `SELECT event_hash FROM audit_events WHERE seq = $1`, seq).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// ListWindowAsc selects the pack window: event_time in [from, to), ordered
// by (event_time, event_id) ascending so identical queries always produce
// the same ordered set.
func (r *AuditRepo) ListWindowAsc(ctx context.Context, from, to time.Time, limit int) ([]models.AuditEvent, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM audit_events
		WHERE event_time >= $1 AND event_time < $2
		ORDER BY event_time ASC, event_id ASC
		LIMIT $3
	`, eventColumns), from, to, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// MinSeqSince returns the smallest seq with event_time at or after ts, or 0
// when no such event exists.
func (r *AuditRepo) MinSeqSince(ctx context.Context, ts time.Time) (int64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(MIN(seq), 0) FROM audit_events WHERE event_time >= $1`, ts).Scan(&seq)
	return seq, err
}
