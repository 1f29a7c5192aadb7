package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ClearPeaks/knime-audit/internal/core"
	"github.com/ClearPeaks/knime-audit/internal/data/pgxutil"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	apperrors "github.com/ClearPeaks/knime-audit/internal/errors"
)

// ErrOutboxEntryNotFound is returned when an outbox entry id does not exist.
var ErrOutboxEntryNotFound = errors.New("outbox entry not found")

const outboxColumns = `id, job_id, event_key, payload, attempts, next_attempt_at, last_error, created_at, delivered_at`

// claimDueSQL leases due entries by pushing next_attempt_at to the lease
// deadline. Concurrent relays skip rows another relay has locked.
const claimDueSQL = `
  WITH cte AS (
    SELECT id FROM audit_outbox
    WHERE delivered_at IS NULL AND next_attempt_at <= $1
    ORDER BY next_attempt_at ASC, created_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
  )
  UPDATE audit_outbox o
  SET
    attempts = o.attempts + 1,
    next_attempt_at = $3
  FROM cte
  WHERE o.id = cte.id
  RETURNING o.id, o.job_id, o.event_key, o.payload, o.attempts, o.next_attempt_at, o.last_error, o.created_at, o.delivered_at`

// OutboxRepo stores audit events that could not be published to the bus.
type OutboxRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewOutboxRepo creates an OutboxRepo.
func NewOutboxRepo(db *sql.DB) *OutboxRepo {
	return &OutboxRepo{DB: db, timeProvider: systemClock{}}
}

// NewOutboxRepoWithTimeProvider creates an OutboxRepo with a custom TimeProvider (useful for testing).
func NewOutboxRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *OutboxRepo {
	return &OutboxRepo{DB: db, timeProvider: tp}
}

var _ core.OutboxRepository = (*OutboxRepo)(nil)

// Enqueue stores e. An existing entry with the same event key is kept as is.
func (r *OutboxRepo) Enqueue(ctx context.Context, e *model.OutboxEntry) error {
	if e == nil || strings.TrimSpace(e.EventKey) == "" {
		return apperrors.Validationf("outbox event key is required")
	}
	if len(e.Payload) == 0 {
		return apperrors.Validationf("outbox payload is required")
	}
	now := r.timeProvider.Now().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = now
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO audit_outbox (id, job_id, event_key, payload, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_key) DO NOTHING`,
		e.ID, e.JobID, e.EventKey, e.Payload, e.Attempts, e.NextAttemptAt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox %s: %w", e.EventKey, apperrors.MapDBError(err))
	}
	return nil
}

// ClaimDue leases up to Limit undelivered entries whose next attempt is due.
// Each claim counts as a delivery attempt.
func (r *OutboxRepo) ClaimDue(ctx context.Context, p core.ClaimDueParams) ([]*model.OutboxEntry, error) {
	if p.Limit <= 0 {
		return nil, nil
	}
	if !p.LeaseUntil.After(p.Now) {
		return nil, apperrors.Validationf("lease deadline must be after now")
	}
	rows, err := r.DB.QueryContext(ctx, claimDueSQL, p.Now.UTC(), p.Limit, p.LeaseUntil.UTC())
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", apperrors.MapDBError(err))
	}
	defer rows.Close()

	var out []*model.OutboxEntry
	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("claim outbox: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox: %w", apperrors.MapDBError(err))
	}
	return out, nil
}

// MarkDelivered records a successful publish.
func (r *OutboxRepo) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE audit_outbox SET delivered_at = $2, last_error = NULL WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("mark outbox %s delivered: %w", id, apperrors.MapDBError(err))
	}
	return requireOneRow(res, id)
}

// Reschedule records a failed attempt and the next time to try.
func (r *OutboxRepo) Reschedule(ctx context.Context, p core.RescheduleParams) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE audit_outbox SET next_attempt_at = $2, last_error = $3 WHERE id = $1 AND delivered_at IS NULL`,
		p.ID, p.NextAt.UTC(), p.Err)
	if err != nil {
		return fmt.Errorf("reschedule outbox %s: %w", p.ID, apperrors.MapDBError(err))
	}
	return requireOneRow(res, p.ID)
}

// CountPending returns the number of undelivered entries.
func (r *OutboxRepo) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_outbox WHERE delivered_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", apperrors.MapDBError(err))
	}
	return n, nil
}

// ListPending returns undelivered entries in delivery order.
func (r *OutboxRepo) ListPending(ctx context.Context, limit int) ([]*model.OutboxEntry, error) {
	limit, _ = clampPage(limit, 0)
	var out []*model.OutboxEntry
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+outboxColumns+` FROM audit_outbox
			WHERE delivered_at IS NULL
			ORDER BY next_attempt_at ASC, created_at ASC
			LIMIT $1`, limit)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.OutboxEntry])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", apperrors.MapDBError(err))
	}
	return out, nil
}

func scanOutboxEntry(rows *sql.Rows) (*model.OutboxEntry, error) {
	var e model.OutboxEntry
	var lastErr sql.NullString
	var delivered sql.NullTime
	if err := rows.Scan(
		&e.ID, &e.JobID, &e.EventKey, &e.Payload, &e.Attempts, &e.NextAttemptAt, &lastErr, &e.CreatedAt, &delivered,
	); err != nil {
		return nil, err
	}
	if lastErr.Valid {
		e.LastError = &lastErr.String
	}
	if delivered.Valid {
		e.DeliveredAt = &delivered.Time
	}
	return &e, nil
}

func requireOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrOutboxEntryNotFound, id)
	}
	return nil
}
