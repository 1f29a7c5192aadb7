package data

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ClearPeaks/knime-audit/internal/core"
	"github.com/ClearPeaks/knime-audit/internal/data/pgxutil"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	apperrors "github.com/ClearPeaks/knime-audit/internal/errors"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

const outcomeColumns = `job_id, status, detected_at, backup_path, event_key, delivery, stages, recorded_at`

// OutcomeRepo is the Postgres idempotency store keyed by job id.
type OutcomeRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewOutcomeRepo creates an OutcomeRepo.
func NewOutcomeRepo(db *sql.DB) *OutcomeRepo {
	return &OutcomeRepo{DB: db, timeProvider: systemClock{}}
}

// NewOutcomeRepoWithTimeProvider creates an OutcomeRepo with a custom TimeProvider (useful for testing).
func NewOutcomeRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *OutcomeRepo {
	return &OutcomeRepo{DB: db, timeProvider: tp}
}

var _ core.OutcomeRepository = (*OutcomeRepo)(nil)

// Get returns the outcome recorded for jobID.
func (r *OutcomeRepo) Get(ctx context.Context, jobID string) (*model.Outcome, error) {
	q := `SELECT ` + outcomeColumns + ` FROM outcomes WHERE job_id = $1`
	var o model.Outcome
	var stages []byte
	err := r.DB.QueryRowContext(ctx, q, jobID).Scan(
		&o.JobID, &o.Status, &o.DetectedAt, &o.BackupPath, &o.EventKey, &o.Delivery, &stages, &o.RecordedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get outcome %s: %w", jobID, apperrors.MapDBError(err))
	}
	o.Stages = stages
	return &o, nil
}

// Record inserts o unless an outcome for the same job id exists. The first
// writer wins; it reports whether o was stored.
func (r *OutcomeRepo) Record(ctx context.Context, o *model.Outcome) (bool, error) {
	if o == nil || strings.TrimSpace(o.JobID) == "" {
		return false, apperrors.Validationf("outcome job id is required")
	}
	if !o.Status.Valid() {
		return false, apperrors.Validationf("invalid outcome status %q", o.Status)
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = r.timeProvider.Now().UTC()
	}
	stages := []byte(o.Stages)
	if len(stages) == 0 {
		stages = []byte("[]")
	}

	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO outcomes (`+outcomeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO NOTHING`,
		o.JobID, string(o.Status), o.DetectedAt, o.BackupPath, o.EventKey, o.Delivery, stages, o.RecordedAt,
	)
	if err != nil {
		return false, fmt.Errorf("record outcome %s: %w", o.JobID, apperrors.MapDBError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record outcome %s: rows affected: %w", o.JobID, err)
	}
	return n == 1, nil
}

// Delete removes the outcome for jobID so the job can be processed again.
func (r *OutcomeRepo) Delete(ctx context.Context, jobID string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM outcomes WHERE job_id = $1`, jobID)
	if err != nil {
		return false, fmt.Errorf("delete outcome %s: %w", jobID, apperrors.MapDBError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete outcome %s: rows affected: %w", jobID, err)
	}
	return n > 0, nil
}

// List returns outcomes newest first, optionally filtered by status.
func (r *OutcomeRepo) List(ctx context.Context, opts core.OutcomeListOptions) ([]*model.Outcome, error) {
	limit, offset := clampPage(opts.Limit, opts.Offset)

	q := `SELECT ` + outcomeColumns + ` FROM outcomes`
	args := []any{}
	if opts.Status != "" {
		if !opts.Status.Valid() {
			return nil, apperrors.Validationf("invalid outcome status %q", opts.Status)
		}
		args = append(args, string(opts.Status))
		q += fmt.Sprintf(` WHERE status = $%d`, len(args))
	}
	args = append(args, limit, offset)
	q += fmt.Sprintf(` ORDER BY recorded_at DESC, job_id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	var out []*model.Outcome
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Outcome])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", apperrors.MapDBError(err))
	}
	return out, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
