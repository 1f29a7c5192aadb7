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

// DeadLetterRepo stores jobs that exhausted their retry budget.
type DeadLetterRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewDeadLetterRepo creates a DeadLetterRepo.
func NewDeadLetterRepo(db *sql.DB) *DeadLetterRepo {
	return &DeadLetterRepo{DB: db, timeProvider: systemClock{}}
}

// NewDeadLetterRepoWithTimeProvider creates a DeadLetterRepo with a custom TimeProvider (useful for testing).
func NewDeadLetterRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *DeadLetterRepo {
	return &DeadLetterRepo{DB: db, timeProvider: tp}
}

var _ core.DeadLetterRepository = (*DeadLetterRepo)(nil)

// Add inserts a dead letter and returns it with its id and creation time.
func (r *DeadLetterRepo) Add(ctx context.Context, dl *model.DeadLetter) (*model.DeadLetter, error) {
	if dl == nil || strings.TrimSpace(dl.JobID) == "" {
		return nil, apperrors.Validationf("dead letter job id is required")
	}
	out := *dl
	if out.CreatedAt.IsZero() {
		out.CreatedAt = r.timeProvider.Now().UTC()
	}
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO dead_letters (job_id, detected_at, stage, kind, last_error, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		out.JobID, out.DetectedAt, out.Stage, out.Kind, out.LastError, out.Attempts, out.CreatedAt,
	).Scan(&out.ID)
	if err != nil {
		return nil, fmt.Errorf("add dead letter %s: %w", dl.JobID, apperrors.MapDBError(err))
	}
	return &out, nil
}

// List returns dead letters newest first.
func (r *DeadLetterRepo) List(ctx context.Context, limit, offset int) ([]*model.DeadLetter, error) {
	limit, offset = clampPage(limit, offset)
	var out []*model.DeadLetter
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT id, job_id, detected_at, stage, kind, last_error, attempts, created_at
			FROM dead_letters
			ORDER BY created_at DESC, id DESC
			LIMIT $1 OFFSET $2`, limit, offset)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.DeadLetter])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", apperrors.MapDBError(err))
	}
	return out, nil
}

// DeleteByJobID removes every dead letter recorded for jobID.
func (r *DeadLetterRepo) DeleteByJobID(ctx context.Context, jobID string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM dead_letters WHERE job_id = $1`, jobID)
	if err != nil {
		return 0, fmt.Errorf("delete dead letters %s: %w", jobID, apperrors.MapDBError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete dead letters %s: rows affected: %w", jobID, err)
	}
	return int(n), nil
}
