package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ClearPeaks/knime-audit/internal/core"
	"github.com/ClearPeaks/knime-audit/internal/data/pgxutil"
	apperrors "github.com/ClearPeaks/knime-audit/internal/errors"
)

// Advisory lock namespace for retention sweeps, taken with the two-argument
// pg_try_advisory_xact_lock(major, minor).
const (
	advisoryLockRetentionMajor       = 2100
	advisoryLockRetentionOutbox      = 1
	advisoryLockRetentionDeadLetters = 2
	advisoryLockRetentionOutcomes    = 3
)

const (
	deleteDeliveredOutboxSQL = `
		DELETE FROM audit_outbox
		WHERE id IN (
			SELECT id FROM audit_outbox
			WHERE delivered_at IS NOT NULL
			  AND delivered_at < $1
			ORDER BY delivered_at
			LIMIT $2
		)`

	deleteOldDeadLettersSQL = `
		DELETE FROM dead_letters
		WHERE id IN (
			SELECT id FROM dead_letters
			WHERE created_at < $1
			ORDER BY created_at
			LIMIT $2
		)`

	// Outcomes backing a dead letter that is still stored are kept so the
	// job is not silently reprocessed while an operator may requeue it.
	deleteOldOutcomesSQL = `
		DELETE FROM outcomes
		WHERE job_id IN (
			SELECT o.job_id FROM outcomes o
			WHERE o.recorded_at < $1
			  AND NOT EXISTS (SELECT 1 FROM dead_letters d WHERE d.job_id = o.job_id)
			ORDER BY o.recorded_at
			LIMIT $2
		)`
)

// RetentionRepo deletes rows that outlived their retention window.
type RetentionRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewRetentionRepo creates a RetentionRepo.
func NewRetentionRepo(db *sql.DB) *RetentionRepo {
	return &RetentionRepo{DB: db, timeProvider: systemClock{}}
}

// NewRetentionRepoWithTimeProvider creates a RetentionRepo with a custom TimeProvider (useful for testing).
func NewRetentionRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *RetentionRepo {
	return &RetentionRepo{DB: db, timeProvider: tp}
}

var _ core.RetentionRepository = (*RetentionRepo)(nil)

// DeleteDeliveredOutbox removes delivered outbox entries older than MaxAge.
func (r *RetentionRepo) DeleteDeliveredOutbox(ctx context.Context, params core.RetentionParams) (int64, error) {
	return r.sweep(ctx, advisoryLockRetentionOutbox, deleteDeliveredOutboxSQL, params)
}

// DeleteOldDeadLetters removes dead letters older than MaxAge.
func (r *RetentionRepo) DeleteOldDeadLetters(ctx context.Context, params core.RetentionParams) (int64, error) {
	return r.sweep(ctx, advisoryLockRetentionDeadLetters, deleteOldDeadLettersSQL, params)
}

// DeleteOldOutcomes removes outcomes older than MaxAge. A job whose outcome
// was removed is processed again if its log line is ever re-read.
func (r *RetentionRepo) DeleteOldOutcomes(ctx context.Context, params core.RetentionParams) (int64, error) {
	return r.sweep(ctx, advisoryLockRetentionOutcomes, deleteOldOutcomesSQL, params)
}

// sweep deletes one batch under an advisory lock so concurrent instances
// never compete for the same rows. It returns 0 when another instance holds the lock.
func (r *RetentionRepo) sweep(ctx context.Context, minor int, query string, params core.RetentionParams) (int64, error) {
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	if params.MaxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, func(tx *sql.Tx) error {
		var locked bool
		if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockRetentionMajor, minor).Scan(&locked); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !locked {
			return nil
		}

		cutoff := r.timeProvider.Now().Add(-params.MaxAge).UTC()
		res, err := tx.ExecContext(ctx, query, cutoff, params.BatchSize)
		if err != nil {
			return apperrors.MapDBError(err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		rowsAffected = ra
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}
