package data

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClearPeaks/knime-audit/internal/core"
)

func TestRetentionRepo_Sweeps(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	params := core.RetentionParams{MaxAge: 24 * time.Hour, BatchSize: 500}
	cutoff := now.Add(-24 * time.Hour)

	tests := []struct {
		name  string
		minor int
		table string
		call  func(*RetentionRepo) (int64, error)
	}{
		{
			name:  "delivered outbox",
			minor: advisoryLockRetentionOutbox,
			table: "DELETE FROM audit_outbox",
			call: func(r *RetentionRepo) (int64, error) {
				return r.DeleteDeliveredOutbox(context.Background(), params)
			},
		},
		{
			name:  "dead letters",
			minor: advisoryLockRetentionDeadLetters,
			table: "DELETE FROM dead_letters",
			call: func(r *RetentionRepo) (int64, error) {
				return r.DeleteOldDeadLetters(context.Background(), params)
			},
		},
		{
			name:  "outcomes",
			minor: advisoryLockRetentionOutcomes,
			table: "DELETE FROM outcomes",
			call: func(r *RetentionRepo) (int64, error) {
				return r.DeleteOldOutcomes(context.Background(), params)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewRetentionRepoWithTimeProvider(db, FixedClock(now))

			mock.ExpectBegin()
			mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_xact_lock($1, $2)")).
				WithArgs(advisoryLockRetentionMajor, tt.minor).
				WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
			mock.ExpectExec(regexp.QuoteMeta(tt.table)).
				WithArgs(cutoff, 500).
				WillReturnResult(sqlmock.NewResult(0, 7))
			mock.ExpectCommit()

			n, err := tt.call(repo)
			require.NoError(t, err)
			assert.Equal(t, int64(7), n)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRetentionRepo_LockHeldElsewhere(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRetentionRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("pg_try_advisory_xact_lock")).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))
	mock.ExpectCommit()

	n, err := repo.DeleteDeliveredOutbox(context.Background(), core.RetentionParams{MaxAge: time.Hour, BatchSize: 10})
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetentionRepo_ExecErrorRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRetentionRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("pg_try_advisory_xact_lock")).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM dead_letters")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := repo.DeleteOldDeadLetters(context.Background(), core.RetentionParams{MaxAge: time.Hour, BatchSize: 10})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetentionRepo_Validation(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewRetentionRepo(db)

	_, err := repo.DeleteOldOutcomes(context.Background(), core.RetentionParams{MaxAge: time.Hour})
	require.Error(t, err)
	_, err = repo.DeleteOldOutcomes(context.Background(), core.RetentionParams{BatchSize: 10})
	require.Error(t, err)
}
