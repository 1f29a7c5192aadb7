package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClearPeaks/knime-audit/internal/core"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	apperrors "github.com/ClearPeaks/knime-audit/internal/errors"
	"github.com/ClearPeaks/knime-audit/internal/testutil"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestOutcomeRepo_Record(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	detected := now.Add(-time.Minute)

	tests := []struct {
		name      string
		affected  int64
		wantStore bool
	}{
		{name: "first writer stores", affected: 1, wantStore: true},
		{name: "existing outcome is kept", affected: 0, wantStore: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewOutcomeRepoWithTimeProvider(db, FixedClock(now))

			mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outcomes")).
				WithArgs("4471", "delivered", detected, nil, testutil.StringPtr("4471@2024-03-01T09:59:00Z"),
					testutil.StringPtr(model.DeliveryBus), []byte("[]"), now).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			stored, err := repo.Record(context.Background(), &model.Outcome{
				JobID:      "4471",
				Status:     model.OutcomeDelivered,
				DetectedAt: detected,
				EventKey:   testutil.StringPtr("4471@2024-03-01T09:59:00Z"),
				Delivery:   testutil.StringPtr(model.DeliveryBus),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStore, stored)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestOutcomeRepo_Record_Validation(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewOutcomeRepo(db)

	_, err := repo.Record(context.Background(), &model.Outcome{Status: model.OutcomeDelivered})
	assert.True(t, apperrors.IsValidation(err))

	_, err = repo.Record(context.Background(), &model.Outcome{JobID: "1", Status: "bogus"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestOutcomeRepo_Get(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOutcomeRepo(db)
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	stages := []byte(`[{"stage":"archive","status":"gone"}]`)

	mock.ExpectQuery(regexp.QuoteMeta("FROM outcomes WHERE job_id = $1")).
		WithArgs("4471").
		WillReturnRows(sqlmock.NewRows([]string{
			"job_id", "status", "detected_at", "backup_path", "event_key", "delivery", "stages", "recorded_at",
		}).AddRow("4471", "partial", at, "/backups/20240301/4471-20240301100000", nil, "outbox", stages, at))

	o, err := repo.Get(context.Background(), "4471")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePartial, o.Status)
	require.NotNil(t, o.BackupPath)
	assert.Nil(t, o.EventKey)
	require.NotNil(t, o.Delivery)
	assert.Equal(t, model.DeliveryOutbox, *o.Delivery)

	var reports []model.StageReport
	require.NoError(t, json.Unmarshal(o.Stages, &reports))
	assert.Equal(t, model.StageGone, reports[0].Status)
}

func TestOutcomeRepo_Get_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOutcomeRepo(db)
	mock.ExpectQuery(regexp.QuoteMeta("FROM outcomes")).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestOutcomeRepo_Delete(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOutcomeRepo(db)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM outcomes WHERE job_id = $1")).
		WithArgs("4471").WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Delete(context.Background(), "4471")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOutcomeRepo_Integration(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewOutcomeRepo(db)
		detected := time.Now().UTC().Truncate(time.Millisecond)

		stored, err := repo.Record(ctx, &model.Outcome{JobID: "job-a", Status: model.OutcomeDelivered, DetectedAt: detected})
		require.NoError(t, err)
		assert.True(t, stored)

		stored, err = repo.Record(ctx, &model.Outcome{JobID: "job-a", Status: model.OutcomePartial, DetectedAt: detected})
		require.NoError(t, err)
		assert.False(t, stored)

		got, err := repo.Get(ctx, "job-a")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeDelivered, got.Status)

		list, err := repo.List(ctx, core.OutcomeListOptions{Status: model.OutcomeDelivered})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "job-a", list[0].JobID)

		deleted, err := repo.Delete(ctx, "job-a")
		require.NoError(t, err)
		assert.True(t, deleted)
	})
}
