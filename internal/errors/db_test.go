package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapDBError_NilError(t *testing.T) {
	if err := MapDBError(nil); err != nil {
		t.Errorf("MapDBError(nil) = %v, want nil", err)
	}
}

func TestMapDBError_Codes(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  ErrorCode
		wantRetry bool
	}{
		{name: "deadline exceeded", err: context.DeadlineExceeded, wantCode: ErrCodeTimeout, wantRetry: true},
		{name: "canceled", err: context.Canceled, wantCode: ErrCodeCanceled},
		{name: "no rows", err: fmt.Errorf("select: %w", pgx.ErrNoRows), wantCode: ErrCodeNotFound},
		{
			name:     "unique violation",
			err:      &pgconn.PgError{Code: pgerrcode.UniqueViolation, Detail: "Key (job_id)=(42) already exists."},
			wantCode: ErrCodeConflict,
		},
		{
			name:     "not null",
			err:      &pgconn.PgError{Code: pgerrcode.NotNullViolation, ColumnName: "status"},
			wantCode: ErrCodeValidation,
		},
		{
			name:      "admin shutdown",
			err:       &pgconn.PgError{Code: pgerrcode.AdminShutdown},
			wantCode:  ErrCodeUnavailable,
			wantRetry: true,
		},
		{
			name:      "connection failure",
			err:       &pgconn.PgError{Code: pgerrcode.ConnectionFailure},
			wantCode:  ErrCodeUnavailable,
			wantRetry: true,
		},
		{
			name:     "syntax error",
			err:      &pgconn.PgError{Code: pgerrcode.SyntaxError},
			wantCode: ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.err)
			if got := GetCode(err); got != tt.wantCode {
				t.Errorf("MapDBError() code = %v, want %v", got, tt.wantCode)
			}
			if got := IsRetryableDB(err); got != tt.wantRetry {
				t.Errorf("IsRetryableDB() = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestMapDBError_UniqueViolationField(t *testing.T) {
	err := MapDBError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, Detail: "Key (job_id)=(42) already exists."})
	var appErr *AppError
	if !asAppError(err, &appErr) || appErr.Field != "job_id" {
		t.Errorf("expected field job_id, got %+v", appErr)
	}
}

func TestMapDBError_Unrecognized(t *testing.T) {
	orig := fmt.Errorf("plain")
	if err := MapDBError(orig); err != orig {
		t.Errorf("unrecognized errors should pass through unchanged")
	}
}

func asAppError(err error, target **AppError) bool {
	ae, ok := err.(*AppError)
	if ok {
		*target = ae
	}
	return ok
}
