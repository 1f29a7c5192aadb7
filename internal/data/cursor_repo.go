package data

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ClearPeaks/knime-audit/internal/core"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	apperrors "github.com/ClearPeaks/knime-audit/internal/errors"
)

// CursorRepo persists tailer read positions.
type CursorRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewCursorRepo creates a CursorRepo.
func NewCursorRepo(db *sql.DB) *CursorRepo {
	return &CursorRepo{DB: db, timeProvider: systemClock{}}
}

// NewCursorRepoWithTimeProvider creates a CursorRepo with a custom TimeProvider (useful for testing).
func NewCursorRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *CursorRepo {
	return &CursorRepo{DB: db, timeProvider: tp}
}

var _ core.CursorRepository = (*CursorRepo)(nil)

// Load returns the cursor stored under name.
func (r *CursorRepo) Load(ctx context.Context, name string) (*model.TailerCursor, error) {
	var c model.TailerCursor
	err := r.DB.QueryRowContext(ctx,
		`SELECT name, file_path, file_offset, updated_at FROM tailer_cursors WHERE name = $1`, name,
	).Scan(&c.Name, &c.FilePath, &c.Offset, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("load cursor %s: %w", name, apperrors.MapDBError(err))
	}
	return &c, nil
}

// Save upserts the cursor.
func (r *CursorRepo) Save(ctx context.Context, c model.TailerCursor) error {
	if strings.TrimSpace(c.Name) == "" {
		return apperrors.Validationf("cursor name is required")
	}
	if c.Offset < 0 {
		return apperrors.Validationf("cursor offset must not be negative")
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = r.timeProvider.Now().UTC()
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO tailer_cursors (name, file_path, file_offset, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET file_path = EXCLUDED.file_path,
		    file_offset = EXCLUDED.file_offset,
		    updated_at = EXCLUDED.updated_at`,
		c.Name, c.FilePath, c.Offset, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", c.Name, apperrors.MapDBError(err))
	}
	return nil
}
