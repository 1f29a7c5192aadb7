package data

import (
	"context"
	"database/sql"

	"github.com/ClearPeaks/knime-audit/internal/migrate"
)

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return migrate.Run(ctx, db)
}

// MigrationStatus lists embedded migrations with their applied time.
func MigrationStatus(ctx context.Context, db *sql.DB) ([]migrate.Status, error) {
	return migrate.List(ctx, db)
}
