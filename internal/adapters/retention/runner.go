// Package retention provides the adapter that runs the retention sweeper.
package retention

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ClearPeaks/knime-audit/config"
	"github.com/ClearPeaks/knime-audit/internal/core"
	"github.com/ClearPeaks/knime-audit/internal/data"
	"github.com/ClearPeaks/knime-audit/internal/observability/statsd"
	"github.com/ClearPeaks/knime-audit/internal/service"
)

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB      *sql.DB
	Config  config.RetentionConfig
	Logger  *slog.Logger
	Metrics statsd.Sink

	// Optional dependency injection for testing.
	Repo core.RetentionRepository
}

// Runner constructs the retention service and runs its sweep loop.
type Runner struct {
	svc    *service.RetentionService
	logger *slog.Logger
}

// NewRunner creates a retention runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	repo := opts.Repo
	if repo == nil {
		if opts.DB == nil {
			return nil, errors.New("database connection is required")
		}
		repo = data.NewRetentionRepo(opts.DB)
	}

	svc, err := service.NewRetentionService(service.RetentionServiceOptions{
		Repo:    repo,
		Config:  opts.Config,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire retention service: %w", err)
	}
	return &Runner{svc: svc, logger: opts.Logger}, nil
}

// Run sweeps until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting retention runner")
	return r.svc.Run(ctx)
}

// Sweep runs one pass; used by the admin CLI.
func (r *Runner) Sweep(ctx context.Context) error {
	return r.svc.Sweep(ctx)
}
