package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ClearPeaks/knime-audit/config"
	"github.com/ClearPeaks/knime-audit/internal/adapters/outboxrelay"
	"github.com/ClearPeaks/knime-audit/internal/adapters/retention"
	"github.com/ClearPeaks/knime-audit/internal/observability/statsd"
)

// RunPipeline wires and runs the tailer and job processor.
func RunPipeline(ctx context.Context, cfg PipelineConfig) error {
	p, err := NewPipeline(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	return p.Run(ctx)
}

// OutboxRelayConfig contains configuration for the outbox relay.
type OutboxRelayConfig struct {
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Config      config.OutboxRelayConfig
	Bus         config.BusConfig
	Logger      *slog.Logger
	Metrics     statsd.Sink
}

// RunOutboxRelay starts the outbox relay service.
func RunOutboxRelay(ctx context.Context, cfg OutboxRelayConfig) error {
	runner, err := outboxrelay.NewRunner(outboxrelay.RunnerOptions{
		DB:          cfg.DB,
		RedisClient: cfg.RedisClient,
		Config:      cfg.Config,
		Bus:         cfg.Bus,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create outbox relay runner: %w", err)
	}
	return runner.Run(ctx)
}

// RetentionConfig contains configuration for the retention sweeper.
type RetentionConfig struct {
	DB      *sql.DB
	Config  config.RetentionConfig
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// RunRetention starts the retention service.
func RunRetention(ctx context.Context, cfg RetentionConfig) error {
	runner, err := retention.NewRunner(retention.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create retention runner: %w", err)
	}
	return runner.Run(ctx)
}
