// Package outboxrelay provides the adapter that runs audit event redelivery
// from the Postgres outbox to the bus.
package outboxrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ClearPeaks/knime-audit/config"
	redisadapter "github.com/ClearPeaks/knime-audit/internal/adapters/redis"
	"github.com/ClearPeaks/knime-audit/internal/core"
	"github.com/ClearPeaks/knime-audit/internal/data"
	"github.com/ClearPeaks/knime-audit/internal/observability/statsd"
	"github.com/ClearPeaks/knime-audit/internal/service"
)

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Config      config.OutboxRelayConfig
	Bus         config.BusConfig
	Logger      *slog.Logger
	Metrics     statsd.Sink

	// Optional dependency injection for testing.
	Repo      core.OutboxRepository
	Publisher core.MessagePublisher
}

// Runner runs the outbox relay loop.
type Runner struct {
	relay  *service.OutboxRelayService
	logger *slog.Logger
}

// NewRunner wires the outbox repository and the stream publisher into a relay.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	repo := opts.Repo
	if repo == nil {
		if opts.DB == nil {
			return nil, errors.New("database connection is required")
		}
		repo = data.NewOutboxRepo(opts.DB)
	}

	publisher := opts.Publisher
	if publisher == nil {
		if opts.RedisClient == nil {
			return nil, errors.New("redis client is required")
		}
		p, err := redisadapter.NewStreamPublisher(opts.RedisClient, redisadapter.StreamPublisherOptions{
			Stream:    opts.Bus.Stream,
			MaxLen:    opts.Bus.MaxLen,
			DedupeTTL: opts.Bus.DedupeTTL,
			Logger:    opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create stream publisher: %w", err)
		}
		publisher = p
	}

	relay, err := service.NewOutboxRelayService(service.OutboxRelayServiceOptions{
		Repo:           repo,
		Publisher:      publisher,
		Config:         opts.Config,
		PublishTimeout: publishTimeout(opts.Bus),
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire outbox relay service: %w", err)
	}

	return &Runner{relay: relay, logger: opts.Logger}, nil
}

// Run relays until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting outbox relay runner")
	return r.relay.Run(ctx)
}

// RunOnce performs a single relay pass; used by the admin CLI.
func (r *Runner) RunOnce(ctx context.Context) (service.RelayStats, error) {
	return r.relay.RunOnce(ctx)
}

func publishTimeout(bus config.BusConfig) time.Duration {
	if bus.PublishTimeout > 0 {
		return bus.PublishTimeout
	}
	return 5 * time.Second
}
