package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ClearPeaks/knime-audit/config"
	"github.com/ClearPeaks/knime-audit/internal/adapters/jobrunner"
	redisadapter "github.com/ClearPeaks/knime-audit/internal/adapters/redis"
	"github.com/ClearPeaks/knime-audit/internal/adapters/sourceapi"
	"github.com/ClearPeaks/knime-audit/internal/adapters/tailer"
	"github.com/ClearPeaks/knime-audit/internal/core"
	"github.com/ClearPeaks/knime-audit/internal/data"
	"github.com/ClearPeaks/knime-audit/internal/domain/job"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	"github.com/ClearPeaks/knime-audit/internal/observability/statsd"
	"github.com/ClearPeaks/knime-audit/internal/service"
)

const (
	// finalCheckpointTimeout bounds the cursor write after the workers drained.
	finalCheckpointTimeout = 5 * time.Second
	// probeTimeout bounds the startup connectivity check against the execution server.
	probeTimeout = 30 * time.Second
)

// PipelineConfig holds the dependencies for the tailer and job processor.
type PipelineConfig struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	Metrics     statsd.Sink
	Notifier    service.IncidentNotifier

	// Source overrides the execution server client (tests).
	Source core.JobSource
	// Publisher overrides the bus publisher (tests).
	Publisher core.MessagePublisher
}

// Pipeline is the wired tailer, queue and processing workers.
type Pipeline struct {
	tailer       *tailer.Tailer
	queue        *job.Queue
	runner       *jobrunner.Runner
	drainTimeout time.Duration
	logger       *slog.Logger
}

// NewPipeline wires every stage of the audit pipeline. It probes the
// execution server when configured so bad credentials fail startup.
func NewPipeline(ctx context.Context, cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Config == nil {
		return nil, errors.New("pipeline config is required")
	}
	if cfg.DB == nil {
		return nil, errors.New("database connection is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	app := cfg.Config

	source, err := buildSource(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	publisher, err := buildBusPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}

	stageRetry, err := job.NewRetryPolicy(app.Retry.MaxAttempts, app.Retry.BackoffBase, app.Retry.BackoffCap)
	if err != nil {
		return nil, fmt.Errorf("stage retry policy: %w", err)
	}
	jobRetry, err := job.NewRetryPolicy(app.Retry.JobMaxAttempts, app.Retry.JobBackoffBase, app.Retry.JobBackoffCap)
	if err != nil {
		return nil, fmt.Errorf("job retry policy: %w", err)
	}

	doc, err := config.LoadFilterRules(app.Filter)
	if err != nil {
		return nil, err
	}
	rules, err := service.NewFilterRules(doc)
	if err != nil {
		return nil, fmt.Errorf("compile filter rules: %w", err)
	}

	audit, err := service.NewAuditPublisherService(service.AuditPublisherServiceOptions{
		Publisher: publisher,
		Outbox:    data.NewOutboxRepo(cfg.DB),
		Retry:     stageRetry,
		Application: model.AuditApplication{
			Name:      app.Audit.ApplicationName,
			Component: app.Audit.ApplicationComponent,
			HostName:  app.Audit.HostName,
			Namespace: app.Audit.Namespace,
		},
		PublishTimeout: app.Bus.PublishTimeout,
		OutboxDelay:    app.OutboxRelay.Interval,
		Logger:         logger,
		Metrics:        cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit publisher: %w", err)
	}

	procOpts := service.ProcessorServiceOptions{
		Source: source,
		Filter: service.NewArchiveFilterService(service.ArchiveFilterServiceOptions{
			Rules: rules, Logger: logger, Metrics: cfg.Metrics,
		}),
		Backups: service.NewBackupWriterService(service.BackupWriterServiceOptions{
			Config: app.Backup, Logger: logger, Metrics: cfg.Metrics,
		}),
		Publisher:   audit,
		Outcomes:    data.NewOutcomeRepo(cfg.DB),
		DeadLetters: data.NewDeadLetterRepo(cfg.DB),
		StageRetry:  stageRetry,
		JobRetry:    jobRetry,
		ClaimTTL:    app.Processor.ClaimTTL,
		InFlight:    job.NewInFlight(),
		TriggerSwap: app.Source.TriggerSwap,
		Notifier:    cfg.Notifier,
		Logger:      logger,
		Metrics:     cfg.Metrics,
	}
	if cfg.RedisClient != nil {
		procOpts.Claims = redisadapter.NewClaimStore(cfg.RedisClient)
	}
	processor, err := service.NewProcessorService(procOpts)
	if err != nil {
		return nil, fmt.Errorf("create processor: %w", err)
	}

	queue, err := job.NewQueue(app.Processor.QueueCapacity)
	if err != nil {
		return nil, err
	}
	watermark := job.NewWatermark()

	t, err := tailer.New(tailer.Options{
		Config:    app.Tailer,
		Cursors:   data.NewCursorRepo(cfg.DB),
		Sink:      queue,
		Metrics:   cfg.Metrics,
		Logger:    logger,
		Watermark: watermark,
	})
	if err != nil {
		return nil, fmt.Errorf("create tailer: %w", err)
	}

	runner, err := jobrunner.NewRunner(jobrunner.RunnerOptions{
		Queue:       queue,
		Processor:   processor,
		Watermark:   watermark,
		Concurrency: app.Processor.Workers,
		Logger:      logger,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create job runner: %w", err)
	}

	return &Pipeline{
		tailer:       t,
		queue:        queue,
		runner:       runner,
		drainTimeout: app.Processor.DrainTimeout,
		logger:       logger.With("component", "pipeline"),
	}, nil
}

// Run tails and processes until ctx is cancelled or the tailer fails.
//
// Shutdown is ordered: the tailer stops reading, the queue is closed, the
// workers drain what is queued for up to the drain timeout and are then
// aborted, and finally the cursor is saved past every finished job.
func (p *Pipeline) Run(ctx context.Context) error {
	workCtx, abortWork := context.WithCancel(context.WithoutCancel(ctx))
	defer abortWork()

	var g errgroup.Group
	drained := make(chan struct{})
	g.Go(func() error {
		defer close(drained)
		return p.runner.Run(workCtx)
	})

	tailErr := p.tailer.Run(ctx)
	p.queue.Close()
	p.logger.InfoContext(workCtx, "tailer stopped, draining queue",
		"queued", p.queue.Len(), "drain_timeout", p.drainTimeout)

	timer := time.NewTimer(p.drainTimeout)
	select {
	case <-drained:
		timer.Stop()
	case <-timer.C:
		p.logger.WarnContext(workCtx, "drain timeout reached, aborting in-flight jobs", "queued", p.queue.Len())
		abortWork()
	}
	runErr := g.Wait()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalCheckpointTimeout)
	defer cancel()
	if err := p.tailer.Checkpoint(cctx); err != nil {
		p.logger.ErrorContext(cctx, "final checkpoint failed", "error", err)
	}

	st := p.runner.Stats()
	p.logger.InfoContext(cctx, "pipeline stopped",
		"processed", st.Processed, "skipped", st.Skipped, "failed", st.Failed)
	return errors.Join(tailErr, runErr)
}

func buildSource(ctx context.Context, cfg PipelineConfig, logger *slog.Logger) (core.JobSource, error) {
	if cfg.Source != nil {
		return cfg.Source, nil
	}
	srcCfg := cfg.Config.Source
	if err := srcCfg.Validate(); err != nil {
		return nil, err
	}
	httpClient, err := sourceapi.NewHTTPClient(ctx, srcCfg)
	if err != nil {
		return nil, fmt.Errorf("source http client: %w", err)
	}
	client, err := sourceapi.New(sourceapi.Options{
		BaseURL:    srcCfg.APIBaseURL(),
		HTTPClient: httpClient,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("source client: %w", err)
	}
	if srcCfg.ProbeOnStart {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if err := client.Probe(pctx); err != nil {
			return nil, fmt.Errorf("probe execution server %s: %w", srcCfg.APIBaseURL(), err)
		}
		logger.InfoContext(ctx, "execution server reachable", "base_url", srcCfg.APIBaseURL())
	}
	return client, nil
}

//nolint:ireturn // tests inject their own publisher.
func buildBusPublisher(cfg PipelineConfig, logger *slog.Logger) (core.MessagePublisher, error) {
	if cfg.Publisher != nil {
		return cfg.Publisher, nil
	}
	if cfg.RedisClient == nil {
		return nil, errors.New("redis client is required for the audit bus")
	}
	bus := cfg.Config.Bus
	p, err := redisadapter.NewStreamPublisher(cfg.RedisClient, redisadapter.StreamPublisherOptions{
		Stream:    bus.Stream,
		MaxLen:    bus.MaxLen,
		DedupeTTL: bus.DedupeTTL,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream publisher: %w", err)
	}
	return p, nil
}
