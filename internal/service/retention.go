package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClearPeaks/knime-audit/config"
	"github.com/ClearPeaks/knime-audit/internal/core"
	obserrors "github.com/ClearPeaks/knime-audit/internal/observability/errors"
	"github.com/ClearPeaks/knime-audit/internal/observability/metrics"
	"github.com/ClearPeaks/knime-audit/internal/observability/statsd"
)

// RetentionServiceOptions groups dependencies for RetentionService.
type RetentionServiceOptions struct {
	Repo    core.RetentionRepository // Required
	Config  config.RetentionConfig
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// RetentionService periodically deletes delivered outbox rows and, when
// configured, aged dead letters and outcomes.
type RetentionService struct {
	repo    core.RetentionRepository
	config  config.RetentionConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewRetentionService constructs a RetentionService.
func NewRetentionService(opts RetentionServiceOptions) (*RetentionService, error) {
	if opts.Repo == nil {
		return nil, errors.New("RetentionRepository is required")
	}
	if opts.Config.Interval <= 0 {
		return nil, errors.New("retention interval must be positive")
	}
	if opts.Config.BatchSize <= 0 {
		return nil, errors.New("retention batch size must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionService{
		repo:    opts.Repo,
		config:  opts.Config,
		logger:  logger.With("component", "retention_service"),
		metrics: opts.Metrics,
	}, nil
}

// Run sweeps once after a short jitter and then on every interval until ctx
// is cancelled. Returns nil on graceful shutdown.
func (s *RetentionService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting retention service",
		"interval", s.config.Interval,
		"outbox_delivered_max_age", s.config.OutboxDeliveredMaxAge,
		"dead_letter_max_age", s.config.DeadLetterMaxAge,
		"outcome_max_age", s.config.OutcomeMaxAge,
	)

	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.Sweep(ctx); err != nil {
		s.logSweepError(ctx, err, "initial sweep")
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "retention service stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logSweepError(ctx, err, "sweep")
			}
		}
	}
}

// waitWithJitter sleeps up to 10% of the interval so replicas started together
// do not contend for the same advisory locks.
func (s *RetentionService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter))) // #nosec G115 - bounded by maxJitter

	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

type retentionStep struct {
	operation string
	maxAge    time.Duration
	fn        func(context.Context, core.RetentionParams) (int64, error)
}

type retentionStepResult struct {
	operation string
	count     int64
	err       error
}

// Sweep runs every enabled retention step once, each until its table has no
// more eligible rows.
func (s *RetentionService) Sweep(ctx context.Context) error {
	start := time.Now()
	steps := []retentionStep{
		{operation: "delete_delivered_outbox", maxAge: s.config.OutboxDeliveredMaxAge, fn: s.repo.DeleteDeliveredOutbox},
		{operation: "delete_dead_letters", maxAge: s.config.DeadLetterMaxAge, fn: s.repo.DeleteOldDeadLetters},
		{operation: "delete_outcomes", maxAge: s.config.OutcomeMaxAge, fn: s.repo.DeleteOldOutcomes},
	}

	var (
		results     []retentionStepResult
		errs        []error
		allCanceled = true
	)
	for _, step := range steps {
		if step.maxAge <= 0 {
			continue
		}
		count, err := s.drain(ctx, step)
		results = append(results, retentionStepResult{
			operation: step.operation,
			count:     count,
			err:       suppressContextCancellation(err),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.operation, err))
			allCanceled = allCanceled && isContextCancellation(err)
		}
	}

	s.emitSweepMetrics(results, time.Since(start))

	if len(errs) == 0 {
		return nil
	}
	joined := errors.Join(errs...)
	if allCanceled {
		return context.Canceled
	}
	return fmt.Errorf("retention sweep failed: %w", joined)
}

func (s *RetentionService) drain(ctx context.Context, step retentionStep) (int64, error) {
	params := core.RetentionParams{MaxAge: step.maxAge, BatchSize: s.config.BatchSize}
	var total int64
	for {
		count, err := step.fn(ctx, params)
		if err != nil {
			return total, err
		}
		total += count
		if count < int64(params.BatchSize) {
			break
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
	if total > 0 {
		s.logger.InfoContext(ctx, "retention step removed rows",
			"operation", step.operation, "count", total, "max_age", step.maxAge)
	}
	return total, nil
}

func (s *RetentionService) emitSweepMetrics(results []retentionStepResult, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}

	var (
		total    int64
		firstErr error
	)
	for _, r := range results {
		total += r.count
		if firstErr == nil && r.err != nil {
			firstErr = r.err
		}
		s.emitOperationMetric(r)
	}

	tags := map[string]string{"result": resultTag(total, firstErr)}
	if class := obserrors.Classify(firstErr); class != "" {
		tags["error_class"] = class
	}
	s.metrics.Count("retention.cleanup", 1, tags)
	if elapsed > 0 {
		s.metrics.Timing("retention.cleanup_duration", elapsed, metrics.CloneTags(tags))
	}
	if firstErr == nil {
		s.metrics.Gauge("retention.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *RetentionService) emitOperationMetric(r retentionStepResult) {
	tags := map[string]string{
		"operation": r.operation,
		"result":    resultTag(r.count, r.err),
	}
	if class := obserrors.Classify(r.err); class != "" {
		tags["error_class"] = class
	}
	s.metrics.Count("retention.cleanup_operation", 1, tags)
	if r.err == nil && r.count > 0 {
		s.metrics.Count("retention.rows_deleted", r.count, metrics.CloneTags(tags))
	}
}

func resultTag(count int64, err error) string {
	switch {
	case err != nil:
		return metrics.ResultError
	case count == 0:
		return metrics.ResultNoop
	default:
		return metrics.ResultSuccess
	}
}

func (s *RetentionService) logSweepError(ctx context.Context, err error, label string) {
	if isContextCancellation(err) {
		s.logger.DebugContext(ctx, label+" cancelled by context", "error", err)
		return
	}
	s.logger.ErrorContext(ctx, label+" failed", "error", err)
}
