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
	"github.com/ClearPeaks/knime-audit/internal/domain/job"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	apperrors "github.com/ClearPeaks/knime-audit/internal/errors"
	"github.com/ClearPeaks/knime-audit/internal/observability/metrics"
	"github.com/ClearPeaks/knime-audit/internal/observability/statsd"
)

// OutboxRelayServiceOptions groups dependencies for OutboxRelayService.
type OutboxRelayServiceOptions struct {
	Repo      core.OutboxRepository   // Required: outbox repository
	Publisher core.MessagePublisher   // Required: durable bus
	Config    config.OutboxRelayConfig // Required: relay configuration
	// PublishTimeout bounds each redelivery attempt.
	PublishTimeout time.Duration
	Logger         *slog.Logger // Optional: structured logger
	Metrics        statsd.Sink  // Optional: metrics sink (StatsD-compatible)
	Now            func() time.Time
}

// OutboxRelayService redelivers audit events stored in the outbox.
//
// Each tick leases a batch of due entries, publishes them, and either marks
// them delivered or pushes them back with exponential backoff. Leases keep
// concurrent relays from publishing the same entry at the same time.
type OutboxRelayService struct {
	repo      core.OutboxRepository
	publisher core.MessagePublisher
	config    config.OutboxRelayConfig
	backoff   *job.RetryPolicy
	timeout   time.Duration
	logger    *slog.Logger
	metrics   statsd.Sink
	now       func() time.Time
}

// RelayStats summarises one relay pass.
type RelayStats struct {
	Claimed   int
	Delivered int
	Failed    int
}

// NewOutboxRelayService constructs a new OutboxRelayService.
func NewOutboxRelayService(opts OutboxRelayServiceOptions) (*OutboxRelayService, error) {
	if opts.Repo == nil {
		return nil, errors.New("OutboxRepository is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("MessagePublisher is required")
	}
	cfg := opts.Config
	cfg.Sanitize()
	policy, err := job.NewRetryPolicy(1, cfg.RetryBase, cfg.RetryCap)
	if err != nil {
		return nil, fmt.Errorf("outbox backoff: %w", err)
	}
	timeout := opts.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &OutboxRelayService{
		repo:      opts.Repo,
		publisher: opts.Publisher,
		config:    cfg,
		backoff:   policy,
		timeout:   timeout,
		logger:    logger.With("component", "outbox_relay"),
		metrics:   opts.Metrics,
		now:       now,
	}, nil
}

// Run starts the relay loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *OutboxRelayService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting outbox relay",
		"interval", s.config.Interval, "batch_size", s.config.BatchSize)

	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if _, err := s.RunOnce(ctx); err != nil && !isContextCancellation(err) {
		s.logger.ErrorContext(ctx, "initial outbox relay failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "outbox relay stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !isContextCancellation(err) {
				s.logger.ErrorContext(ctx, "outbox relay failed", "error", err)
			}
		}
	}
}

// waitWithJitter adds a random delay up to 10% of the interval so several
// relays started together do not poll in lockstep.
func (s *OutboxRelayService) waitWithJitter(ctx context.Context) {
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
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

// lease is how long a claimed entry stays invisible to other relays.
func (s *OutboxRelayService) lease() time.Duration {
	return max(2*s.config.Interval, time.Minute)
}

// RunOnce relays every due entry, one batch at a time, until none are due.
func (s *OutboxRelayService) RunOnce(ctx context.Context) (RelayStats, error) {
	var total RelayStats
	defer func() {
		if pending, err := s.repo.CountPending(ctx); err == nil {
			metrics.EmitOutboxPending(s.metrics, pending)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		now := s.now().UTC()
		entries, err := s.repo.ClaimDue(ctx, core.ClaimDueParams{
			Now:        now,
			LeaseUntil: now.Add(s.lease()),
			Limit:      s.config.BatchSize,
		})
		if err != nil {
			return total, fmt.Errorf("claim due outbox entries: %w", err)
		}
		total.Claimed += len(entries)
		for _, e := range entries {
			if s.relay(ctx, e) {
				total.Delivered++
			} else {
				total.Failed++
			}
		}
		// A short batch means nothing else is due. After a failure the bus is
		// likely down, so the rest waits for the next tick.
		if len(entries) < s.config.BatchSize || total.Failed > 0 {
			break
		}
	}

	if total.Claimed > 0 {
		s.logger.InfoContext(ctx, "outbox relay pass complete",
			"claimed", total.Claimed, "delivered", total.Delivered, "failed", total.Failed)
	}
	return total, nil
}

func (s *OutboxRelayService) relay(ctx context.Context, e *model.OutboxEntry) bool {
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.publisher.Publish(pctx, core.BusMessage{Key: e.EventKey, JobID: e.JobID, Body: e.Payload})
	cancel()

	if err == nil {
		if markErr := s.repo.MarkDelivered(ctx, e.ID, s.now().UTC()); markErr != nil {
			// The bus dedupes by key, so a later redelivery is harmless.
			s.logger.WarnContext(ctx, "mark outbox entry delivered failed",
				"job_id", e.JobID, "event_key", e.EventKey, "error", markErr)
		}
		metrics.EmitBusPublish(s.metrics, model.DeliveryOutbox, metrics.ResultSuccess, e.Attempts)
		s.logger.InfoContext(ctx, "outboxed audit event delivered",
			"job_id", e.JobID, "event_key", e.EventKey, "attempt", e.Attempts)
		return true
	}

	metrics.EmitBusPublish(s.metrics, model.DeliveryOutbox, metrics.ResultError, e.Attempts)
	next := s.now().UTC().Add(s.backoff.Delay(e.Attempts))
	s.logger.WarnContext(ctx, "outbox redelivery failed",
		"job_id", e.JobID, "stage", apperrors.StagePublish, "attempt", e.Attempts,
		"next_attempt_at", next, "error", err)
	if err := s.repo.Reschedule(ctx, core.RescheduleParams{ID: e.ID, NextAt: next, Err: err.Error()}); err != nil {
		s.logger.ErrorContext(ctx, "reschedule outbox entry failed", "job_id", e.JobID, "error", err)
	}
	return false
}
