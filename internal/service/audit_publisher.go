package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClearPeaks/knime-audit/internal/core"
	"github.com/ClearPeaks/knime-audit/internal/domain/job"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	apperrors "github.com/ClearPeaks/knime-audit/internal/errors"
	"github.com/ClearPeaks/knime-audit/internal/observability/metrics"
	"github.com/ClearPeaks/knime-audit/internal/observability/statsd"
)

// AuditPublisherServiceOptions groups dependencies for AuditPublisherService.
type AuditPublisherServiceOptions struct {
	Publisher   core.MessagePublisher  // Required: durable bus
	Outbox      core.OutboxRepository  // Required: fallback store
	Retry       *job.RetryPolicy       // Required: bus retry policy
	Application model.AuditApplication // Fixed application block of every record
	// PublishTimeout bounds each bus attempt.
	PublishTimeout time.Duration
	// OutboxDelay postpones the first relay attempt of an outboxed event.
	OutboxDelay time.Duration
	Logger      *slog.Logger
	Metrics     statsd.Sink
	Now         func() time.Time
}

// AuditPublisherService renders audit events and delivers them to the bus,
// falling back to the outbox once the bus retry budget is spent.
type AuditPublisherService struct {
	publisher core.MessagePublisher
	outbox    core.OutboxRepository
	retry     *job.RetryPolicy
	app       model.AuditApplication
	timeout   time.Duration
	delay     time.Duration
	logger    *slog.Logger
	metrics   statsd.Sink
	now       func() time.Time
}

var _ core.AuditPublisher = (*AuditPublisherService)(nil)

// NewAuditPublisherService constructs an AuditPublisherService.
func NewAuditPublisherService(opts AuditPublisherServiceOptions) (*AuditPublisherService, error) {
	if opts.Publisher == nil {
		return nil, errors.New("MessagePublisher is required")
	}
	if opts.Outbox == nil {
		return nil, errors.New("OutboxRepository is required")
	}
	if opts.Retry == nil {
		return nil, errors.New("RetryPolicy is required")
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
	return &AuditPublisherService{
		publisher: opts.Publisher,
		outbox:    opts.Outbox,
		retry:     opts.Retry,
		app:       opts.Application,
		timeout:   timeout,
		delay:     opts.OutboxDelay,
		logger:    logger.With("component", "audit_publisher"),
		metrics:   opts.Metrics,
		now:       now,
	}, nil
}

// Publish delivers ev and returns the channel that accepted it:
// model.DeliveryBus or model.DeliveryOutbox. An error means neither did.
func (s *AuditPublisherService) Publish(ctx context.Context, ev model.AuditEvent) (string, error) {
	body, err := ev.RenderXML(s.app)
	if err != nil {
		return "", apperrors.Malformed(apperrors.StagePublish, "render audit event", nil, err)
	}
	msg := core.BusMessage{Key: ev.Key(), JobID: ev.JobID, Body: body}

	attempts, pubErr := s.retry.Do(ctx, func(ctx context.Context, _ int) error {
		actx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.publisher.Publish(actx, msg)
	}, apperrors.IsTransient, func(attempt int, err error, wait time.Duration) {
		s.logger.WarnContext(ctx, "bus publish failed, retrying",
			"job_id", ev.JobID, "stage", apperrors.StagePublish, "attempt", attempt, "wait", wait, "error", err)
	})
	if pubErr == nil {
		metrics.EmitBusPublish(s.metrics, model.DeliveryBus, metrics.ResultSuccess, attempts)
		s.logger.InfoContext(ctx, "audit event published", "job_id", ev.JobID, "event_key", msg.Key, "attempts", attempts)
		return model.DeliveryBus, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	metrics.EmitBusPublish(s.metrics, model.DeliveryBus, metrics.ResultError, attempts)

	s.logger.WarnContext(ctx, "bus unavailable, storing audit event in outbox",
		"job_id", ev.JobID, "stage", apperrors.StagePublish, "attempt", attempts, "error", pubErr)
	now := s.now().UTC()
	entry := &model.OutboxEntry{
		JobID:         ev.JobID,
		EventKey:      msg.Key,
		Payload:       body,
		CreatedAt:     now,
		NextAttemptAt: now.Add(s.delay),
	}
	if err := s.outbox.Enqueue(ctx, entry); err != nil {
		metrics.EmitBusPublish(s.metrics, model.DeliveryOutbox, metrics.ResultError, 1)
		return "", apperrors.Storage(apperrors.StagePublish, "outbox enqueue",
			fmt.Errorf("%w (bus: %w)", err, pubErr))
	}
	metrics.EmitBusPublish(s.metrics, model.DeliveryOutbox, metrics.ResultSuccess, 1)
	return model.DeliveryOutbox, nil
}
