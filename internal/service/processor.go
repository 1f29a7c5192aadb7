package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ClearPeaks/knime-audit/internal/core"
	"github.com/ClearPeaks/knime-audit/internal/domain/job"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	apperrors "github.com/ClearPeaks/knime-audit/internal/errors"
	"github.com/ClearPeaks/knime-audit/internal/observability/metrics"
	"github.com/ClearPeaks/knime-audit/internal/observability/notify"
	"github.com/ClearPeaks/knime-audit/internal/observability/statsd"
)

// Reasons a detection is skipped without processing.
const (
	SkipInFlight          = "in_flight"
	SkipClaimedElsewhere  = "claimed_elsewhere"
	SkipAlreadyRecorded   = "already_recorded"
	defaultClaimTTL       = 10 * time.Minute
	claimReleaseTimeout   = 5 * time.Second
	deadLetterErrorMaxLen = 4000
)

var errAlreadyRecorded = errors.New("outcome already recorded")

// IncidentNotifier raises operator incidents.
type IncidentNotifier interface {
	Notify(ctx context.Context, in notify.Incident)
}

// ProcessorServiceOptions groups dependencies for ProcessorService.
type ProcessorServiceOptions struct {
	Source      core.JobSource            // Required: execution server REST client
	Filter      core.ArchiveFilter        // Required: archive filter
	Backups     core.BackupWriter         // Required: bundle writer
	Publisher   core.AuditPublisher       // Required: bus publisher with outbox fallback
	Outcomes    core.OutcomeRepository    // Required: idempotency store
	DeadLetters core.DeadLetterRepository // Required: dead letter store
	StageRetry  *job.RetryPolicy          // Required: per-call retry policy
	JobRetry    *job.RetryPolicy          // Required: whole-job retry budget

	Claims   core.ClaimStore // Optional: cross-process in-flight claims
	ClaimTTL time.Duration
	InFlight *job.InFlight // Optional: shared in-process set; created when nil
	// TriggerSwap asks the server to swap the job out before reading its summary.
	TriggerSwap bool
	Notifier    IncidentNotifier // Optional: operator notifications
	Logger      *slog.Logger
	Metrics     statsd.Sink
	Now         func() time.Time
}

// ProcessorService drives one detected job through retrieval, filtering,
// backup and publishing, and records its terminal outcome.
type ProcessorService struct {
	source      core.JobSource
	filter      core.ArchiveFilter
	backups     core.BackupWriter
	publisher   core.AuditPublisher
	outcomes    core.OutcomeRepository
	deadLetters core.DeadLetterRepository
	stageRetry  *job.RetryPolicy
	jobRetry    *job.RetryPolicy
	claims      core.ClaimStore
	claimTTL    time.Duration
	inFlight    *job.InFlight
	triggerSwap bool
	notifier    IncidentNotifier
	logger      *slog.Logger
	metrics     statsd.Sink
	now         func() time.Time
}

// ProcessResult is what Process did with a detection. Exactly one of
// Outcome and Skipped is set.
type ProcessResult struct {
	Outcome *model.Outcome
	Skipped string
}

// NewProcessorService constructs a ProcessorService.
func NewProcessorService(opts ProcessorServiceOptions) (*ProcessorService, error) {
	switch {
	case opts.Source == nil:
		return nil, errors.New("JobSource is required")
	case opts.Filter == nil:
		return nil, errors.New("ArchiveFilter is required")
	case opts.Backups == nil:
		return nil, errors.New("BackupWriter is required")
	case opts.Publisher == nil:
		return nil, errors.New("AuditPublisher is required")
	case opts.Outcomes == nil:
		return nil, errors.New("OutcomeRepository is required")
	case opts.DeadLetters == nil:
		return nil, errors.New("DeadLetterRepository is required")
	case opts.StageRetry == nil || opts.JobRetry == nil:
		return nil, errors.New("stage and job retry policies are required")
	}
	inFlight := opts.InFlight
	if inFlight == nil {
		inFlight = job.NewInFlight()
	}
	ttl := opts.ClaimTTL
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &ProcessorService{
		source:      opts.Source,
		filter:      opts.Filter,
		backups:     opts.Backups,
		publisher:   opts.Publisher,
		outcomes:    opts.Outcomes,
		deadLetters: opts.DeadLetters,
		stageRetry:  opts.StageRetry,
		jobRetry:    opts.JobRetry,
		claims:      opts.Claims,
		claimTTL:    ttl,
		inFlight:    inFlight,
		triggerSwap: opts.TriggerSwap,
		notifier:    opts.Notifier,
		logger:      logger.With("component", "processor"),
		metrics:     opts.Metrics,
		now:         now,
	}, nil
}

// Process handles one detection. A nil error means the detection reached a
// terminal state: an outcome was recorded or it was skipped. An error means
// nothing durable was recorded and the job must be detected again.
func (s *ProcessorService) Process(ctx context.Context, d model.Detection) (ProcessResult, error) {
	logger := s.logger.With("job_id", d.JobID)

	if !s.inFlight.TryAcquire(d.JobID) {
		logger.DebugContext(ctx, "job already in flight, skipping")
		metrics.EmitSkipped(s.metrics, SkipInFlight)
		return ProcessResult{Skipped: SkipInFlight}, nil
	}
	defer s.inFlight.Release(d.JobID)

	if s.claims != nil {
		ok, err := s.claims.Claim(ctx, d.JobID, s.claimTTL)
		switch {
		case err != nil:
			// The outcome store still rejects a second outcome.
			logger.WarnContext(ctx, "claim store unavailable, continuing with local claim", "error", err)
		case !ok:
			logger.InfoContext(ctx, "job claimed by another worker, skipping")
			metrics.EmitSkipped(s.metrics, SkipClaimedElsewhere)
			return ProcessResult{Skipped: SkipClaimedElsewhere}, nil
		default:
			defer s.releaseClaim(ctx, d.JobID)
		}
	}

	start := s.now()
	var outcome *model.Outcome
	progress := &jobProgress{}
	attempts, err := s.jobRetry.Do(ctx, func(ctx context.Context, attempt int) error {
		o, err := s.attempt(ctx, d, attempt, progress)
		if err != nil {
			return err
		}
		outcome = o
		return nil
	}, jobRetryable, func(attempt int, err error, wait time.Duration) {
		logger.WarnContext(ctx, "job attempt failed, retrying",
			"stage", stageOf(err), "attempt", attempt, "wait", wait, "error", err)
	})

	switch {
	case errors.Is(err, errAlreadyRecorded):
		logger.InfoContext(ctx, "job already has an outcome, skipping")
		metrics.EmitSkipped(s.metrics, SkipAlreadyRecorded)
		return ProcessResult{Skipped: SkipAlreadyRecorded}, nil
	case err == nil:
		metrics.EmitOutcome(s.metrics, metrics.OutcomeMetric{
			Status:   string(outcome.Status),
			Delivery: deref(outcome.Delivery),
			Duration: s.now().Sub(start),
		})
		return ProcessResult{Outcome: outcome}, nil
	case ctx.Err() != nil:
		logger.InfoContext(ctx, "job interrupted by shutdown", "attempt", attempts)
		return ProcessResult{}, ctx.Err()
	}

	o, dlErr := s.deadLetter(ctx, d, attempts, err)
	if dlErr != nil {
		return ProcessResult{}, dlErr
	}
	metrics.EmitOutcome(s.metrics, metrics.OutcomeMetric{Status: string(o.Status), Duration: s.now().Sub(start)})
	return ProcessResult{Outcome: o}, nil
}

func (s *ProcessorService) releaseClaim(ctx context.Context, jobID string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), claimReleaseTimeout)
	defer cancel()
	if err := s.claims.Release(rctx, jobID); err != nil {
		s.logger.WarnContext(rctx, "release job claim failed", "job_id", jobID, "error", err)
	}
}

// jobRetryable rejects failures a new attempt cannot fix.
func jobRetryable(err error) bool {
	return !errors.Is(err, errAlreadyRecorded) && !apperrors.IsAuth(err) && !errors.Is(err, context.Canceled)
}

// jobProgress is what earlier attempts of the same job completed. The
// capture is taken once, at detection time; a retry resumes at the step
// that failed so one job yields one bundle and one event.
type jobProgress struct {
	bundle    *model.BackupBundle
	backupDir string
	event     *model.AuditEvent
	delivery  string
}

// attempt runs the steps progress does not hold yet. Stage failures that
// only degrade the capture are recorded in the stage reports; infrastructure
// failures and rejected credentials are returned.
func (s *ProcessorService) attempt(ctx context.Context, d model.Detection, attempt int, p *jobProgress) (*model.Outcome, error) {
	if _, err := s.outcomes.Get(ctx, d.JobID); err == nil {
		return nil, errAlreadyRecorded
	} else if !apperrors.IsNotFound(err) {
		return nil, apperrors.Storage(apperrors.StageIdempotency, "get outcome", err)
	}

	if p.bundle == nil {
		b, err := s.captureBundle(ctx, d)
		if err != nil {
			return nil, err
		}
		p.bundle = b
	}

	if p.backupDir == "" {
		dir, err := s.writeBackup(ctx, p.bundle)
		if err != nil {
			return nil, err
		}
		p.backupDir = dir
	}

	if p.event == nil {
		ev := buildAuditEvent(p.bundle, p.backupDir)
		delivery, err := s.publisher.Publish(ctx, ev)
		if err != nil {
			return nil, err
		}
		p.event, p.delivery = &ev, delivery
	}

	status := model.OutcomeDelivered
	if !p.event.Complete {
		status = model.OutcomePartial
	}
	stages, _ := json.Marshal(p.bundle.Stages)
	key := p.event.Key()
	backupDir, delivery := p.backupDir, p.delivery
	o := &model.Outcome{
		JobID:      d.JobID,
		Status:     status,
		DetectedAt: d.DetectedAt,
		BackupPath: &backupDir,
		EventKey:   &key,
		Delivery:   &delivery,
		Stages:     stages,
		RecordedAt: s.now().UTC(),
	}
	if err := s.recordOutcome(ctx, o); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "job processed",
		"job_id", d.JobID, "status", status, "delivery", delivery, "backup", backupDir, "attempt", attempt)
	return o, nil
}

// captureBundle fetches metadata, summary and archive and filters the archive.
func (s *ProcessorService) captureBundle(ctx context.Context, d model.Detection) (*model.BackupBundle, error) {
	b := &model.BackupBundle{Detection: d, Malformed: map[string][]byte{}}
	capture := func(stage string, r stageOutcome) error {
		b.Stages = append(b.Stages, r.report(stage))
		if raw := apperrors.RawPayload(r.err); len(raw) > 0 {
			b.Malformed[stage] = raw
		}
		if apperrors.IsAuth(r.err) {
			return r.err
		}
		return ctx.Err()
	}

	meta := runStage(ctx, s, d.JobID, apperrors.StageMetadata, func(ctx context.Context) (metadataDoc, error) {
		rec, raw, err := s.source.FetchMetadata(ctx, d.JobID)
		return metadataDoc{record: rec, raw: raw}, err
	})
	if err := capture(apperrors.StageMetadata, meta.outcome()); err != nil {
		return nil, err
	}
	if meta.Status == model.StageOK {
		b.Record, b.Metadata = meta.Value.record, meta.Value.raw
	}

	if s.triggerSwap {
		swap := runStage(ctx, s, d.JobID, apperrors.StageSwap, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.source.TriggerSwap(ctx, d.JobID)
		})
		r := swap.outcome()
		if r.status != model.StageOK && !apperrors.IsAuth(r.err) {
			// Without a swap the summary may be stale; that does not make the capture partial.
			r.status = model.StageSkipped
		}
		if err := capture(apperrors.StageSwap, r); err != nil {
			return nil, err
		}
	}

	summary := runStage(ctx, s, d.JobID, apperrors.StageSummary, func(ctx context.Context) ([]byte, error) {
		return s.source.FetchSummary(ctx, d.JobID)
	})
	if err := capture(apperrors.StageSummary, summary.outcome()); err != nil {
		return nil, err
	}
	if summary.Status == model.StageOK {
		b.Summary = summary.Value
		if b.Record != nil {
			stats, err := ExtractNodeStats(summary.Value)
			if err != nil {
				s.logger.WarnContext(ctx, "node stats unavailable", "job_id", d.JobID, "error", err)
			}
			b.Record.NodeStats = stats
		}
	}

	if err := s.captureArchive(ctx, b, capture); err != nil {
		return nil, err
	}
	return b, nil
}

// captureArchive downloads and filters the workflow archive.
func (s *ProcessorService) captureArchive(ctx context.Context, b *model.BackupBundle, capture func(string, stageOutcome) error) error {
	if b.Record == nil {
		b.Stages = append(b.Stages,
			model.StageReport{Stage: apperrors.StageArchive, Status: model.StageSkipped, Error: "job metadata unavailable"},
			model.StageReport{Stage: apperrors.StageFilter, Status: model.StageSkipped})
		return nil
	}
	if b.Record.WorkflowPath == "" {
		b.Stages = append(b.Stages,
			model.StageReport{Stage: apperrors.StageArchive, Status: model.StageFailed, Kind: string(apperrors.KindMalformed), Error: "job metadata has no workflow path"},
			model.StageReport{Stage: apperrors.StageFilter, Status: model.StageSkipped})
		return nil
	}

	archive := runStage(ctx, s, b.Detection.JobID, apperrors.StageArchive, func(ctx context.Context) ([]byte, error) {
		return s.source.FetchArchive(ctx, b.Record.WorkflowPath)
	})
	if err := capture(apperrors.StageArchive, archive.outcome()); err != nil {
		return err
	}
	if archive.Status != model.StageOK {
		b.Stages = append(b.Stages, model.StageReport{Stage: apperrors.StageFilter, Status: model.StageSkipped})
		return nil
	}

	b.Archive = s.filter.Filter(ctx, b.Detection.JobID, archive.Value)
	report := model.StageReport{Stage: apperrors.StageFilter, Status: model.StageOK, Attempts: 1}
	if b.Archive.Skipped {
		report.Status = model.StageFailed
		report.Kind = string(apperrors.KindArchiveCorrupt)
		report.Error = b.Archive.SkipReason
	}
	b.Stages = append(b.Stages, report)
	return nil
}

func (s *ProcessorService) writeBackup(ctx context.Context, b *model.BackupBundle) (string, error) {
	res := runStage(ctx, s, b.Detection.JobID, apperrors.StageBackup, func(ctx context.Context) (string, error) {
		return s.backups.Write(ctx, b)
	})
	if res.Err != nil {
		return "", res.Err
	}
	return res.Value, nil
}

func (s *ProcessorService) recordOutcome(ctx context.Context, o *model.Outcome) error {
	res := runStage(ctx, s, o.JobID, apperrors.StageOutcome, func(ctx context.Context) (bool, error) {
		stored, err := s.outcomes.Record(ctx, o)
		if err != nil {
			return false, apperrors.Storage(apperrors.StageOutcome, "record outcome", err)
		}
		return stored, nil
	})
	if res.Err != nil {
		return res.Err
	}
	if !res.Value {
		s.logger.InfoContext(ctx, "outcome recorded concurrently, keeping the first", "job_id", o.JobID)
	}
	return nil
}

// deadLetter parks a job that exhausted its budget or was refused by the server.
func (s *ProcessorService) deadLetter(ctx context.Context, d model.Detection, attempts int, cause error) (*model.Outcome, error) {
	stage := stageOf(cause)
	kind := apperrors.KindOf(cause)
	msg := truncateUTF8(cause.Error(), deadLetterErrorMaxLen)
	s.logger.ErrorContext(ctx, "job dead-lettered",
		"job_id", d.JobID, "stage", stage, "kind", kind, "attempt", attempts, "error", cause)

	if _, err := s.deadLetters.Add(ctx, &model.DeadLetter{
		JobID:      d.JobID,
		DetectedAt: d.DetectedAt,
		Stage:      stage,
		Kind:       string(kind),
		LastError:  msg,
		Attempts:   attempts,
	}); err != nil {
		return nil, fmt.Errorf("add dead letter for job %s: %w", d.JobID, errors.Join(err, cause))
	}

	stages, _ := json.Marshal([]model.StageReport{{
		Stage: stage, Status: model.StageFailed, Kind: string(kind), Error: msg, Attempts: attempts,
	}})
	o := &model.Outcome{
		JobID:      d.JobID,
		Status:     model.OutcomeDeadLettered,
		DetectedAt: d.DetectedAt,
		Stages:     stages,
		RecordedAt: s.now().UTC(),
	}
	if _, err := s.outcomes.Record(ctx, o); err != nil {
		return nil, fmt.Errorf("record dead-lettered outcome for job %s: %w", d.JobID, err)
	}

	if s.notifier != nil {
		in := notify.Incident{
			Kind:       notify.IncidentDeadLetter,
			JobID:      d.JobID,
			Stage:      stage,
			ErrorKind:  string(kind),
			Error:      msg,
			Attempts:   attempts,
			Severity:   notify.SeverityError,
			OccurredAt: s.now().UTC(),
		}
		if kind == apperrors.KindAuth {
			in.Kind = notify.IncidentAuthFailure
			in.Severity = notify.SeverityCritical
		}
		s.notifier.Notify(ctx, in)
	}
	return o, nil
}

// buildAuditEvent projects the bundle onto the audit record. Fields the
// server never returned stay empty.
func buildAuditEvent(b *model.BackupBundle, backupDir string) model.AuditEvent {
	ev := model.AuditEvent{
		JobID:     b.Detection.JobID,
		Timestamp: b.Detection.DetectedAt.UTC().Format(time.RFC3339),
		AuditPath: backupDir,
		Complete:  model.Complete(b.Stages),
	}
	if r := b.Record; r != nil {
		ev.WorkflowPath = r.WorkflowPath
		ev.User = r.Owner
		ev.State = r.State
		ev.StartedAt = r.StartedAt
		ev.FinishedAt = r.FinishedAt
		ev.ErrorMessage = r.ErrorMessage()
		if ts := model.SourceTimestamp(r.CreatedAt); ts != "" {
			ev.Timestamp = ts
		}
	}
	if b.Archive != nil {
		ev.Paths = b.Archive.Paths
	}
	return ev
}

type metadataDoc struct {
	record *model.JobRecord
	raw    []byte
}

// StageResult is the tagged result of one retried stage call.
type StageResult[T any] struct {
	Status   model.StageStatus
	Value    T
	Err      error
	Attempts int
}

type stageOutcome struct {
	status   model.StageStatus
	err      error
	attempts int
}

func (r StageResult[T]) outcome() stageOutcome {
	return stageOutcome{status: r.Status, err: r.Err, attempts: r.Attempts}
}

func (o stageOutcome) report(stage string) model.StageReport {
	rep := model.StageReport{Stage: stage, Status: o.status, Attempts: o.attempts}
	if o.err != nil {
		rep.Kind = string(apperrors.KindOf(o.err))
		rep.Error = o.err.Error()
	}
	return rep
}

// runStage calls fn under the stage retry policy and tags the result:
// ok, gone when the resource no longer exists, failed otherwise.
func runStage[T any](ctx context.Context, s *ProcessorService, jobID, stage string, fn func(context.Context) (T, error)) StageResult[T] {
	start := s.now()
	var value T
	attempts, err := s.stageRetry.Do(ctx, func(ctx context.Context, _ int) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		value = v
		return nil
	}, apperrors.IsTransient, func(attempt int, err error, wait time.Duration) {
		s.logger.WarnContext(ctx, "stage call failed, retrying",
			"job_id", jobID, "stage", stage, "attempt", attempt, "wait", wait, "error", err)
	})

	res := StageResult[T]{Status: model.StageOK, Value: value, Err: err, Attempts: attempts}
	switch {
	case err == nil:
	case apperrors.IsGone(err):
		res.Status = model.StageGone
		s.logger.InfoContext(ctx, "resource gone, continuing with partial data",
			"job_id", jobID, "stage", stage, "attempt", attempts)
	default:
		res.Status = model.StageFailed
		if !isContextCancellation(err) {
			s.logger.WarnContext(ctx, "stage failed",
				"job_id", jobID, "stage", stage, "kind", apperrors.KindOf(err), "attempt", attempts, "error", err)
		}
	}
	metrics.EmitStage(s.metrics, metrics.StageMetric{
		Stage:    stage,
		Status:   string(res.Status),
		Attempts: attempts,
		Duration: s.now().Sub(start),
		Err:      err,
	})
	return res
}

// truncateUTF8 cuts s to at most limit bytes on a rune boundary and drops
// invalid sequences, which a TEXT column rejects.
func truncateUTF8(s string, limit int) string {
	if len(s) > limit {
		for limit > 0 && !utf8.RuneStart(s[limit]) {
			limit--
		}
		s = s[:limit]
	}
	return strings.ToValidUTF8(s, "")
}

func stageOf(err error) string {
	var se *apperrors.StageError
	if errors.As(err, &se) && se.Stage != "" {
		return se.Stage
	}
	return "job"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
