// Package core holds the ports the knime-audit services depend on. Adapters
// in internal/adapters and internal/data implement them.
package core

import (
	"context"
	"time"

	"github.com/ClearPeaks/knime-audit/internal/domain/model"
)

// This file contains the port definitions (interfaces in hexagonal architecture).
// Service implementations depend on these interfaces, not on concrete adapters.

// MetadataFetcher retrieves the job metadata document. It returns the parsed
// record together with the raw document for archiving.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, jobID string) (*model.JobRecord, []byte, error)
}

// SummaryFetcher retrieves the workflow summary document of a job.
type SummaryFetcher interface {
	FetchSummary(ctx context.Context, jobID string) ([]byte, error)
}

// ArchiveFetcher downloads the workflow archive stored at workflowPath.
type ArchiveFetcher interface {
	FetchArchive(ctx context.Context, workflowPath string) ([]byte, error)
}

// SwapTrigger asks the server to swap a job out, which writes its summary.
type SwapTrigger interface {
	TriggerSwap(ctx context.Context, jobID string) error
}

// JobSource is the full read surface of the execution server.
type JobSource interface {
	MetadataFetcher
	SummaryFetcher
	ArchiveFetcher
	SwapTrigger
	Probe(ctx context.Context) error
}

// BusMessage is one serialized audit event.
type BusMessage struct {
	Key   string
	JobID string
	Body  []byte
}

// MessagePublisher delivers messages to the durable bus. Publishing a key
// that was already delivered is a no-op that returns nil.
type MessagePublisher interface {
	Publish(ctx context.Context, msg BusMessage) error
}

// OutcomeRepository is the durable idempotency store.
type OutcomeRepository interface {
	// Get returns the outcome for jobID or a NotFound AppError.
	Get(ctx context.Context, jobID string) (*model.Outcome, error)
	// Record stores o unless an outcome already exists; it reports whether o was stored.
	Record(ctx context.Context, o *model.Outcome) (bool, error)
	Delete(ctx context.Context, jobID string) (bool, error)
	List(ctx context.Context, opts OutcomeListOptions) ([]*model.Outcome, error)
}

// OutcomeListOptions filters outcome listings.
type OutcomeListOptions struct {
	Status model.OutcomeStatus
	Limit  int
	Offset int
}

// DeadLetterRepository stores jobs that exhausted their retry budget.
type DeadLetterRepository interface {
	Add(ctx context.Context, dl *model.DeadLetter) (*model.DeadLetter, error)
	List(ctx context.Context, limit, offset int) ([]*model.DeadLetter, error)
	DeleteByJobID(ctx context.Context, jobID string) (int, error)
}

// OutboxRepository stores audit events pending delivery.
type OutboxRepository interface {
	// Enqueue stores e; an entry with the same event key is left untouched.
	Enqueue(ctx context.Context, e *model.OutboxEntry) error
	// ClaimDue leases up to limit undelivered entries due at now until leaseUntil.
	ClaimDue(ctx context.Context, params ClaimDueParams) ([]*model.OutboxEntry, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	Reschedule(ctx context.Context, params RescheduleParams) error
	CountPending(ctx context.Context) (int, error)
	ListPending(ctx context.Context, limit int) ([]*model.OutboxEntry, error)
}

// ClaimDueParams groups parameters for OutboxRepository.ClaimDue.
type ClaimDueParams struct {
	Now        time.Time
	LeaseUntil time.Time
	Limit      int
}

// RescheduleParams groups parameters for OutboxRepository.Reschedule.
type RescheduleParams struct {
	ID     string
	NextAt time.Time
	Err    string
}

// CursorRepository persists tailer read positions.
type CursorRepository interface {
	// Load returns the cursor for name or a NotFound AppError.
	Load(ctx context.Context, name string) (*model.TailerCursor, error)
	Save(ctx context.Context, c model.TailerCursor) error
}

// ClaimStore provides cross-process in-flight claims on job ids.
type ClaimStore interface {
	Claim(ctx context.Context, jobID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, jobID string) error
}

// ArchiveFilter unpacks, filters and repacks a workflow archive. It never
// fails: unreadable archives come back with Skipped set and the raw bytes.
type ArchiveFilter interface {
	Filter(ctx context.Context, jobID string, raw []byte) *model.FilteredArchive
}

// BackupWriter persists a bundle atomically and returns its directory.
type BackupWriter interface {
	Write(ctx context.Context, b *model.BackupBundle) (string, error)
}

// AuditPublisher delivers an audit event, falling back to the outbox. It
// returns the delivery channel used.
type AuditPublisher interface {
	Publish(ctx context.Context, ev model.AuditEvent) (string, error)
}

// DetectionSink receives job ids found by the tailer.
type DetectionSink interface {
	Enqueue(ctx context.Context, d model.Detection) error
}

// DetectionSource hands out queued job ids.
type DetectionSource interface {
	Dequeue(ctx context.Context) (model.Detection, error)
}

// RetentionParams bounds one retention sweep.
type RetentionParams struct {
	MaxAge    time.Duration
	BatchSize int
}

// RetentionRepository deletes rows past their retention window in batches.
// Each call returns the number of rows removed.
type RetentionRepository interface {
	DeleteDeliveredOutbox(ctx context.Context, params RetentionParams) (int64, error)
	DeleteOldDeadLetters(ctx context.Context, params RetentionParams) (int64, error)
	DeleteOldOutcomes(ctx context.Context, params RetentionParams) (int64, error)
}
