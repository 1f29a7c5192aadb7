package model

import (
	"encoding/json"
	"time"
)

// OutcomeStatus is the terminal state recorded for a job id.
type OutcomeStatus string

const (
	// OutcomeDelivered means every stage succeeded and the event was handed off.
	OutcomeDelivered OutcomeStatus = "delivered"
	// OutcomePartial means at least one stage failed terminally; a partial event was handed off.
	OutcomePartial OutcomeStatus = "partial"
	// OutcomeDeadLettered means the job exhausted its retry budget.
	OutcomeDeadLettered OutcomeStatus = "dead_lettered"
)

// Valid returns true if the OutcomeStatus is valid.
func (s OutcomeStatus) Valid() bool {
	return s == OutcomeDelivered || s == OutcomePartial || s == OutcomeDeadLettered
}

// StageStatus is the tagged result of a single pipeline stage.
type StageStatus string

const (
	StageOK      StageStatus = "ok"
	StageGone    StageStatus = "gone"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// StageReport records how one stage ended.
type StageReport struct {
	Stage    string      `json:"stage"`
	Status   StageStatus `json:"status"`
	Kind     string      `json:"kind,omitempty"`
	Error    string      `json:"error,omitempty"`
	Attempts int         `json:"attempts,omitempty"`
}

// Delivery channel of an audit event.
const (
	DeliveryBus    = "bus"
	DeliveryOutbox = "outbox"
)

// Outcome is the durable idempotency record of a processed job id.
type Outcome struct {
	JobID      string          `json:"job_id"                db:"job_id"`
	Status     OutcomeStatus   `json:"status"                db:"status"`
	DetectedAt time.Time       `json:"detected_at"           db:"detected_at"`
	BackupPath *string         `json:"backup_path,omitempty" db:"backup_path"`
	EventKey   *string         `json:"event_key,omitempty"   db:"event_key"`
	Delivery   *string         `json:"delivery,omitempty"    db:"delivery"`
	Stages     json.RawMessage `json:"stages"                db:"stages"`
	RecordedAt time.Time       `json:"recorded_at"           db:"recorded_at"`
}

// DeadLetter is a job that could not be processed within its retry budget.
type DeadLetter struct {
	ID         int64     `json:"id"          db:"id"`
	JobID      string    `json:"job_id"      db:"job_id"`
	DetectedAt time.Time `json:"detected_at" db:"detected_at"`
	Stage      string    `json:"stage"       db:"stage"`
	Kind       string    `json:"kind"        db:"kind"`
	LastError  string    `json:"last_error"  db:"last_error"`
	Attempts   int       `json:"attempts"    db:"attempts"`
	CreatedAt  time.Time `json:"created_at"  db:"created_at"`
}

// OutboxEntry is an audit event waiting for delivery to the bus.
type OutboxEntry struct {
	ID            string     `json:"id"                     db:"id"`
	JobID         string     `json:"job_id"                 db:"job_id"`
	EventKey      string     `json:"event_key"              db:"event_key"`
	Payload       []byte     `json:"-"                      db:"payload"`
	Attempts      int        `json:"attempts"               db:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"        db:"next_attempt_at"`
	LastError     *string    `json:"last_error,omitempty"   db:"last_error"`
	CreatedAt     time.Time  `json:"created_at"             db:"created_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
}

// TailerCursor is the persisted read position of a log tailer.
type TailerCursor struct {
	Name      string    `json:"name"       db:"name"`
	FilePath  string    `json:"file_path"  db:"file_path"`
	Offset    int64     `json:"offset"     db:"file_offset"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
