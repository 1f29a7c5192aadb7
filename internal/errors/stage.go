package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline stage failure and decides how the processor reacts.
type Kind string

const (
	// KindTransient covers timeouts, connection failures and 5xx responses; retried with backoff.
	KindTransient Kind = "transient_network"
	// KindGone means the resource no longer exists on the source server; terminal for the call.
	KindGone Kind = "resource_gone"
	// KindAuth means credentials were rejected; terminal and escalated to an operator.
	KindAuth Kind = "auth_failure"
	// KindMalformed means the response could not be decoded; the raw bytes are kept.
	KindMalformed Kind = "malformed_payload"
	// KindArchiveCorrupt means the workflow archive could not be unpacked; filtering is skipped.
	KindArchiveCorrupt Kind = "archive_corrupt"
	// KindBusUnavailable means the message bus refused or timed out; retried, then outboxed.
	KindBusUnavailable Kind = "bus_unavailable"
	// KindStorage covers backup and durable store write failures; retried, then dead-lettered.
	KindStorage Kind = "storage_write_failure"
)

// Stage names used in StageError and log attributes.
const (
	StageIdempotency = "idempotency"
	StageMetadata    = "metadata"
	StageSwap        = "swap"
	StageSummary     = "summary"
	StageArchive     = "archive"
	StageFilter      = "filter"
	StageBackup      = "backup"
	StagePublish     = "publish"
	StageOutcome     = "outcome"
)

// StageError is a classified failure of one pipeline stage.
type StageError struct {
	Kind  Kind
	Stage string
	// Op is the concrete operation, e.g. "GET /jobs/{id}".
	Op string
	// StatusCode is the HTTP status when the failure came from a response.
	StatusCode int
	// Raw holds the undecodable payload for malformed responses.
	Raw   []byte
	Cause error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Stage, e.Kind)
	if e.Op != "" {
		msg += " (" + e.Op + ")"
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *StageError) Unwrap() error {
	return e.Cause
}

// NewStageError builds a StageError of the given kind.
func NewStageError(kind Kind, stage, op string, cause error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Op: op, Cause: cause}
}

// Transient builds a retryable network failure.
func Transient(stage, op string, cause error) *StageError {
	return NewStageError(KindTransient, stage, op, cause)
}

// Gone builds a resource-gone failure.
func Gone(stage, op string) *StageError {
	return NewStageError(KindGone, stage, op, nil)
}

// Auth builds an authentication failure.
func Auth(stage, op string, status int) *StageError {
	e := NewStageError(KindAuth, stage, op, nil)
	e.StatusCode = status
	return e
}

// Malformed builds a malformed payload failure carrying the raw bytes.
func Malformed(stage, op string, raw []byte, cause error) *StageError {
	e := NewStageError(KindMalformed, stage, op, cause)
	e.Raw = raw
	return e
}

// Storage builds a storage write failure.
func Storage(stage, op string, cause error) *StageError {
	return NewStageError(KindStorage, stage, op, cause)
}

// KindOf returns the Kind of the first StageError in err's chain.
// Unclassified errors are reported as transient so they are retried rather than dropped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	if IsUnavailable(err) || IsTimeout(err) {
		return KindStorage
	}
	return KindTransient
}

// IsTransient reports whether err should be retried within a stage.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindBusUnavailable, KindStorage:
		return true
	default:
		return false
	}
}

// IsGone reports whether err signals the resource no longer exists.
func IsGone(err error) bool { return KindOf(err) == KindGone }

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return KindOf(err) == KindAuth }

// IsMalformed reports whether err is a malformed payload failure.
func IsMalformed(err error) bool { return KindOf(err) == KindMalformed }

// RawPayload returns the preserved raw payload of a malformed response, if any.
func RawPayload(err error) []byte {
	var se *StageError
	if errors.As(err, &se) {
		return se.Raw
	}
	return nil
}
