// Package notify defines operator incidents and the sinks that deliver them.
package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityError    = "error"
)

// Incident kinds.
const (
	// IncidentAuthFailure is raised when the execution server rejects our credentials.
	IncidentAuthFailure = "auth_failure"
	// IncidentDeadLetter is raised when a job exhausted its retry budget.
	IncidentDeadLetter = "dead_letter"
)

// Incident is an event that needs an operator.
type Incident struct {
	Kind         string
	JobID        string
	WorkflowPath string
	Stage        string
	// ErrorKind is the stage error taxonomy value, e.g. auth_failure.
	ErrorKind  string
	Error      string
	Attempts   int
	BackupPath string
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Sink describes a destination capable of consuming incidents.
type Sink interface {
	SendIncident(ctx context.Context, in Incident) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, in Incident) error

// SendIncident implements the Sink interface.
func (f SinkFunc) SendIncident(ctx context.Context, in Incident) error {
	if f == nil {
		return nil
	}
	return f(ctx, in)
}

// DedupKey groups repeated incidents for the same job and kind.
func (in Incident) DedupKey() string {
	switch {
	case in.Kind == "":
		return in.JobID
	case in.JobID == "":
		return in.Kind
	default:
		return in.Kind + ":" + in.JobID
	}
}
