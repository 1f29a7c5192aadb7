// Package model defines the data types that flow through the knime-audit pipeline.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Detection is one job id observed in the execution log.
type Detection struct {
	JobID      string    `json:"job_id"`
	DetectedAt time.Time `json:"detected_at"`
	// LogFile and Offset locate the start of the matched line.
	LogFile string `json:"log_file,omitempty"`
	Offset  int64  `json:"offset,omitempty"`
}

// NodeMessage is a message the execution server attached to a node of the job.
type NodeMessage struct {
	Node        string `json:"node"`
	MessageType string `json:"messageType"`
	Message     string `json:"message"`
}

// NodeStat is the execution summary of a single workflow node.
type NodeStat struct {
	NodeID         string `json:"id"`
	Name           string `json:"name,omitempty"`
	State          string `json:"state,omitempty"`
	DurationMillis *int64 `json:"durationMillis,omitempty"`
}

// JobRecord is the captured state of one job execution. Fields missing on
// the source server stay empty; nothing is synthesized.
type JobRecord struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	WorkflowPath string        `json:"workflow,omitempty"`
	Owner        string        `json:"owner,omitempty"`
	State        string        `json:"state,omitempty"`
	CreatedAt    string        `json:"createdAt,omitempty"`
	StartedAt    string        `json:"startedExecutionAt,omitempty"`
	FinishedAt   string        `json:"finishedExecutionAt,omitempty"`
	NodeMessages []NodeMessage `json:"nodeMessages,omitempty"`
	NodeStats    []NodeStat    `json:"-"`
}

// ErrMissingJobID is returned when a metadata document carries no usable id.
var ErrMissingJobID = errors.New("job metadata has no id")

// ParseJobMetadata decodes a job metadata document. The id falls back to
// fallbackID when the document omits it.
func ParseJobMetadata(raw []byte, fallbackID string) (JobRecord, error) {
	var rec JobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return JobRecord{}, fmt.Errorf("decode job metadata: %w", err)
	}
	if rec.ID == "" {
		rec.ID = fallbackID
	}
	if rec.ID == "" {
		return JobRecord{}, ErrMissingJobID
	}
	return rec, nil
}

// ErrorMessage returns the last node message, which the server uses to
// report why a job failed.
func (r JobRecord) ErrorMessage() string {
	if len(r.NodeMessages) == 0 {
		return ""
	}
	return r.NodeMessages[len(r.NodeMessages)-1].Message
}

// WorkflowName is the last segment of the workflow path.
func (r JobRecord) WorkflowName() string {
	p := strings.TrimRight(r.WorkflowPath, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// SourceTimestamp strips the zone id suffix the server appends to timestamps,
// e.g. "2024-03-01T10:00:00.123+01:00[Europe/Madrid]".
func SourceTimestamp(v string) string {
	if i := strings.IndexByte(v, '['); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

var sourceTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ParseSourceTime parses a server timestamp. Values without an offset are read as UTC.
func ParseSourceTime(v string) (time.Time, bool) {
	v = SourceTimestamp(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range sourceTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
