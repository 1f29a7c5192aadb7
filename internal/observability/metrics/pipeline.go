// Package metrics emits the pipeline's StatsD metrics. Every function accepts a
// nil sink so callers need no metrics-enabled checks.
package metrics

import (
	"strconv"
	"time"

	obserrors "github.com/ClearPeaks/knime-audit/internal/observability/errors"
	"github.com/ClearPeaks/knime-audit/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// StageMetric describes how one pipeline stage ended for one job.
type StageMetric struct {
	Stage    string
	Status   string
	Attempts int
	Duration time.Duration
	Err      error
}

// EmitStage emits job.stage and job.stage.duration.
func EmitStage(sink statsd.Sink, in StageMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"stage":  in.Stage,
		"status": in.Status,
	}
	if in.Err != nil {
		tags["error_class"] = obserrors.Classify(in.Err)
	}
	sink.Count("job.stage", 1, tags)
	if in.Attempts > 1 {
		sink.Count("job.stage.retries", int64(in.Attempts-1), CloneTags(tags))
	}
	if in.Duration > 0 {
		sink.Timing("job.stage.duration", in.Duration, CloneTags(tags))
	}
}

// OutcomeMetric describes the terminal outcome of one job.
type OutcomeMetric struct {
	Status   string
	Delivery string
	Duration time.Duration
}

// EmitOutcome emits job.outcome and job.duration.
func EmitOutcome(sink statsd.Sink, in OutcomeMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{"status": in.Status}
	if in.Delivery != "" {
		tags["delivery"] = in.Delivery
	}
	sink.Count("job.outcome", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// EmitSkipped counts detections that were skipped, e.g. already recorded or in flight.
func EmitSkipped(sink statsd.Sink, reason string) {
	if sink == nil {
		return
	}
	sink.Count("job.skipped", 1, map[string]string{"reason": reason})
}

// EmitQueueDepth gauges the detection queue.
func EmitQueueDepth(sink statsd.Sink, depth, capacity int, blocked int64) {
	if sink == nil {
		return
	}
	sink.Gauge("queue.depth", float64(depth), nil)
	sink.Gauge("queue.capacity", float64(capacity), nil)
	sink.Gauge("queue.blocked_enqueues", float64(blocked), nil)
}

// EmitTailerLines counts lines read and job lines matched since the last call.
func EmitTailerLines(sink statsd.Sink, read, matched int) {
	if sink == nil || (read == 0 && matched == 0) {
		return
	}
	sink.Count("tailer.lines", int64(read), map[string]string{"kind": "read"})
	sink.Count("tailer.lines", int64(matched), map[string]string{"kind": "matched"})
}

// EmitTailerEvent counts file lifecycle events: rotated, truncated, rollover.
func EmitTailerEvent(sink statsd.Sink, event string) {
	if sink == nil {
		return
	}
	sink.Count("tailer.file_event", 1, map[string]string{"event": event})
}

// EmitOutboxPending gauges undelivered outbox entries.
func EmitOutboxPending(sink statsd.Sink, pending int) {
	if sink == nil {
		return
	}
	sink.Gauge("outbox.pending", float64(pending), nil)
}

// EmitBusPublish counts publish attempts by channel and result.
func EmitBusPublish(sink statsd.Sink, channel, result string, attempts int) {
	if sink == nil {
		return
	}
	sink.Count("bus.publish", 1, map[string]string{
		"channel":  channel,
		"result":   result,
		"attempts": strconv.Itoa(attempts),
	})
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// FilterMetric describes one archive filter run.
type FilterMetric struct {
	Skipped        bool
	RemovedFiles   int
	RemovedEntries int
	RemovedBytes   uint64
	Duration       time.Duration
}

// EmitFilter emits archive.filter and its removal counters.
func EmitFilter(sink statsd.Sink, in FilterMetric) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	if in.Skipped {
		result = "skipped"
	}
	tags := map[string]string{"result": result}
	sink.Count("archive.filter", 1, tags)
	if in.Duration > 0 {
		sink.Timing("archive.filter.duration", in.Duration, CloneTags(tags))
	}
	if in.Skipped {
		return
	}
	sink.Count("archive.filter.removed_files", int64(in.RemovedFiles), nil)
	sink.Count("archive.filter.removed_entries", int64(in.RemovedEntries), nil)
	sink.Count("archive.filter.removed_bytes", int64(in.RemovedBytes), nil) // #nosec G115 - archive sizes fit int64
}
