// Package jobrunner drains the detection queue into the job processor with a
// fixed pool of workers.
package jobrunner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ClearPeaks/knime-audit/internal/core"
	"github.com/ClearPeaks/knime-audit/internal/domain/job"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	"github.com/ClearPeaks/knime-audit/internal/observability/metrics"
	"github.com/ClearPeaks/knime-audit/internal/observability/statsd"
	"github.com/ClearPeaks/knime-audit/internal/service"
)

// Processor handles one detection to a terminal state.
type Processor interface {
	Process(ctx context.Context, d model.Detection) (service.ProcessResult, error)
}

// queueStats is implemented by job.Queue; other sources skip depth metrics.
type queueStats interface {
	Len() int
	Cap() int
	BlockedEnqueues() int64
}

// RunnerOptions configures the job runner adapter.
type RunnerOptions struct {
	Queue     core.DetectionSource // Required
	Processor Processor            // Required
	// Watermark is told when a detection reached a terminal state so the
	// tailer checkpoint can move past it.
	Watermark   *job.Watermark
	Concurrency int // number of worker goroutines; defaults to 1
	Logger      *slog.Logger
	Metrics     statsd.Sink
}

// Runner pulls detections and runs them through the processor.
type Runner struct {
	queue     core.DetectionSource
	processor Processor
	watermark *job.Watermark
	workers   int
	logger    *slog.Logger
	metrics   statsd.Sink

	processed atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// Stats summarises what a Runner has done so far.
type Stats struct {
	Processed int64
	Skipped   int64
	Failed    int64
}

// NewRunner constructs a job runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Queue == nil {
		return nil, errors.New("detection queue is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("processor is required")
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		queue:     opts.Queue,
		processor: opts.Processor,
		watermark: opts.Watermark,
		workers:   workers,
		logger:    logger.With("component", "job_runner"),
		metrics:   opts.Metrics,
	}, nil
}

// Run starts the workers and blocks until the queue is closed and drained,
// or ctx is cancelled. Cancelling ctx aborts in-flight jobs; their
// detections stay below the watermark and are read again after restart.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner", "workers", r.workers)

	var wg sync.WaitGroup
	for i := range r.workers {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()

	st := r.Stats()
	r.logger.InfoContext(ctx, "job runner stopped",
		"processed", st.Processed, "skipped", st.Skipped, "failed", st.Failed,
		"pending_detections", r.watermark.Pending())
	return nil
}

// Stats returns counters since the runner was created.
func (r *Runner) Stats() Stats {
	return Stats{
		Processed: r.processed.Load(),
		Skipped:   r.skipped.Load(),
		Failed:    r.failed.Load(),
	}
}

func (r *Runner) workerLoop(ctx context.Context, worker int) {
	for {
		d, err := r.queue.Dequeue(ctx)
		switch {
		case err == nil:
		case errors.Is(err, job.ErrQueueClosed):
			r.logger.DebugContext(ctx, "queue drained, worker exiting", "worker", worker)
			return
		case ctx.Err() != nil:
			return
		default:
			r.logger.ErrorContext(ctx, "dequeue failed", "worker", worker, "error", err)
			return
		}
		r.emitQueueDepth()
		r.processOne(ctx, d)
	}
}

func (r *Runner) processOne(ctx context.Context, d model.Detection) {
	res, err := r.processor.Process(ctx, d)
	if err != nil {
		if ctx.Err() != nil {
			r.logger.WarnContext(ctx, "job aborted by shutdown", "job_id", d.JobID)
			return
		}
		// Nothing durable was recorded; keep the detection below the watermark.
		r.failed.Add(1)
		r.logger.ErrorContext(ctx, "job left unresolved", "job_id", d.JobID,
			"log_file", d.LogFile, "offset", d.Offset, "error", err)
		return
	}
	if res.Skipped != "" {
		r.skipped.Add(1)
	} else {
		r.processed.Add(1)
	}
	r.watermark.Done(d.LogFile, d.Offset)
}

func (r *Runner) emitQueueDepth() {
	if qs, ok := r.queue.(queueStats); ok {
		metrics.EmitQueueDepth(r.metrics, qs.Len(), qs.Cap(), qs.BlockedEnqueues())
	}
}
