// Package failurenotifier fans operator incidents out to the configured sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ClearPeaks/knime-audit/internal/observability/notify"
)

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	// Cooldown suppresses repeats of the same incident dedup key. Zero disables it.
	Cooldown time.Duration
	Now      func() time.Time
}

// Service dispatches incidents to all registered sinks.
type Service struct {
	logger   *slog.Logger
	sinks    []SinkRegistration
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewService constructs a failure notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "sink"
		}
		sinks = append(sinks, SinkRegistration{Name: name, Sink: entry.Sink})
	}

	return &Service{
		logger:   logger.With("component", "failure_notifier"),
		sinks:    sinks,
		cooldown: opts.Cooldown,
		now:      now,
		sent:     make(map[string]time.Time),
	}
}

// Notify fans the incident out to all sinks and waits for them. Sink errors are logged, not returned.
func (s *Service) Notify(ctx context.Context, in notify.Incident) {
	if s == nil || len(s.sinks) == 0 {
		return
	}
	if in.Severity == "" {
		in.Severity = notify.SeverityCritical
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = s.now().UTC()
	}
	if s.suppressed(in) {
		s.logger.DebugContext(ctx, "incident suppressed by cooldown",
			"kind", in.Kind, "job_id", in.JobID)
		return
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendIncident(ctx, in); err != nil {
				s.logger.ErrorContext(ctx, "incident delivery failed",
					"sink", entry.Name,
					"kind", in.Kind,
					"job_id", in.JobID,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

func (s *Service) suppressed(in notify.Incident) bool {
	if s.cooldown <= 0 {
		return false
	}
	key := in.DedupKey()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.sent[key]; ok && now.Sub(last) < s.cooldown {
		return true
	}
	for k, at := range s.sent {
		if now.Sub(at) >= s.cooldown {
			delete(s.sent, k)
		}
	}
	s.sent[key] = now
	return false
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}
