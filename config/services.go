package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModePipeline runs the log tailer and the job processor.
	// Both live in one process because they share the in-memory job queue.
	ServiceModePipeline ServiceMode = "pipeline"
	// ServiceModeOutboxRelay runs background redelivery of undelivered audit events.
	ServiceModeOutboxRelay ServiceMode = "outbox-relay"
	// ServiceModeRetention prunes delivered outbox entries and aged records.
	ServiceModeRetention ServiceMode = "retention"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModePipeline,
		ServiceModeOutboxRelay,
		ServiceModeRetention,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModePipeline, ServiceModeOutboxRelay, ServiceModeRetention:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: pipeline, outbox-relay, retention)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// OutboxRelayConfig controls the background redelivery of audit events that
// could not be published synchronously.
type OutboxRelayConfig struct {
	// Interval is the relay tick interval.
	Interval time.Duration `env:"OUTBOX_RELAY_INTERVAL" envDefault:"30s"`

	// BatchSize is the maximum number of outbox rows claimed per tick.
	BatchSize int `env:"OUTBOX_RELAY_BATCH_SIZE" envDefault:"50"`

	// RetryBase and RetryCap bound the per-entry redelivery backoff.
	RetryBase time.Duration `env:"OUTBOX_RELAY_RETRY_BASE" envDefault:"30s"`
	RetryCap  time.Duration `env:"OUTBOX_RELAY_RETRY_CAP"  envDefault:"30m"`
}

// Sanitize applies guardrails to outbox relay configuration values.
func (o *OutboxRelayConfig) Sanitize() {
	if o.Interval < time.Second {
		o.Interval = time.Second
	}
	if o.BatchSize < 1 {
		o.BatchSize = 1
	}
	if o.BatchSize > 1000 {
		o.BatchSize = 1000
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 30 * time.Second
	}
	if o.RetryCap < o.RetryBase {
		o.RetryCap = o.RetryBase
	}
}

// RetentionConfig controls periodic deletion of rows that outlived their usefulness.
// A zero max age keeps that kind of row forever.
type RetentionConfig struct {
	Interval  time.Duration `env:"RETENTION_INTERVAL"   envDefault:"1h"`
	BatchSize int           `env:"RETENTION_BATCH_SIZE" envDefault:"1000"`

	// OutboxDeliveredMaxAge is how long delivered outbox rows are kept for inspection.
	OutboxDeliveredMaxAge time.Duration `env:"RETENTION_OUTBOX_DELIVERED_MAX_AGE" envDefault:"168h"`
	DeadLetterMaxAge      time.Duration `env:"RETENTION_DEAD_LETTER_MAX_AGE"      envDefault:"0"`
	// OutcomeMaxAge must exceed the longest window in which a log line can be
	// re-read, or old jobs will be processed again.
	OutcomeMaxAge time.Duration `env:"RETENTION_OUTCOME_MAX_AGE" envDefault:"0"`
}

// Sanitize applies guardrails to retention configuration values.
func (c *RetentionConfig) Sanitize() {
	if c.Interval < time.Minute {
		c.Interval = time.Minute
	}
	if c.BatchSize < 1 {
		c.BatchSize = 1
	}
	if c.BatchSize > 10000 {
		c.BatchSize = 10000
	}
	for _, age := range []*time.Duration{&c.OutboxDeliveredMaxAge, &c.DeadLetterMaxAge, &c.OutcomeMaxAge} {
		if *age < 0 {
			*age = 0
		}
	}
}
