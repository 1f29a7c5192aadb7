package config

import (
	"log/slog"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - source.go: execution server REST API configuration
//   - pipeline.go: log tailer, queue, processor and retry configuration
//   - storage.go: backup storage and archive filter configuration
//   - bus.go: message bus and audit record configuration
//   - database.go: Postgres and Redis configuration
//   - services.go: service modes and outbox relay configuration
type AppConfig struct {
	// LogLevel controls the minimum slog level (debug, info, warn, error).
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Services is a comma-delimited list of enabled background services.
	Services string `env:"SERVICES" envDefault:"pipeline,outbox-relay,retention"`

	Source    SourceConfig
	Tailer    TailerConfig
	Processor ProcessorConfig
	Retry     RetryConfig
	Filter    FilterConfig
	Backup    BackupConfig
	Bus       BusConfig
	Audit     AuditConfig

	// Durable stores
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	OutboxRelay OutboxRelayConfig
	Retention   RetentionConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))

	c.Source.Sanitize()
	c.Tailer.Sanitize()
	c.Processor.Sanitize()
	c.Retry.Sanitize()
	c.Filter.Sanitize()
	c.Backup.Sanitize()
	c.Bus.Sanitize()
	c.Audit.Sanitize()
	c.Postgres.Sanitize()
	c.OutboxRelay.Sanitize()
	c.Retention.Sanitize()
	c.Observability.Sanitize()
}

// SlogLevel maps LogLevel onto a slog.Level, defaulting to info.
func (c *AppConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsPipelineEnabled returns true if the tailer/processor pipeline is enabled.
func (c *AppConfig) IsPipelineEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModePipeline]
}

// IsRetentionEnabled returns true if the retention sweeper is enabled.
func (c *AppConfig) IsRetentionEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeRetention]
}

// IsOutboxRelayEnabled returns true if the outbox relay service is enabled.
func (c *AppConfig) IsOutboxRelayEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeOutboxRelay]
}
