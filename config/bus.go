package config

import (
	"os"
	"strings"
	"time"
)

// BusConfig configures the Redis Streams destination for audit events.
type BusConfig struct {
	Stream string `env:"BUS_STREAM"  envDefault:"knime-audit-events"`
	// MaxLen approximately caps the stream length; zero disables trimming.
	MaxLen int64 `env:"BUS_MAX_LEN" envDefault:"100000"`
	// DedupeTTL is how long a delivered event key suppresses redelivery.
	DedupeTTL      time.Duration `env:"BUS_DEDUPE_TTL"       envDefault:"168h"`
	PublishTimeout time.Duration `env:"BUS_PUBLISH_TIMEOUT"  envDefault:"5s"`
}

// Sanitize applies guardrails to bus configuration values.
func (c *BusConfig) Sanitize() {
	if c.Stream = strings.TrimSpace(c.Stream); c.Stream == "" {
		c.Stream = "knime-audit-events"
	}
	if c.MaxLen < 0 {
		c.MaxLen = 0
	}
	if c.DedupeTTL < time.Hour {
		c.DedupeTTL = time.Hour
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
}

// AuditConfig holds the fixed application block stamped on every audit record.
type AuditConfig struct {
	ApplicationName      string `env:"AUDIT_APPLICATION_NAME"      envDefault:"KNIME"`
	ApplicationComponent string `env:"AUDIT_APPLICATION_COMPONENT" envDefault:"KNIME Server"`
	// HostName defaults to the local host name.
	HostName  string `env:"AUDIT_HOSTNAME"`
	Namespace string `env:"AUDIT_NAMESPACE" envDefault:"http://www.example.com/AuditEvent"`
}

// Sanitize applies guardrails to audit configuration values.
func (c *AuditConfig) Sanitize() {
	if c.ApplicationName = strings.TrimSpace(c.ApplicationName); c.ApplicationName == "" {
		c.ApplicationName = "KNIME"
	}
	if c.ApplicationComponent = strings.TrimSpace(c.ApplicationComponent); c.ApplicationComponent == "" {
		c.ApplicationComponent = "KNIME Server"
	}
	if c.HostName = strings.TrimSpace(c.HostName); c.HostName == "" {
		if h, err := os.Hostname(); err == nil {
			c.HostName = h
		}
	}
	c.Namespace = strings.TrimSpace(c.Namespace)
}
