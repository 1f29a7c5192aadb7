package config

import (
	"strings"
	"time"
)

// DefaultJobPattern matches execution server lines reporting a finished or failed
// job; the job id is the parenthesised token preceding the state marker.
const DefaultJobPattern = `\((?P<job>[^()\s]+)\)[^()]*\bEXECUTION_(?:FINISHED|FAILED)\b`

// TailerStartAt controls where a tailer without a persisted cursor begins reading.
type TailerStartAt string

const (
	// TailerStartAtEnd skips existing content on first start.
	TailerStartAtEnd TailerStartAt = "end"
	// TailerStartAtBeginning scans the whole current file on first start.
	TailerStartAtBeginning TailerStartAt = "beginning"
)

// TailerConfig configures the execution log tailer.
type TailerConfig struct {
	// LogPath is the log file to follow. A "{date}" placeholder is replaced by
	// the current date formatted with DateLayout (daily log files).
	LogPath    string `env:"TAILER_LOG_PATH"    envDefault:"/opt/knime/knime-server/logs/localhost.{date}.log"`
	DateLayout string `env:"TAILER_DATE_LAYOUT" envDefault:"2006-01-02"`
	Pattern    string `env:"TAILER_PATTERN"`

	PollInterval    time.Duration `env:"TAILER_POLL_INTERVAL"    envDefault:"500ms"`
	RolloverGrace   time.Duration `env:"TAILER_ROLLOVER_GRACE"   envDefault:"30s"`
	CheckpointEvery int           `env:"TAILER_CHECKPOINT_EVERY" envDefault:"100"`
	// CheckpointInterval bounds the time between cursor writes while lines keep arriving.
	CheckpointInterval time.Duration `env:"TAILER_CHECKPOINT_INTERVAL" envDefault:"5s"`
	StartAt            TailerStartAt `env:"TAILER_START_AT"            envDefault:"end"`
	CursorName         string        `env:"TAILER_CURSOR_NAME"         envDefault:"execution-log"`
}

// Sanitize applies guardrails to tailer configuration values.
func (c *TailerConfig) Sanitize() {
	c.LogPath = strings.TrimSpace(c.LogPath)
	if strings.TrimSpace(c.DateLayout) == "" {
		c.DateLayout = "2006-01-02"
	}
	if strings.TrimSpace(c.Pattern) == "" {
		c.Pattern = DefaultJobPattern
	}
	if c.PollInterval < 10*time.Millisecond {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.RolloverGrace < 0 {
		c.RolloverGrace = 0
	}
	if c.CheckpointEvery < 1 {
		c.CheckpointEvery = 1
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 5 * time.Second
	}
	switch TailerStartAt(strings.ToLower(string(c.StartAt))) {
	case TailerStartAtBeginning:
		c.StartAt = TailerStartAtBeginning
	default:
		c.StartAt = TailerStartAtEnd
	}
	if c.CursorName = strings.TrimSpace(c.CursorName); c.CursorName == "" {
		c.CursorName = "execution-log"
	}
}

// ProcessorConfig sizes the job queue and the processing worker pool.
type ProcessorConfig struct {
	QueueCapacity int `env:"QUEUE_CAPACITY"    envDefault:"256"`
	Workers       int `env:"PROCESSOR_WORKERS" envDefault:"2"`
	// ClaimTTL bounds how long a cross-process in-flight claim survives a crashed worker.
	ClaimTTL time.Duration `env:"PROCESSOR_CLAIM_TTL" envDefault:"15m"`
	// DrainTimeout bounds how long shutdown waits for queued jobs before aborting them.
	DrainTimeout time.Duration `env:"PROCESSOR_DRAIN_TIMEOUT" envDefault:"30s"`
}

// Sanitize applies guardrails to processor configuration values.
func (c *ProcessorConfig) Sanitize() {
	if c.QueueCapacity < 1 {
		c.QueueCapacity = 1
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.Workers > 64 {
		c.Workers = 64
	}
	if c.ClaimTTL < time.Minute {
		c.ClaimTTL = time.Minute
	}
	if c.DrainTimeout < 0 {
		c.DrainTimeout = 0
	}
}

// RetryConfig holds the per-stage and per-job retry budgets.
type RetryConfig struct {
	MaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"4"`
	BackoffBase time.Duration `env:"RETRY_BACKOFF_BASE" envDefault:"500ms"`
	BackoffCap  time.Duration `env:"RETRY_BACKOFF_CAP"  envDefault:"10s"`

	JobMaxAttempts int           `env:"JOB_MAX_ATTEMPTS" envDefault:"3"`
	JobBackoffBase time.Duration `env:"JOB_BACKOFF_BASE" envDefault:"5s"`
	JobBackoffCap  time.Duration `env:"JOB_BACKOFF_CAP"  envDefault:"2m"`
}

// Sanitize applies guardrails to retry configuration values.
func (c *RetryConfig) Sanitize() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = c.BackoffBase
	}
	if c.JobMaxAttempts < 1 {
		c.JobMaxAttempts = 1
	}
	if c.JobBackoffBase <= 0 {
		c.JobBackoffBase = 5 * time.Second
	}
	if c.JobBackoffCap < c.JobBackoffBase {
		c.JobBackoffCap = c.JobBackoffBase
	}
}
