// Package slack delivers operator incidents to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ClearPeaks/knime-audit/internal/observability/notify"
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// BackupURLPrefix turns backup directories into links.
	BackupURLPrefix string
}

// Client delivers incidents to a Slack webhook.
type Client struct {
	webhookURL      string
	channel         string
	username        string
	retryLimit      int
	backupURLPrefix string
	client          *http.Client
}

var _ notify.Sink = (*Client)(nil)

// NewClient builds a Slack webhook client. Callers should pass a validated config.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		webhookURL:      webhookURL,
		channel:         strings.TrimSpace(cfg.Channel),
		username:        fallbackString(strings.TrimSpace(cfg.Username), "knime-audit"),
		retryLimit:      max(cfg.RetryLimit, 0),
		backupURLPrefix: strings.TrimSpace(cfg.BackupURLPrefix),
		client:          hc,
	}, nil
}

// SendIncident posts a formatted message to Slack.
func (c *Client) SendIncident(ctx context.Context, in notify.Incident) error {
	body, err := json.Marshal(c.formatMessage(in))
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}

	attempts := c.retryLimit + 1
	var lastErr error
	for attempt := range attempts {
		if lastErr = c.post(ctx, body); lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(time.Duration(attempt+1) * 200 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (c *Client) formatMessage(in notify.Incident) map[string]any {
	ts := in.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}

	var text strings.Builder
	text.WriteString("*" + headline(in.Kind) + "*")
	if in.JobID != "" {
		text.WriteString(" `" + escapeSlackText(in.JobID) + "`")
	}
	text.WriteByte('\n')

	attempts := ""
	if in.Attempts > 0 {
		attempts = strconv.Itoa(in.Attempts)
	}
	fields := []struct{ label, value string }{
		{"Severity", fallbackString(in.Severity, notify.SeverityCritical)},
		{"Workflow", escapeSlackText(in.WorkflowPath)},
		{"Stage", in.Stage},
		{"Error kind", in.ErrorKind},
		{"Attempts", attempts},
		{"Error", escapeSlackText(in.Error)},
		{"Backup", c.formatBackup(in.BackupPath)},
	}
	for _, f := range fields {
		appendSlackField(&text, f.label, f.value)
	}
	appendSlackMetadata(&text, in.Metadata)
	text.WriteString("• Timestamp: " + ts.UTC().Format(time.RFC3339))

	msg := map[string]any{
		"text":     text.String(),
		"username": c.username,
	}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	return msg
}

func headline(kind string) string {
	switch kind {
	case notify.IncidentAuthFailure:
		return "Execution server rejected credentials"
	case notify.IncidentDeadLetter:
		return "Job dead-lettered"
	default:
		return "knime-audit incident"
	}
}

// formatBackup links the backup directory when a prefix is configured.
func (c *Client) formatBackup(dir string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return ""
	}
	if c.backupURLPrefix == "" {
		return escapeSlackText(dir)
	}
	u, err := url.Parse(c.backupURLPrefix)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return escapeSlackText(dir)
	}
	link, err := url.JoinPath(u.String(), strings.Split(strings.Trim(dir, "/"), "/")...)
	if err != nil {
		return escapeSlackText(dir)
	}
	return fmt.Sprintf("<%s|%s>", link, escapeSlackText(dir))
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("slack webhook %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("drain slack response body: %w", err)
	}
	return nil
}

func fallbackString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func escapeSlackText(value string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(value)
}

func appendSlackField(text *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	text.WriteString("• " + label + ": " + value + "\n")
}

func appendSlackMetadata(text *strings.Builder, metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	text.WriteString("• Metadata:\n")
	for _, k := range keys {
		text.WriteString("    • " + k + ": " + escapeSlackText(metadata[k]) + "\n")
	}
}
