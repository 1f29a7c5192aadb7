// Package sourceapi retrieves job state from the execution server REST API.
package sourceapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ClearPeaks/knime-audit/internal/core"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	apperrors "github.com/ClearPeaks/knime-audit/internal/errors"
)

const (
	masonJSON = "application/vnd.mason+json"
	plainJSON = "application/json"

	defaultMaxDocumentBytes int64 = 32 << 20
	defaultMaxArchiveBytes  int64 = 1 << 30
)

// Options configures a Client.
type Options struct {
	// BaseURL is the REST root, e.g. https://host:8443/knime/rest/v4.
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
	// MaxDocumentBytes caps JSON responses; MaxArchiveBytes caps archive downloads.
	MaxDocumentBytes int64
	MaxArchiveBytes  int64
}

// Client implements core.JobSource over HTTP.
type Client struct {
	base        *url.URL
	http        *http.Client
	logger      *slog.Logger
	maxDocument int64
	maxArchive  int64
}

var _ core.JobSource = (*Client)(nil)

// New creates a Client.
func New(opts Options) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("source base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse source base url: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxDoc := opts.MaxDocumentBytes
	if maxDoc <= 0 {
		maxDoc = defaultMaxDocumentBytes
	}
	maxArchive := opts.MaxArchiveBytes
	if maxArchive <= 0 {
		maxArchive = defaultMaxArchiveBytes
	}
	return &Client{
		base:        base,
		http:        hc,
		logger:      logger.With("component", "sourceapi"),
		maxDocument: maxDoc,
		maxArchive:  maxArchive,
	}, nil
}

// FetchMetadata retrieves GET /jobs/{id}.
func (c *Client) FetchMetadata(ctx context.Context, jobID string) (*model.JobRecord, []byte, error) {
	op := "GET /jobs/{id}"
	body, err := c.do(ctx, request{
		stage:  apperrors.StageMetadata,
		op:     op,
		method: http.MethodGet,
		path:   "jobs/" + url.PathEscape(jobID),
		accept: masonJSON,
		limit:  c.maxDocument,
		jobID:  jobID,
	})
	if err != nil {
		return nil, nil, err
	}
	rec, err := model.ParseJobMetadata(body, jobID)
	if err != nil {
		return nil, body, apperrors.Malformed(apperrors.StageMetadata, op, body, err)
	}
	return &rec, body, nil
}

// FetchSummary retrieves the workflow summary including execution statistics.
func (c *Client) FetchSummary(ctx context.Context, jobID string) ([]byte, error) {
	op := "GET /jobs/{id}/workflow-summary"
	body, err := c.do(ctx, request{
		stage:  apperrors.StageSummary,
		op:     op,
		method: http.MethodGet,
		path:   "jobs/" + url.PathEscape(jobID) + "/workflow-summary",
		query:  url.Values{"format": {"JSON"}, "includeExecutionInfo": {"true"}},
		accept: plainJSON,
		limit:  c.maxDocument,
		jobID:  jobID,
	})
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, apperrors.Malformed(apperrors.StageSummary, op, body, errors.New("summary is not valid JSON"))
	}
	return body, nil
}

// FetchArchive downloads the workflow stored at workflowPath as a .knwf archive.
func (c *Client) FetchArchive(ctx context.Context, workflowPath string) ([]byte, error) {
	if strings.Trim(workflowPath, "/ ") == "" {
		return nil, apperrors.Malformed(apperrors.StageArchive, "GET /repository", nil, errors.New("empty workflow path"))
	}
	return c.do(ctx, request{
		stage:  apperrors.StageArchive,
		op:     "GET /repository/{path}:data",
		method: http.MethodGet,
		path:   "repository/" + escapeRepositoryPath(workflowPath) + ":data",
		accept: masonJSON,
		limit:  c.maxArchive,
	})
}

// TriggerSwap asks the server to swap the job out, which makes it write the workflow summary.
func (c *Client) TriggerSwap(ctx context.Context, jobID string) error {
	_, err := c.do(ctx, request{
		stage:  apperrors.StageSwap,
		op:     "PUT /jobs/{id}/swap",
		method: http.MethodPut,
		path:   "jobs/" + url.PathEscape(jobID) + "/swap",
		accept: masonJSON,
		limit:  c.maxDocument,
		jobID:  jobID,
	})
	return err
}

// Probe lists jobs once to verify connectivity and credentials.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.do(ctx, request{
		stage:  "probe",
		op:     "GET /jobs/",
		method: http.MethodGet,
		path:   "jobs/",
		accept: masonJSON,
		limit:  c.maxDocument,
	})
	return err
}

type request struct {
	stage  string
	op     string
	method string
	path   string
	query  url.Values
	accept string
	limit  int64
	jobID  string
}

func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	target := c.base.String() + "/" + r.path
	if r.query != nil {
		target += "?" + r.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, nil)
	if err != nil {
		return nil, apperrors.Malformed(r.stage, r.op, nil, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", r.accept)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.WarnContext(ctx, "source request failed",
			"job_id", r.jobID, "stage", r.stage, "op", r.op, "error", err)
		return nil, apperrors.Transient(r.stage, r.op, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, r.limit+1))
	if readErr != nil {
		return nil, apperrors.Transient(r.stage, r.op, fmt.Errorf("read body: %w", readErr))
	}

	if se := classifyStatus(r, resp.StatusCode, body); se != nil {
		c.logger.WarnContext(ctx, "source request rejected",
			"job_id", r.jobID, "stage", r.stage, "op", r.op,
			"status", resp.StatusCode, "kind", string(se.Kind))
		return nil, se
	}
	if int64(len(body)) > r.limit {
		return nil, apperrors.Malformed(r.stage, r.op, nil,
			fmt.Errorf("response exceeds %s", humanize.IBytes(uint64(r.limit))))
	}

	c.logger.DebugContext(ctx, "source request ok",
		"job_id", r.jobID, "stage", r.stage, "op", r.op,
		"size", humanize.IBytes(uint64(len(body))), "duration", time.Since(start))
	return body, nil
}

// classifyStatus maps a response status to the stage error taxonomy.
func classifyStatus(r request, status int, body []byte) *apperrors.StageError {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return apperrors.Gone(r.stage, r.op)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.Auth(r.stage, r.op, status)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		se := apperrors.Transient(r.stage, r.op, fmt.Errorf("server returned %d", status))
		se.StatusCode = status
		return se
	default:
		if int64(len(body)) > r.limit {
			body = body[:r.limit]
		}
		se := apperrors.Malformed(r.stage, r.op, body, fmt.Errorf("unexpected status %d", status))
		se.StatusCode = status
		return se
	}
}

// escapeRepositoryPath escapes each segment of a repository path.
func escapeRepositoryPath(p string) string {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
