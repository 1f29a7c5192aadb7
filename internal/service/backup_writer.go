package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ClearPeaks/knime-audit/config"
	"github.com/ClearPeaks/knime-audit/internal/core"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	apperrors "github.com/ClearPeaks/knime-audit/internal/errors"
	"github.com/ClearPeaks/knime-audit/internal/observability/statsd"
)

// Backup bundle file names.
const (
	JobSummaryFile      = "job-summary.json"
	WorkflowSummaryFile = "workflow-summary.json"
	ManifestFile        = "manifest.json"

	bundleTimeLayout = "20060102150405"
	partitionLayout  = "20060102"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// BackupWriterServiceOptions groups dependencies for BackupWriterService.
type BackupWriterServiceOptions struct {
	Config  config.BackupConfig
	Logger  *slog.Logger
	Metrics statsd.Sink
	Now     func() time.Time
}

// BackupWriterService writes backup bundles below the backup root. A bundle
// is staged in a hidden temporary directory next to its final location and
// renamed into place, so readers never see a partial bundle.
type BackupWriterService struct {
	cfg     config.BackupConfig
	logger  *slog.Logger
	metrics statsd.Sink
	now     func() time.Time
}

var _ core.BackupWriter = (*BackupWriterService)(nil)

// NewBackupWriterService constructs a BackupWriterService.
func NewBackupWriterService(opts BackupWriterServiceOptions) *BackupWriterService {
	cfg := opts.Config
	cfg.Sanitize()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &BackupWriterService{
		cfg:     cfg,
		logger:  logger.With("component", "backup_writer"),
		metrics: opts.Metrics,
		now:     now,
	}
}

// BundleDir returns the directory a bundle is written to.
func (s *BackupWriterService) BundleDir(b *model.BackupBundle) string {
	ts := b.Timestamp().UTC()
	parent := s.cfg.Root
	if s.cfg.DailyPartition {
		parent = filepath.Join(parent, ts.Format(partitionLayout))
	}
	return filepath.Join(parent, sanitizeName(b.Detection.JobID)+"-"+ts.Format(bundleTimeLayout))
}

// Write persists b and returns its directory. A bundle that already exists
// is left untouched and its directory returned.
func (s *BackupWriterService) Write(ctx context.Context, b *model.BackupBundle) (string, error) {
	const op = "write bundle"
	final := s.BundleDir(b)

	if info, err := os.Stat(final); err == nil && info.IsDir() {
		s.logger.InfoContext(ctx, "backup already exists", "job_id", b.Detection.JobID, "path", final)
		return final, nil
	}

	parent := filepath.Dir(final)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return "", apperrors.Storage(apperrors.StageBackup, op, err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(final)+".tmp-")
	if err != nil {
		return "", apperrors.Storage(apperrors.StageBackup, op, err)
	}

	size, err := s.populate(tmp, b)
	if err != nil {
		_ = os.RemoveAll(tmp)
		return "", apperrors.Storage(apperrors.StageBackup, op, err)
	}

	if err := os.Rename(tmp, final); err != nil {
		_ = os.RemoveAll(tmp)
		if info, statErr := os.Stat(final); statErr == nil && info.IsDir() {
			return final, nil
		}
		return "", apperrors.Storage(apperrors.StageBackup, op, err)
	}

	s.logger.InfoContext(ctx, "backup written",
		"job_id", b.Detection.JobID, "path", final, "size", humanize.IBytes(size))
	if s.metrics != nil {
		s.metrics.Count("backup.bytes", int64(size), nil) // #nosec G115 - bundle sizes fit int64
	}
	return final, nil
}

// populate writes every bundle file into dir and returns the bytes written.
func (s *BackupWriterService) populate(dir string, b *model.BackupBundle) (uint64, error) {
	job := sanitizeName(b.Detection.JobID)
	files := map[string][]byte{}
	if len(b.Metadata) > 0 {
		files[JobSummaryFile] = b.Metadata
	}
	if len(b.Summary) > 0 {
		files[WorkflowSummaryFile] = b.Summary
	}

	manifest := model.BackupManifest{
		JobID:      b.Detection.JobID,
		DetectedAt: b.Detection.DetectedAt.UTC(),
		WrittenAt:  s.now().UTC(),
		Complete:   model.Complete(b.Stages),
		Stages:     b.Stages,
	}
	if a := b.Archive; a != nil {
		switch {
		case a.Skipped:
			files[job+".raw.knwf"] = a.Raw
			manifest.FilterSkipped = true
			manifest.FilterSkipCause = a.SkipReason
		case len(a.Data) > 0:
			files[job+".knwf"] = a.Data
		}
		manifest.RemovedFiles = a.RemovedFiles
		manifest.RemovedEntries = a.RemovedEntries
		manifest.DataPaths = a.Paths
	}
	for stage, raw := range b.Malformed {
		files[sanitizeName(stage)+".malformed"] = raw
	}

	var total uint64
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writeFileSync(filepath.Join(dir, name), files[name]); err != nil {
			return total, err
		}
		total += uint64(len(files[name]))
	}

	manifest.Files = names
	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return total, fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeFileSync(filepath.Join(dir, ManifestFile), body); err != nil {
		return total, err
	}
	return total + uint64(len(body)), nil
}

func writeFileSync(name string, data []byte) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadManifest loads the manifest of a bundle directory.
func ReadManifest(dir string) (*model.BackupManifest, error) {
	body, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NotFoundf("no manifest in %s", dir)
	}
	if err != nil {
		return nil, err
	}
	var m model.BackupManifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// sanitizeName makes an id safe to use as a single path element.
func sanitizeName(s string) string {
	s = unsafeName.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
