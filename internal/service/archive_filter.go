package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"

	"github.com/ClearPeaks/knime-audit/config"
	"github.com/ClearPeaks/knime-audit/internal/core"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	"github.com/ClearPeaks/knime-audit/internal/domain/settings"
	"github.com/ClearPeaks/knime-audit/internal/observability/metrics"
	"github.com/ClearPeaks/knime-audit/internal/observability/statsd"
)

// maxDocumentBytes bounds a single decompressed settings or workflow document.
const maxDocumentBytes = 64 << 20

var (
	errNoWorkflow  = errors.New("archive has no workflow.knime")
	errUnsafeEntry = errors.New("archive entry escapes the archive root")
)

// NewFilterRules compiles the resolved rules document into filter rules.
func NewFilterRules(doc config.FilterRulesFile) (settings.Rules, error) {
	out := settings.Rules{KeepFiles: append([]string(nil), doc.KeepFiles...)}
	if doc.MaxAuditPaths != nil {
		out.MaxPaths = *doc.MaxAuditPaths
	}
	for i, rs := range doc.Rules {
		r, err := settings.NewRule(rs.NodeType, rs.Path)
		if err != nil {
			return settings.Rules{}, fmt.Errorf("filter rule %d: %w", i, err)
		}
		out.Entries = append(out.Entries, r)
	}
	return out, nil
}

// ArchiveFilterServiceOptions groups dependencies for ArchiveFilterService.
type ArchiveFilterServiceOptions struct {
	Rules   settings.Rules
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// ArchiveFilterService strips intermediate data from workflow archives.
//
// Files outside the keep list are dropped, settings entries matching a rule
// are redacted, and everything else is copied through unchanged so the
// archive can be imported again.
type ArchiveFilterService struct {
	rules   settings.Rules
	logger  *slog.Logger
	metrics statsd.Sink
}

var _ core.ArchiveFilter = (*ArchiveFilterService)(nil)

// NewArchiveFilterService constructs an ArchiveFilterService.
func NewArchiveFilterService(opts ArchiveFilterServiceOptions) *ArchiveFilterService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveFilterService{
		rules:   opts.Rules,
		logger:  logger.With("component", "archive_filter"),
		metrics: opts.Metrics,
	}
}

// Filter never fails: an archive that cannot be read comes back with Skipped
// set, the reason, and the original bytes.
func (s *ArchiveFilterService) Filter(ctx context.Context, jobID string, raw []byte) *model.FilteredArchive {
	start := time.Now()
	out, err := s.filter(ctx, jobID, raw)
	if err != nil {
		s.logger.WarnContext(ctx, "archive filter skipped, keeping raw archive",
			"job_id", jobID, "size", humanize.IBytes(uint64(len(raw))), "error", err)
		metrics.EmitFilter(s.metrics, metrics.FilterMetric{Skipped: true, Duration: time.Since(start)})
		return &model.FilteredArchive{Skipped: true, SkipReason: err.Error(), Raw: raw}
	}

	var removedBytes uint64
	for _, f := range out.RemovedFiles {
		removedBytes += f.Size
	}
	s.logger.InfoContext(ctx, "archive filtered",
		"job_id", jobID,
		"size", humanize.IBytes(uint64(len(raw))),
		"filtered_size", humanize.IBytes(uint64(len(out.Data))),
		"removed_files", len(out.RemovedFiles),
		"removed_bytes", humanize.IBytes(removedBytes),
		"removed_entries", len(out.RemovedEntries),
		"data_paths", len(out.Paths),
	)
	metrics.EmitFilter(s.metrics, metrics.FilterMetric{
		RemovedFiles:   len(out.RemovedFiles),
		RemovedEntries: len(out.RemovedEntries),
		RemovedBytes:   removedBytes,
		Duration:       time.Since(start),
	})
	return out
}

type keptEntry struct {
	file *zip.File
	doc  *settings.Document
}

func (s *ArchiveFilterService) filter(ctx context.Context, jobID string, raw []byte) (*model.FilteredArchive, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	rootDir, err := findWorkflowRoot(zr.File)
	if err != nil {
		return nil, err
	}
	tree := settings.NewTree(rootDir)
	out := &model.FilteredArchive{}
	kept := make([]keptEntry, 0, len(zr.File))
	keptNames := make(map[string]struct{}, len(zr.File))

	for _, f := range zr.File {
		name := strings.TrimSuffix(f.Name, "/")
		if f.FileInfo().IsDir() {
			kept = append(kept, keptEntry{file: f})
			continue
		}
		if !s.rules.Keeps(name) {
			out.RemovedFiles = append(out.RemovedFiles, model.RemovedFile{Name: name, Size: f.UncompressedSize64})
			continue
		}
		entry := keptEntry{file: f}
		if base := path.Base(name); base == settings.SettingsFile || base == settings.WorkflowFile {
			doc, err := readDocument(f)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			node := tree.Node(path.Dir(name))
			if base == settings.SettingsFile {
				node.Settings = doc
			} else {
				node.Workflow = doc
			}
			entry.doc = doc
		}
		kept = append(kept, entry)
		keptNames[name] = struct{}{}
	}

	for _, ref := range tree.References() {
		if _, ok := keptNames[ref]; !ok {
			s.logger.WarnContext(ctx, "workflow references missing node settings",
				"job_id", jobID, "file", ref)
		}
	}

	out.Paths = settings.DataPaths(tree, s.rules.MaxPaths)
	out.RemovedEntries = settings.ApplyRules(tree, s.rules.Entries)

	data, err := repack(kept)
	if err != nil {
		return nil, err
	}
	out.Data = data
	return out, nil
}

// findWorkflowRoot returns the directory of the shallowest workflow.knime.
func findWorkflowRoot(files []*zip.File) (string, error) {
	root, depth := "", -1
	for _, f := range files {
		name := f.Name
		if path.IsAbs(name) || strings.HasPrefix(name, "\\") {
			return "", fmt.Errorf("%w: %s", errUnsafeEntry, name)
		}
		for _, seg := range strings.Split(name, "/") {
			if seg == ".." {
				return "", fmt.Errorf("%w: %s", errUnsafeEntry, name)
			}
		}
		if path.Base(name) != settings.WorkflowFile {
			continue
		}
		d := strings.Count(name, "/")
		if depth < 0 || d < depth {
			root, depth = path.Dir(name), d
		}
	}
	if depth < 0 {
		return "", errNoWorkflow
	}
	return root, nil
}

func readDocument(f *zip.File) (*settings.Document, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	body, err := io.ReadAll(io.LimitReader(rc, maxDocumentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxDocumentBytes {
		return nil, fmt.Errorf("document exceeds %s", humanize.IBytes(maxDocumentBytes))
	}
	return settings.ParseDocument(bytes.NewReader(body))
}

// repack writes kept entries in their original order. Untouched entries are
// copied without recompression; redacted documents are re-encoded.
func repack(kept []keptEntry) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range kept {
		if e.doc == nil || !e.doc.Modified {
			if err := zw.Copy(e.file); err != nil {
				return nil, fmt.Errorf("copy %s: %w", e.file.Name, err)
			}
			continue
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.file.Name,
			Method:   zip.Deflate,
			Modified: e.file.Modified,
			Comment:  e.file.Comment,
		})
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", e.file.Name, err)
		}
		if err := e.doc.Encode(w); err != nil {
			return nil, fmt.Errorf("write %s: %w", e.file.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}
