// Package tailer follows the execution server log and emits the ids of jobs
// that reached a terminal state.
package tailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/ClearPeaks/knime-audit/config"
	"github.com/ClearPeaks/knime-audit/internal/core"
	"github.com/ClearPeaks/knime-audit/internal/domain/job"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	apperrors "github.com/ClearPeaks/knime-audit/internal/errors"
	"github.com/ClearPeaks/knime-audit/internal/observability/metrics"
	"github.com/ClearPeaks/knime-audit/internal/observability/statsd"
)

const (
	readChunkBytes = 64 << 10
	// maxLineBytes bounds a single line; longer lines are skipped.
	maxLineBytes = 1 << 20
	// headBytes of the file start identify it across an in-place truncation.
	headBytes = 256

	checkpointTimeout = 5 * time.Second
)

// File lifecycle events reported in logs and metrics.
const (
	EventRotated   = "rotated"
	EventTruncated = "truncated"
	EventRollover  = "rollover"
)

// Options configures a Tailer.
type Options struct {
	Config  config.TailerConfig
	Cursors core.CursorRepository
	Sink    core.DetectionSink
	Metrics statsd.Sink
	Logger  *slog.Logger
	// Watermark, when set, holds checkpoints at the oldest detection that has
	// not finished processing.
	Watermark *job.Watermark
	// Now defaults to time.Now; tests pin it to drive date rollover.
	Now func() time.Time
}

// Tailer reads appended lines from a log file, resuming from a persisted
// cursor, and hands matched job ids to a DetectionSink. Enqueue blocks when
// the sink is full, and the cursor never moves past a line that was not handed off.
type Tailer struct {
	cfg      config.TailerConfig
	pattern  *regexp.Regexp
	group    int
	cursors  core.CursorRepository
	sink     core.DetectionSink
	metrics  statsd.Sink
	wm       *job.Watermark
	logger   *slog.Logger
	now      func() time.Time
	buf      []byte
	dated    bool
	pollWait time.Duration

	path    string
	file    *os.File
	info    fs.FileInfo
	offset  int64
	pending []byte
	head    []byte
	// discarding is set while skipping the rest of an overlong line.
	discarding bool

	sinceCheckpoint int
	lastCheckpoint  time.Time
	savedPath       string
	savedOffset     int64
	rolloverSince   time.Time
}

// New validates opts and compiles the job pattern.
func New(opts Options) (*Tailer, error) {
	if opts.Cursors == nil {
		return nil, errors.New("cursor repository is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("detection sink is required")
	}
	cfg := opts.Config
	cfg.Sanitize()
	if cfg.LogPath == "" {
		return nil, errors.New("log path is required")
	}
	re, group, err := CompilePattern(cfg.Pattern)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tailer{
		cfg:         cfg,
		pattern:     re,
		group:       group,
		cursors:     opts.Cursors,
		sink:        opts.Sink,
		metrics:     opts.Metrics,
		wm:          opts.Watermark,
		logger:      logger.With("component", "tailer", "cursor", cfg.CursorName),
		now:         now,
		buf:         make([]byte, readChunkBytes),
		dated:       strings.Contains(cfg.LogPath, "{date}"),
		pollWait:    cfg.PollInterval,
		savedOffset: -1,
	}, nil
}

// CompilePattern compiles a job line pattern and returns the index of the
// group holding the job id: the group named "job", else the first group.
func CompilePattern(pattern string) (*regexp.Regexp, int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, 0, fmt.Errorf("compile job pattern: %w", err)
	}
	if i := re.SubexpIndex("job"); i > 0 {
		return re, i, nil
	}
	if re.NumSubexp() < 1 {
		return nil, 0, errors.New("job pattern must capture the job id in a group")
	}
	return re, 1, nil
}

// ExtractJobID returns the job id in line, if the line reports a job.
func (t *Tailer) ExtractJobID(line string) (string, bool) {
	m := t.pattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	id := strings.TrimSpace(m[t.group])
	return id, id != ""
}

// Path returns the log file currently followed.
func (t *Tailer) Path() string { return t.path }

// Offset returns the position just past the last line handed off.
func (t *Tailer) Offset() int64 { return t.offset }

// Run tails until ctx is done. The cursor is persisted on the way out with a
// fresh context so shutdown does not lose the position.
func (t *Tailer) Run(ctx context.Context) error {
	if err := t.resume(ctx); err != nil {
		return err
	}
	t.logger.InfoContext(ctx, "starting tailer", "path", t.path, "offset", t.offset)

	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
		defer cancel()
		if err := t.checkpoint(cctx); err != nil {
			t.logger.ErrorContext(cctx, "final checkpoint failed", "path", t.path, "offset", t.offset, "error", err)
		}
		t.closeFile()
		t.logger.InfoContext(cctx, "tailer stopped", "path", t.path, "offset", t.offset)
	}()

	for {
		n, err := t.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, job.ErrQueueClosed) {
				return nil
			}
			t.logger.WarnContext(ctx, "tail read failed", "path", t.path, "offset", t.offset, "error", err)
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(t.pollWait):
		}
	}
}

// Poll performs one read pass: it reads everything appended since the last
// pass, or, at end of file, checks for truncation, rotation and date rollover.
// It returns the number of bytes read.
func (t *Tailer) Poll(ctx context.Context) (int, error) {
	if t.file == nil {
		if err := t.reopen(0); err != nil {
			return 0, err
		}
		if t.file == nil {
			t.maybeRollover(ctx)
			return 0, nil
		}
	}
	if err := t.checkTruncation(ctx); err != nil {
		return 0, err
	}
	n, err := t.readAvailable(ctx)
	if err != nil || n > 0 {
		return n, err
	}
	if err := t.detectFileChange(ctx); err != nil {
		return 0, err
	}
	if t.dirty() && t.now().Sub(t.lastCheckpoint) >= t.cfg.CheckpointInterval {
		if err := t.checkpoint(ctx); err != nil {
			t.logger.WarnContext(ctx, "checkpoint failed", "path", t.path, "offset", t.offset, "error", err)
		}
	}
	return 0, nil
}

// resume positions the tailer from the persisted cursor, or per StartAt.
func (t *Tailer) resume(ctx context.Context) error {
	cur, err := t.cursors.Load(ctx, t.cfg.CursorName)
	switch {
	case err == nil:
		t.savedPath, t.savedOffset = cur.FilePath, cur.Offset
		if _, statErr := os.Stat(cur.FilePath); statErr == nil {
			t.path = cur.FilePath
			return t.reopen(cur.Offset)
		}
		t.logger.WarnContext(ctx, "cursor file missing, reading current file from start",
			"cursor_path", cur.FilePath, "cursor_offset", cur.Offset)
		t.path = t.currentPath()
		return t.reopen(0)
	case apperrors.IsNotFound(err):
		t.path = t.currentPath()
		if err := t.reopen(0); err != nil {
			return err
		}
		if t.file != nil && t.cfg.StartAt == config.TailerStartAtEnd {
			t.offset = t.info.Size()
			t.logger.InfoContext(ctx, "no cursor, skipping existing content", "path", t.path, "offset", t.offset)
		}
		return nil
	default:
		return fmt.Errorf("load tailer cursor: %w", err)
	}
}

func (t *Tailer) currentPath() string {
	if !t.dated {
		return t.cfg.LogPath
	}
	return strings.ReplaceAll(t.cfg.LogPath, "{date}", t.now().Format(t.cfg.DateLayout))
}

// reopen opens t.path at offset. A missing file leaves t.file nil.
func (t *Tailer) reopen(offset int64) error {
	t.closeFile()
	f, err := os.Open(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", t.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat %s: %w", t.path, err)
	}
	if offset > info.Size() {
		offset = 0
	}
	t.file, t.info, t.offset, t.pending, t.discarding = f, info, offset, nil, false
	return t.rememberHead(info.Size())
}

// rememberHead reads the first bytes of the open file, up to headBytes.
func (t *Tailer) rememberHead(size int64) error {
	n := min(size, headBytes)
	head := make([]byte, n)
	read, err := t.file.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read head of %s: %w", t.path, err)
	}
	t.head = head[:read]
	return nil
}

// checkTruncation restarts the file from the start when it was truncated in
// place: it is shorter than the offset, or its first bytes changed. The
// second check catches a copytruncate whose new content already grew past
// the old offset.
func (t *Tailer) checkTruncation(ctx context.Context) error {
	if t.offset == 0 && len(t.pending) == 0 {
		return nil
	}
	info, err := t.file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", t.path, err)
	}
	truncated := info.Size() < t.offset
	if !truncated && len(t.head) > 0 {
		cur := make([]byte, len(t.head))
		n, err := t.file.ReadAt(cur, 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read head of %s: %w", t.path, err)
		}
		truncated = !bytes.Equal(cur[:n], t.head)
	}
	if !truncated {
		if len(t.head) < headBytes && info.Size() > int64(len(t.head)) {
			return t.rememberHead(info.Size())
		}
		return nil
	}

	t.logger.InfoContext(ctx, "log file truncated, restarting from start",
		"path", t.path, "size", info.Size(), "previous_offset", t.offset)
	metrics.EmitTailerEvent(t.metrics, EventTruncated)
	t.offset, t.pending, t.discarding = 0, nil, false
	t.info = info
	if err := t.rememberHead(info.Size()); err != nil {
		return err
	}
	return t.checkpoint(ctx)
}

func (t *Tailer) closeFile() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
}

func (t *Tailer) readAvailable(ctx context.Context) (int, error) {
	total, read, matched := 0, 0, 0
	defer func() { metrics.EmitTailerLines(t.metrics, read, matched) }()

	for {
		n, err := t.file.ReadAt(t.buf, t.offset+int64(len(t.pending)))
		if n > 0 {
			total += n
			t.pending = append(t.pending, t.buf[:n]...)
			r, m, lerr := t.consumeLines(ctx)
			read += r
			matched += m
			if lerr != nil {
				return total, lerr
			}
		}
		if errors.Is(err, io.EOF) || (err == nil && n < len(t.buf)) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("read %s: %w", t.path, err)
		}
	}
}

// consumeLines hands off every complete line in t.pending, advancing the
// offset line by line.
func (t *Tailer) consumeLines(ctx context.Context) (int, int, error) {
	read, matched := 0, 0
	for {
		i := bytes.IndexByte(t.pending, '\n')
		if i < 0 {
			if len(t.pending) > maxLineBytes {
				if !t.discarding {
					t.logger.WarnContext(ctx, "skipping overlong line", "path", t.path, "offset", t.offset, "bytes", len(t.pending))
				}
				t.offset += int64(len(t.pending))
				t.pending = nil
				t.discarding = true
			}
			return read, matched, nil
		}
		if t.discarding {
			t.offset += int64(i) + 1
			t.pending = t.pending[i+1:]
			t.discarding = false
			continue
		}
		line := string(bytes.TrimRight(t.pending[:i], "\r"))
		read++
		if id, ok := t.ExtractJobID(line); ok {
			d := model.Detection{
				JobID:      id,
				DetectedAt: t.now().UTC(),
				LogFile:    t.path,
				Offset:     t.offset,
			}
			t.wm.Add(d.LogFile, d.Offset)
			if err := t.sink.Enqueue(ctx, d); err != nil {
				t.wm.Done(d.LogFile, d.Offset)
				return read, matched, err
			}
			matched++
			t.logger.DebugContext(ctx, "job detected", "job_id", id, "offset", d.Offset)
		}
		t.offset += int64(i) + 1
		t.pending = t.pending[i+1:]
		t.sinceCheckpoint++
		if t.sinceCheckpoint >= t.cfg.CheckpointEvery {
			if err := t.checkpoint(ctx); err != nil {
				t.logger.WarnContext(ctx, "checkpoint failed", "path", t.path, "offset", t.offset, "error", err)
			}
		}
	}
}

// detectFileChange runs at end of file. A replaced file is reopened from the
// start, and a dated path switches to the next day's file once it exists and
// the grace period has passed.
func (t *Tailer) detectFileChange(ctx context.Context) error {
	info, err := os.Stat(t.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		t.maybeRollover(ctx)
		return nil
	case err != nil:
		return fmt.Errorf("stat %s: %w", t.path, err)
	}

	if !os.SameFile(info, t.info) {
		t.logger.InfoContext(ctx, "log file replaced, reopening", "path", t.path, "previous_offset", t.offset)
		metrics.EmitTailerEvent(t.metrics, EventRotated)
		if err := t.reopen(0); err != nil {
			return err
		}
		return t.checkpoint(ctx)
	}
	t.maybeRollover(ctx)
	return nil
}

func (t *Tailer) maybeRollover(ctx context.Context) {
	if !t.dated {
		return
	}
	next := t.currentPath()
	if next == t.path {
		t.rolloverSince = time.Time{}
		return
	}
	if _, err := os.Stat(next); err != nil {
		return
	}
	now := t.now()
	if t.rolloverSince.IsZero() {
		t.rolloverSince = now
	}
	if now.Sub(t.rolloverSince) < t.cfg.RolloverGrace {
		return
	}
	t.logger.InfoContext(ctx, "switching to next log file", "from", t.path, "to", next, "final_offset", t.offset)
	metrics.EmitTailerEvent(t.metrics, EventRollover)
	t.path = next
	t.rolloverSince = time.Time{}
	if err := t.reopen(0); err != nil {
		t.logger.WarnContext(ctx, "open next log file failed", "path", next, "error", err)
		return
	}
	if err := t.checkpoint(ctx); err != nil {
		t.logger.WarnContext(ctx, "checkpoint failed", "path", t.path, "offset", t.offset, "error", err)
	}
}

// position is the offset a restart resumes from: the read offset, held
// back to the oldest unfinished detection in the current file.
func (t *Tailer) position() int64 {
	return t.wm.Low(t.path, t.offset)
}

func (t *Tailer) dirty() bool {
	return t.path != t.savedPath || t.position() != t.savedOffset
}

// Checkpoint persists the resume position. Run checkpoints on its own; call
// this after Run returned and in-flight jobs finished, so the cursor moves
// past them. It must not run concurrently with Run.
func (t *Tailer) Checkpoint(ctx context.Context) error {
	return t.checkpoint(ctx)
}

// checkpoint persists the resume position when it changed.
func (t *Tailer) checkpoint(ctx context.Context) error {
	t.sinceCheckpoint = 0
	t.lastCheckpoint = t.now()
	if t.path == "" || !t.dirty() {
		return nil
	}
	pos := t.position()
	err := t.cursors.Save(ctx, model.TailerCursor{
		Name:      t.cfg.CursorName,
		FilePath:  t.path,
		Offset:    pos,
		UpdatedAt: t.now().UTC(),
	})
	if err != nil {
		return err
	}
	t.savedPath, t.savedOffset = t.path, pos
	return nil
}
