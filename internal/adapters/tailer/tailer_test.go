package tailer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClearPeaks/knime-audit/config"
	"github.com/ClearPeaks/knime-audit/internal/domain/job"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	apperrors "github.com/ClearPeaks/knime-audit/internal/errors"
	"github.com/ClearPeaks/knime-audit/internal/observability/statsd"
)

type memCursors struct {
	mu    sync.Mutex
	byKey map[string]model.TailerCursor
	saves int
}

func newMemCursors() *memCursors {
	return &memCursors{byKey: map[string]model.TailerCursor{}}
}

func (m *memCursors) Load(_ context.Context, name string) (*model.TailerCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byKey[name]
	if !ok {
		return nil, apperrors.NotFoundf("cursor %s not found", name)
	}
	return &c, nil
}

func (m *memCursors) Save(_ context.Context, c model.TailerCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey[c.Name] = c
	m.saves++
	return nil
}

func (m *memCursors) get(name string) (model.TailerCursor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byKey[name]
	return c, ok
}

const jobLinePattern = `Job (\d+) started`

func tailerConfig(path string) config.TailerConfig {
	return config.TailerConfig{
		LogPath:            path,
		Pattern:            jobLinePattern,
		PollInterval:       10 * time.Millisecond,
		CheckpointEvery:    100,
		CheckpointInterval: time.Hour,
		StartAt:            config.TailerStartAtBeginning,
		CursorName:         "test",
	}
}

func newTestTailer(t *testing.T, cfg config.TailerConfig, cursors *memCursors, q *job.Queue) *Tailer {
	t.Helper()
	tl, err := New(Options{Config: cfg, Cursors: cursors, Sink: q})
	require.NoError(t, err)
	return tl
}

func newQueue(t *testing.T, capacity int) *job.Queue {
	t.Helper()
	q, err := job.NewQueue(capacity)
	require.NoError(t, err)
	return q
}

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func drain(q *job.Queue) []string {
	var ids []string
	for q.Len() > 0 {
		d, err := q.Dequeue(context.Background())
		if err != nil {
			break
		}
		ids = append(ids, d.JobID)
	}
	return ids
}

func TestCompilePattern(t *testing.T) {
	_, group, err := CompilePattern(config.DefaultJobPattern)
	require.NoError(t, err)
	assert.Equal(t, 1, group)

	_, group, err = CompilePattern(`(\w+) (?P<job>\d+)`)
	require.NoError(t, err)
	assert.Equal(t, 2, group, "named group wins over the first group")

	_, _, err = CompilePattern(`Job \d+ started`)
	assert.Error(t, err)

	_, _, err = CompilePattern(`(`)
	assert.Error(t, err)
}

func TestExtractJobID(t *testing.T) {
	q := newQueue(t, 1)
	cfg := tailerConfig("/tmp/unused.log")
	cfg.Pattern = ""
	tl := newTestTailer(t, cfg, newMemCursors(), q)

	tests := []struct {
		line string
		id   string
		ok   bool
	}{
		{
			line: "2024-03-01 10:00:00,123 : INFO : KNIME-Worker-7 : Job 'Sales 2024' (9c1f-4471) changed state to EXECUTION_FINISHED",
			id:   "9c1f-4471",
			ok:   true,
		},
		{
			line: "2024-03-01 10:00:01,000 : INFO : Job (4472) ended with EXECUTION_FAILED after 3 retries",
			id:   "4472",
			ok:   true,
		},
		{line: "2024-03-01 10:00:02,000 : INFO : Job (4473) is EXECUTING", ok: false},
		{line: "", ok: false},
	}
	for _, tt := range tests {
		id, ok := tl.ExtractJobID(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.id, id, tt.line)
	}
}

func TestPoll_ReadsFromBeginningAndHoldsPartialLine(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "server.log")
	appendFile(t, path, "boot\nJob 4471 started\nJob 44")

	q := newQueue(t, 8)
	tl := newTestTailer(t, tailerConfig(path), newMemCursors(), q)
	require.NoError(t, tl.resume(ctx))

	_, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"4471"}, drain(q))
	assert.Equal(t, int64(len("boot\nJob 4471 started\n")), tl.Offset())

	appendFile(t, path, "72 started\r\n")
	_, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"4472"}, drain(q), "partial line completes on the next read")
}

func TestResume_StartAtEndSkipsExistingContent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "server.log")
	appendFile(t, path, "Job 1 started\n")

	cfg := tailerConfig(path)
	cfg.StartAt = config.TailerStartAtEnd
	q := newQueue(t, 8)
	tl := newTestTailer(t, cfg, newMemCursors(), q)
	require.NoError(t, tl.resume(ctx))

	appendFile(t, path, "Job 2 started\n")
	_, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, drain(q))
}

func TestResume_FromCursor(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "server.log")
	first := "Job 1 started\n"
	appendFile(t, path, first+"Job 2 started\n")

	cursors := newMemCursors()
	require.NoError(t, cursors.Save(ctx, model.TailerCursor{Name: "test", FilePath: path, Offset: int64(len(first))}))

	q := newQueue(t, 8)
	tl := newTestTailer(t, tailerConfig(path), cursors, q)
	require.NoError(t, tl.resume(ctx))
	_, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, drain(q), "restart resumes without re-reading")
}

func TestPoll_Truncation(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "server.log")
	appendFile(t, path, "Job 1 started\nJob 2 started\n")

	rec := &statsd.Recorder{}
	q := newQueue(t, 8)
	tl, err := New(Options{Config: tailerConfig(path), Cursors: newMemCursors(), Sink: q, Metrics: rec})
	require.NoError(t, err)
	require.NoError(t, tl.resume(ctx))
	_, err = tl.Poll(ctx)
	require.NoError(t, err)
	drain(q)

	require.NoError(t, os.Truncate(path, 0))
	_, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tl.Offset())

	appendFile(t, path, "Job 3 started\n")
	_, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, drain(q))
	assert.Equal(t, float64(1), rec.Sum("tailer.file_event", map[string]string{"event": EventTruncated}))
}

func TestPoll_CopyTruncateGrownPastOffset(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "server.log")
	appendFile(t, path, "Job 1 started\nJob 2 started\n")

	rec := &statsd.Recorder{}
	q := newQueue(t, 8)
	tl, err := New(Options{Config: tailerConfig(path), Cursors: newMemCursors(), Sink: q, Metrics: rec})
	require.NoError(t, err)
	require.NoError(t, tl.resume(ctx))
	_, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, drain(q))

	// Truncated and refilled between polls, ending past the old offset.
	require.NoError(t, os.Truncate(path, 0))
	appendFile(t, path, "Job 7 started\nJob 8 started\nJob 9 started\n")

	_, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"7", "8", "9"}, drain(q), "no line of the new content is skipped")
	assert.Equal(t, float64(1), rec.Sum("tailer.file_event", map[string]string{"event": EventTruncated}))
}

func TestPoll_OverlongLineIsSkippedWhole(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "server.log")
	long := strings.Repeat("x", maxLineBytes+10) + " Job 99 started\n"
	appendFile(t, path, "Job 4 started\n"+long+"Job 5 started\n")

	q := newQueue(t, 8)
	tl := newTestTailer(t, tailerConfig(path), newMemCursors(), q)
	require.NoError(t, tl.resume(ctx))
	for {
		n, err := tl.Poll(ctx)
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}

	assert.Equal(t, []string{"4", "5"}, drain(q), "the tail of the overlong line is not parsed")
	assert.Equal(t, int64(len("Job 4 started\n"+long+"Job 5 started\n")), tl.Offset())
}

func TestPoll_RotationReopensNewFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")
	appendFile(t, path, "Job 1 started\n")

	q := newQueue(t, 8)
	tl := newTestTailer(t, tailerConfig(path), newMemCursors(), q)
	require.NoError(t, tl.resume(ctx))
	_, err := tl.Poll(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Rename(path, filepath.Join(dir, "server.log.1")))
	appendFile(t, path, "Job 2 started\n")

	_, err = tl.Poll(ctx)
	require.NoError(t, err)
	_, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, drain(q))
}

func TestPoll_DateRolloverAfterGrace(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	now := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cfg := tailerConfig(filepath.Join(dir, "localhost.{date}.log"))
	cfg.RolloverGrace = 30 * time.Second
	day1 := filepath.Join(dir, "localhost.2024-03-01.log")
	day2 := filepath.Join(dir, "localhost.2024-03-02.log")
	appendFile(t, day1, "Job 1 started\n")

	q := newQueue(t, 8)
	tl, err := New(Options{Config: cfg, Cursors: newMemCursors(), Sink: q, Now: clock})
	require.NoError(t, err)
	require.NoError(t, tl.resume(ctx))
	_, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, day1, tl.Path())

	now = now.Add(2 * time.Minute)
	appendFile(t, day1, "Job 2 started\n")
	appendFile(t, day2, "Job 3 started\n")

	_, err = tl.Poll(ctx)
	require.NoError(t, err)
	_, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, day1, tl.Path(), "old file is drained during the grace period")

	now = now.Add(31 * time.Second)
	_, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, day2, tl.Path())
	_, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, drain(q))
}

func TestPoll_CheckpointEveryNLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "server.log")
	appendFile(t, path, "a\nb\nc\nd\ne\n")

	cfg := tailerConfig(path)
	cfg.CheckpointEvery = 2
	cursors := newMemCursors()
	tl := newTestTailer(t, cfg, cursors, newQueue(t, 1))
	require.NoError(t, tl.resume(ctx))
	_, err := tl.Poll(ctx)
	require.NoError(t, err)

	c, ok := cursors.get("test")
	require.True(t, ok)
	assert.Equal(t, int64(len("a\nb\nc\nd\n")), c.Offset)
}

func TestRun_BackpressureKeepsUnhandedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	first := "Job 1 started\n"
	appendFile(t, path, first+"Job 2 started\nJob 3 started\n")

	cursors := newMemCursors()
	q := newQueue(t, 1)
	tl := newTestTailer(t, tailerConfig(path), cursors, q)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tl.Run(ctx) }()

	require.Eventually(t, func() bool { return q.BlockedEnqueues() == 1 }, time.Second, 5*time.Millisecond,
		"second detection waits for capacity")
	assert.Equal(t, 1, q.Len())
	cancel()
	require.NoError(t, <-done)

	c, ok := cursors.get("test")
	require.True(t, ok)
	assert.Equal(t, int64(len(first)), c.Offset, "cursor stops before the line that was not handed off")
	assert.Equal(t, []string{"1"}, drain(q))

	q2 := newQueue(t, 8)
	tl2 := newTestTailer(t, tailerConfig(path), cursors, q2)
	require.NoError(t, tl2.resume(context.Background()))
	_, err := tl2.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, drain(q2), "no job line is lost once read")
}

func TestRun_ReturnsWhenQueueClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	appendFile(t, path, "Job 1 started\n")

	q := newQueue(t, 1)
	q.Close()
	tl := newTestTailer(t, tailerConfig(path), newMemCursors(), q)
	require.NoError(t, tl.Run(context.Background()))
	assert.Equal(t, int64(0), tl.Offset())
}

func TestNew_Validation(t *testing.T) {
	q := newQueue(t, 1)
	_, err := New(Options{Config: tailerConfig("x"), Sink: q})
	assert.Error(t, err)
	_, err = New(Options{Config: tailerConfig("x"), Cursors: newMemCursors()})
	assert.Error(t, err)
	_, err = New(Options{Config: tailerConfig(""), Cursors: newMemCursors(), Sink: q})
	assert.Error(t, err)
}

func TestCheckpoint_HeldAtOldestUnfinishedDetection(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "server.log")
	first := "boot\n"
	appendFile(t, path, first+"Job 1 started\nJob 2 started\n")

	cursors := newMemCursors()
	q := newQueue(t, 8)
	wm := job.NewWatermark()
	tl, err := New(Options{Config: tailerConfig(path), Cursors: cursors, Sink: q, Watermark: wm})
	require.NoError(t, err)
	require.NoError(t, tl.resume(ctx))

	_, err = tl.Poll(ctx)
	require.NoError(t, err)
	d1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	d2, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(first)), d1.Offset, "detection offset is the start of its line")
	assert.Equal(t, 2, wm.Pending())

	require.NoError(t, tl.Checkpoint(ctx))
	c, _ := cursors.get("test")
	assert.Equal(t, d1.Offset, c.Offset)

	wm.Done(d1.LogFile, d1.Offset)
	require.NoError(t, tl.Checkpoint(ctx))
	c, _ = cursors.get("test")
	assert.Equal(t, d2.Offset, c.Offset)

	wm.Done(d2.LogFile, d2.Offset)
	require.NoError(t, tl.Checkpoint(ctx))
	c, _ = cursors.get("test")
	assert.Equal(t, tl.Offset(), c.Offset)
}
