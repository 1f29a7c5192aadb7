package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClearPeaks/knime-audit/config"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	apperrors "github.com/ClearPeaks/knime-audit/internal/errors"
	"github.com/ClearPeaks/knime-audit/internal/testutil"
)

func newBackupWriter(t *testing.T, daily bool) (*BackupWriterService, string) {
	t.Helper()
	root := t.TempDir()
	return NewBackupWriterService(BackupWriterServiceOptions{
		Config: config.BackupConfig{Root: root, DailyPartition: daily},
		Now:    testutil.FixedTimeFunc(testutil.TestTime()),
	}), root
}

func testBundle() *model.BackupBundle {
	detected := time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC)
	return &model.BackupBundle{
		Detection: model.Detection{JobID: "4471", DetectedAt: detected},
		Record:    &model.JobRecord{ID: "4471", CreatedAt: "2024-03-01T10:00:00.000Z[UTC]"},
		Metadata:  []byte(`{"id":"4471"}`),
		Summary:   []byte(`{"workflow":{}}`),
		Archive:   &model.FilteredArchive{Data: []byte("PK"), Paths: []string{"/data/in.csv"}},
		Stages:    []model.StageReport{{Stage: "metadata", Status: model.StageOK}},
	}
}

func TestBackupWriter_WritesBundle(t *testing.T) {
	w, root := newBackupWriter(t, true)

	dir, err := w.Write(context.Background(), testBundle())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "20240301", "4471-20240301100000"), dir, "named by source creation time")

	for _, name := range []string{JobSummaryFile, WorkflowSummaryFile, "4471.knwf", ManifestFile} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "4471", m.JobID)
	assert.True(t, m.Complete)
	assert.Equal(t, []string{"4471.knwf", JobSummaryFile, WorkflowSummaryFile}, m.Files)
	assert.Equal(t, []string{"/data/in.csv"}, m.DataPaths)

	entries, err := os.ReadDir(filepath.Dir(dir))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary directory is left behind")
}

func TestBackupWriter_PartialBundle(t *testing.T) {
	w, root := newBackupWriter(t, false)
	b := testBundle()
	b.Record = nil
	b.Summary = nil
	b.Archive = &model.FilteredArchive{Skipped: true, SkipReason: "open archive: zip: not a valid zip file", Raw: []byte("garbage")}
	b.Malformed = map[string][]byte{"summary": []byte("<html>")}
	b.Stages = []model.StageReport{{Stage: "archive", Status: model.StageGone}}

	dir, err := w.Write(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "4471-20240301100500"), dir, "falls back to detection time")
	assert.FileExists(t, filepath.Join(dir, "4471.raw.knwf"))
	assert.FileExists(t, filepath.Join(dir, "summary.malformed"))
	assert.NoFileExists(t, filepath.Join(dir, WorkflowSummaryFile))

	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.False(t, m.Complete)
	assert.True(t, m.FilterSkipped)
	assert.Contains(t, m.FilterSkipCause, "not a valid zip")
}

func TestBackupWriter_ExistingBundleIsKept(t *testing.T) {
	w, _ := newBackupWriter(t, true)
	first, err := w.Write(context.Background(), testBundle())
	require.NoError(t, err)

	b := testBundle()
	b.Metadata = []byte(`{"id":"changed"}`)
	second, err := w.Write(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	body, err := os.ReadFile(filepath.Join(first, JobSummaryFile))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"4471"}`, string(body))
}

func TestBackupWriter_StorageFailure(t *testing.T) {
	root := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(root, []byte("x"), 0o600))
	w := NewBackupWriterService(BackupWriterServiceOptions{Config: config.BackupConfig{Root: root}})

	_, err := w.Write(context.Background(), testBundle())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindStorage, apperrors.KindOf(err))
	assert.True(t, apperrors.IsTransient(err))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "4471", sanitizeName("4471"))
	assert.Equal(t, "a_b_c", sanitizeName("a/b c"))
	assert.Equal(t, "_", sanitizeName(".."))
	assert.Equal(t, "_", sanitizeName(""))
}
