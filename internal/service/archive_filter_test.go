package service

import (
	"bytes"
	"context"
	"io"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClearPeaks/knime-audit/config"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	"github.com/ClearPeaks/knime-audit/internal/domain/settings"
	"github.com/ClearPeaks/knime-audit/internal/observability/statsd"
	"github.com/ClearPeaks/knime-audit/internal/testutil"
)

func testFilterRules(t *testing.T) settings.Rules {
	t.Helper()
	maxPaths := 10
	rules, err := NewFilterRules(config.FilterRulesFile{
		KeepFiles: config.DefaultKeepFiles,
		Rules: []config.FilterRuleSpec{
			{NodeType: "org.knime.base.node.io.tablecreator.*", Path: "model/cells"},
		},
		MaxAuditPaths: &maxPaths,
	})
	require.NoError(t, err)
	return rules
}

func sampleArchive() []byte {
	return testutil.NewArchive("A").
		WithNode("Table Creator (#1)", testutil.FactoryTableCreator,
			map[string]string{"cells": "secret,rows", "rowCount": "2"},
			map[string][]byte{"port_1/data.zip": bytes.Repeat([]byte("x"), 4096)}).
		WithNode("CSV Reader (#2)", testutil.FactoryCSVReader,
			map[string]string{"path": "/data/in.csv"},
			map[string][]byte{"internal/cache.bin": []byte("cache")}).
		WithFile("workflow.svg", []byte("<svg/>")).
		Build()
}

// readArchive returns file name to content for a zip.
func readArchive(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = body
	}
	return out
}

func entryPaths(t *testing.T, raw []byte) []string {
	t.Helper()
	doc, err := settings.ParseDocument(bytes.NewReader(raw))
	require.NoError(t, err)
	var out []string
	doc.Walk(func(e *settings.Element) bool {
		if e.Parent != settings.NoElem {
			out = append(out, doc.Path(e.ID))
		}
		return true
	})
	return out
}

func TestArchiveFilter_StripsIntermediateDataAndRedacts(t *testing.T) {
	rec := &statsd.Recorder{}
	svc := NewArchiveFilterService(ArchiveFilterServiceOptions{Rules: testFilterRules(t), Metrics: rec})

	raw := sampleArchive()
	out := svc.Filter(context.Background(), "4471", raw)
	require.False(t, out.Skipped, out.SkipReason)

	files := readArchive(t, out.Data)
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"A/CSV Reader (#2)/settings.xml",
		"A/Table Creator (#1)/settings.xml",
		"A/workflow.knime",
		"A/workflow.svg",
	}, names)

	assert.ElementsMatch(t, []model.RemovedFile{
		{Name: "A/Table Creator (#1)/port_1/data.zip", Size: 4096},
		{Name: "A/CSV Reader (#2)/internal/cache.bin", Size: 5},
	}, out.RemovedFiles)
	require.Len(t, out.RemovedEntries, 1)
	assert.Equal(t, "A/Table Creator (#1)", out.RemovedEntries[0].Node)
	assert.Equal(t, "model/cells", out.RemovedEntries[0].Path)
	assert.Equal(t, []string{"/data/in.csv"}, out.Paths)

	original := readArchive(t, raw)
	creator := "A/Table Creator (#1)/settings.xml"
	want := []string{"node_file", "factory", "model", "model/rowCount"}
	if diff := cmp.Diff(want, entryPaths(t, files[creator])); diff != "" {
		t.Errorf("redacted settings mismatch (-want +got):\n%s", diff)
	}
	assert.Contains(t, entryPaths(t, original[creator]), "model/cells")

	reader := "A/CSV Reader (#2)/settings.xml"
	assert.Equal(t, original[reader], files[reader], "untouched settings are copied byte for byte")
	assert.Equal(t, original["A/workflow.knime"], files["A/workflow.knime"])

	assert.InDelta(t, 1, rec.Sum("archive.filter", map[string]string{"result": "success"}), 0)
	assert.InDelta(t, 2, rec.Sum("archive.filter.removed_files", nil), 0)
}

func TestArchiveFilter_FilteredArchiveReimports(t *testing.T) {
	svc := NewArchiveFilterService(ArchiveFilterServiceOptions{Rules: testFilterRules(t)})
	out := svc.Filter(context.Background(), "4471", sampleArchive())
	require.False(t, out.Skipped)

	again := svc.Filter(context.Background(), "4471", out.Data)
	require.False(t, again.Skipped, "filtered archive is readable as a workflow archive")
	assert.Empty(t, again.RemovedFiles)
	assert.Empty(t, again.RemovedEntries)

	files := readArchive(t, out.Data)
	wf, err := settings.ParseDocument(bytes.NewReader(files["A/workflow.knime"]))
	require.NoError(t, err)
	tree := settings.NewTree("A")
	tree.Root().Workflow = wf
	for _, ref := range tree.References() {
		assert.Contains(t, files, ref, "workflow references a kept settings file")
	}
}

func TestArchiveFilter_FailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		raw    []byte
		reason string
	}{
		{name: "not a zip", raw: []byte("<html>maintenance</html>"), reason: "open archive"},
		{name: "no workflow", raw: zipOf(t, map[string]string{"A/readme.txt": "hi"}), reason: "no workflow.knime"},
		{name: "path traversal", raw: zipOf(t, map[string]string{"A/workflow.knime": "<config/>", "../evil": "x"}), reason: "escapes"},
		{name: "bad settings", raw: zipOf(t, map[string]string{"A/workflow.knime": "<config>", "A/n (#1)/settings.xml": "<config/>"}), reason: "workflow.knime"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &statsd.Recorder{}
			svc := NewArchiveFilterService(ArchiveFilterServiceOptions{Rules: testFilterRules(t), Metrics: rec})
			out := svc.Filter(context.Background(), "1", tt.raw)
			assert.True(t, out.Skipped)
			assert.Contains(t, out.SkipReason, tt.reason)
			assert.Equal(t, tt.raw, out.Raw)
			assert.Empty(t, out.Data)
			assert.InDelta(t, 1, rec.Sum("archive.filter", map[string]string{"result": "skipped"}), 0)
		})
	}
}

func TestNewFilterRules_InvalidGlob(t *testing.T) {
	_, err := NewFilterRules(config.FilterRulesFile{Rules: []config.FilterRuleSpec{{NodeType: "[", Path: "model"}}})
	assert.Error(t, err)
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[n]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
