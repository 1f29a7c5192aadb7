// Package testutil provides testing utilities and helpers for the knime-audit pipeline.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// Node factories used by the archive builder.
const (
	FactoryCSVReader    = "org.knime.base.node.io.csvreader.CSVReaderNodeFactory"
	FactoryCSVWriter    = "org.knime.base.node.io.csvwriter.CSVWriterNodeFactory"
	FactoryDBConnector  = "org.knime.database.node.connector.DBConnectorNodeFactory"
	FactoryTableCreator = "org.knime.base.node.io.tablecreator.TableCreator2NodeFactory"
)

type archiveNode struct {
	dir      string
	settings string
	extra    map[string][]byte
}

// ArchiveBuilder assembles workflow archives (.knwf) for tests.
type ArchiveBuilder struct {
	root  string
	nodes []archiveNode
	files map[string][]byte
}

// NewArchive starts an archive whose workflow directory is root.
func NewArchive(root string) *ArchiveBuilder {
	return &ArchiveBuilder{root: root, files: map[string][]byte{}}
}

// WithNode adds a node directory with a settings.xml declaring factory and
// the given model entries (key to xstring value), plus optional extra files.
func (b *ArchiveBuilder) WithNode(dir, factory string, model map[string]string, extra map[string][]byte) *ArchiveBuilder {
	b.nodes = append(b.nodes, archiveNode{dir: dir, settings: NodeSettingsXML(factory, model), extra: extra})
	return b
}

// WithRawNode adds a node directory with a verbatim settings.xml.
func (b *ArchiveBuilder) WithRawNode(dir, settingsXML string) *ArchiveBuilder {
	b.nodes = append(b.nodes, archiveNode{dir: dir, settings: settingsXML})
	return b
}

// WithFile adds an arbitrary file relative to the workflow directory.
func (b *ArchiveBuilder) WithFile(name string, data []byte) *ArchiveBuilder {
	b.files[name] = data
	return b
}

// Build zips the archive. workflow.knime references every node added.
func (b *ArchiveBuilder) Build() []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	put := func(name string, data []byte) {
		w, err := zw.Create(b.root + "/" + name)
		if err != nil {
			panic(err)
		}
		if _, err := w.Write(data); err != nil {
			panic(err)
		}
	}

	put("workflow.knime", []byte(b.workflowXML()))
	for _, n := range b.nodes {
		put(n.dir+"/settings.xml", []byte(n.settings))
		for _, name := range sortedKeys(n.extra) {
			put(n.dir+"/"+name, n.extra[name])
		}
	}
	for _, name := range sortedKeys(b.files) {
		put(name, b.files[name])
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func (b *ArchiveBuilder) workflowXML() string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	sb.WriteString(`<config xmlns="http://www.knime.org/2008/09/XMLConfig" key="workflow.knime">` + "\n")
	sb.WriteString(`  <entry key="version" type="xstring" value="4.1.0"/>` + "\n")
	sb.WriteString(`  <config key="nodes">` + "\n")
	for i, n := range b.nodes {
		fmt.Fprintf(&sb, `    <config key="node_%d">`+"\n", i+1)
		fmt.Fprintf(&sb, `      <entry key="id" type="xint" value="%d"/>`+"\n", i+1)
		fmt.Fprintf(&sb, `      <entry key="node_settings_file" type="xstring" value="%s/settings.xml"/>`+"\n", xmlEscape(n.dir))
		sb.WriteString("    </config>\n")
	}
	sb.WriteString("  </config>\n</config>\n")
	return sb.String()
}

// NodeSettingsXML renders a minimal node settings document.
func NodeSettingsXML(factory string, model map[string]string) string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	sb.WriteString(`<config xmlns="http://www.knime.org/2008/09/XMLConfig" key="settings.xml">` + "\n")
	sb.WriteString(`  <entry key="node_file" type="xstring" value="settings.xml"/>` + "\n")
	fmt.Fprintf(&sb, `  <entry key="factory" type="xstring" value="%s"/>`+"\n", xmlEscape(factory))
	sb.WriteString(`  <config key="model">` + "\n")
	for _, k := range sortedKeys(model) {
		fmt.Fprintf(&sb, `    <entry key="%s" type="xstring" value="%s"/>`+"\n", xmlEscape(k), xmlEscape(model[k]))
	}
	sb.WriteString("  </config>\n</config>\n")
	return sb.String()
}

// JobMetadataJSON renders a job document as served by the jobs endpoint.
func JobMetadataJSON(jobID, workflow, state string, createdAt time.Time) []byte {
	doc := map[string]any{
		"id":                  jobID,
		"name":                workflow[strings.LastIndex(workflow, "/")+1:] + " 2024-01-01 12.00.00",
		"workflow":            workflow,
		"owner":               "analyst",
		"state":               state,
		"createdAt":           createdAt.UTC().Format("2006-01-02T15:04:05.000Z") + "[UTC]",
		"startedExecutionAt":  createdAt.UTC().Add(time.Second).Format(time.RFC3339),
		"finishedExecutionAt": createdAt.UTC().Add(time.Minute).Format(time.RFC3339),
		"nodeMessages":        []any{},
	}
	if state == "EXECUTION_FAILED" {
		doc["nodeMessages"] = []map[string]string{
			{"node": "CSV Reader 0:1", "messageType": "ERROR", "message": "Execute failed: file not found"},
		}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return out
}

// WorkflowSummaryJSON renders a small workflow summary document.
func WorkflowSummaryJSON(nodes ...string) []byte {
	type stats struct {
		LastExecutionDuration int64 `json:"lastExecutionDuration"`
	}
	type node struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		State string `json:"state"`
		Stats stats  `json:"executionStatistics"`
	}
	ns := make([]node, 0, len(nodes))
	for i, n := range nodes {
		ns = append(ns, node{ID: fmt.Sprintf("0:%d", i+1), Name: n, State: "EXECUTED", Stats: stats{LastExecutionDuration: int64(100 * (i + 1))}})
	}
	out, err := json.Marshal(map[string]any{"workflow": map[string]any{"nodes": ns}})
	if err != nil {
		panic(err)
	}
	return out
}

func xmlEscape(s string) string {
	r := strings.NewReplacer(`&`, "&amp;", `<`, "&lt;", `>`, "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
