package settings

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClearPeaks/knime-audit/internal/domain/model"
)

const workflowKnime = `<?xml version="1.0" encoding="UTF-8"?>
<config key="workflow.knime">
  <config key="nodes">
    <config key="node_1">
      <entry key="id" type="xint" value="1"/>
      <entry key="node_settings_file" type="xstring" value="Table Creator (#1)/settings.xml"/>
    </config>
    <config key="node_2">
      <entry key="id" type="xint" value="2"/>
      <entry key="node_settings_file" type="xstring" value="CSV Writer (#2)/settings.xml"/>
    </config>
  </config>
</config>
`

func writerSettings(p string) string {
	return fmt.Sprintf(`<config key="settings.xml">
  <entry key="factory" type="xstring" value="org.knime.base.node.io.csvwriter.CSVWriterNodeFactory"/>
  <config key="model"><entry key="path" type="xstring" value="%s"/></config>
</config>`, p)
}

func buildTree(t *testing.T) *Tree {
	t.Helper()
	tree := NewTree("A")

	wf, err := ParseDocument(strings.NewReader(workflowKnime))
	require.NoError(t, err)
	tree.Root().Workflow = wf

	creator, err := ParseDocument(strings.NewReader(nodeSettings))
	require.NoError(t, err)
	tree.Node("A/Table Creator (#1)").Settings = creator

	writer, err := ParseDocument(strings.NewReader(writerSettings("/out/result.csv")))
	require.NoError(t, err)
	tree.Node("A/CSV Writer (#2)").Settings = writer
	return tree
}

func TestTree_Structure(t *testing.T) {
	tree := buildTree(t)

	var dirs []string
	tree.Walk(func(n *Node) { dirs = append(dirs, n.Dir) })
	assert.Equal(t, []string{"A", "A/CSV Writer (#2)", "A/Table Creator (#1)"}, dirs)

	n, ok := tree.Lookup("A/Table Creator (#1)/")
	require.True(t, ok)
	assert.Equal(t, "1", n.Number())
	assert.Equal(t, "org.knime.base.node.io.tablecreator.TableCreator2NodeFactory", n.NodeType())
	assert.Equal(t, NodeID(0), n.Parent)

	assert.ElementsMatch(t, []string{
		"A/Table Creator (#1)/settings.xml",
		"A/CSV Writer (#2)/settings.xml",
	}, tree.References())

	meta := tree.Node("A/Metanode (#3)/Inner (#1)")
	assert.Equal(t, "A/Metanode (#3)", tree.Nodes[meta.Parent].Dir, "missing ancestors are created")
}

func TestApplyRules_PreservesIdentityAndSiblings(t *testing.T) {
	tree := buildTree(t)
	rule, err := NewRule("org.knime.base.node.io.tablecreator.*", "model/cells")
	require.NoError(t, err)

	removed := ApplyRules(tree, []Rule{rule})
	require.Len(t, removed, 1)
	assert.Equal(t, model.RemovedEntry{Node: "A/Table Creator (#1)", Path: "model/cells", Rule: rule.String()}, removed[0])

	creator, _ := tree.Lookup("A/Table Creator (#1)")
	doc := creator.Settings
	_, ok := doc.Lookup("model/cells")
	assert.False(t, ok, "redacted entry is absent")
	assert.Equal(t, []string{"node_file", "factory", "model"}, keys(doc, 0))
	modelCfg, _ := doc.Lookup("model")
	assert.Equal(t, []string{"path", "rowCount"}, keys(doc, modelCfg.ID))
	assert.Equal(t, "org.knime.base.node.io.tablecreator.TableCreator2NodeFactory", creator.NodeType())

	writer, _ := tree.Lookup("A/CSV Writer (#2)")
	assert.False(t, writer.Settings.Modified, "rule does not apply to other node types")
}

func TestApplyRules_GlobPaths(t *testing.T) {
	tree := buildTree(t)
	rule, err := NewRule("", "**/path")
	require.NoError(t, err)

	removed := ApplyRules(tree, []Rule{rule})
	assert.Len(t, removed, 2)
	assert.Empty(t, DataPaths(tree, 0))
}

func TestNewRule(t *testing.T) {
	_, err := NewRule("x", " / ")
	require.Error(t, err)
	_, err = NewRule("[", "model")
	require.Error(t, err)

	r, err := NewRule("", "/model/*/data/")
	require.NoError(t, err)
	assert.True(t, r.MatchesPath("model/cells/data"))
	assert.False(t, r.MatchesPath("model/data"))
	assert.False(t, r.MatchesPath(""))
	assert.True(t, r.AppliesTo("anything"))
	assert.Equal(t, "*:model/*/data", r.String())
}

func TestRules_Keeps(t *testing.T) {
	rules := Rules{KeepFiles: []string{"workflowset.meta", "*.svg"}}
	assert.True(t, rules.Keeps("A/workflow.knime"))
	assert.True(t, rules.Keeps("A/Node (#1)/settings.xml"))
	assert.True(t, rules.Keeps("A/workflow.svg"))
	assert.True(t, rules.Keeps("A/workflowset.meta"))
	assert.False(t, rules.Keeps("A/Node (#1)/port_1/data.zip"))
}

func TestDataPaths(t *testing.T) {
	tree := buildTree(t)
	assert.Equal(t, []string{"/out/result.csv", "/data/in & out.csv"}, DataPaths(tree, 0))
	assert.Equal(t, []string{"/out/result.csv", MorePathsMarker}, DataPaths(tree, 1))
	assert.Equal(t, []string{"/out/result.csv", "/data/in & out.csv"}, DataPaths(tree, 2))

	dup, err := ParseDocument(strings.NewReader(writerSettings("/out/result.csv")))
	require.NoError(t, err)
	tree.Node("A/CSV Writer (#4)").Settings = dup
	assert.Len(t, DataPaths(tree, 0), 2, "duplicate paths are reported once")
}
