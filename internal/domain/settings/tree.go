package settings

import (
	"path"
	"regexp"
	"sort"
	"strings"
)

// NodeID addresses a node inside a Tree.
type NodeID int

// NoNode is the parent of the root node.
const NoNode NodeID = -1

// Well known archive file names.
const (
	SettingsFile = "settings.xml"
	WorkflowFile = "workflow.knime"
)

// Node is one workflow node (or the workflow itself) identified by its
// directory inside the archive.
type Node struct {
	ID       NodeID
	Parent   NodeID
	Dir      string
	Children []NodeID
	// Settings holds the parsed settings.xml, nil when the directory has none.
	Settings *Document
	// Workflow holds the parsed workflow.knime of workflows and metanodes.
	Workflow *Document
}

var nodeSuffix = regexp.MustCompile(`\(#(\d+)\)$`)

// Name is the directory base name, e.g. "CSV Reader (#1)".
func (n *Node) Name() string {
	return path.Base(n.Dir)
}

// Number is the node number parsed from the "(#N)" directory suffix.
func (n *Node) Number() string {
	if m := nodeSuffix.FindStringSubmatch(n.Name()); len(m) == 2 {
		return m[1]
	}
	return ""
}

// NodeType is the factory class declared in the node settings.
func (n *Node) NodeType() string {
	if n.Settings == nil {
		return ""
	}
	if e, ok := n.Settings.Lookup("factory"); ok {
		v, _ := e.Attr("value")
		return v
	}
	return ""
}

// Tree is the arena of workflow nodes found in an archive.
type Tree struct {
	Nodes []Node
	byDir map[string]NodeID
}

// NewTree creates a tree rooted at rootDir.
func NewTree(rootDir string) *Tree {
	rootDir = cleanDir(rootDir)
	t := &Tree{byDir: map[string]NodeID{}}
	t.Nodes = append(t.Nodes, Node{ID: 0, Parent: NoNode, Dir: rootDir})
	t.byDir[rootDir] = 0
	return t
}

// Root returns the root node.
func (t *Tree) Root() *Node { return &t.Nodes[0] }

// Node returns the node for dir, creating it and any missing ancestors.
func (t *Tree) Node(dir string) *Node {
	dir = cleanDir(dir)
	if id, ok := t.byDir[dir]; ok {
		return &t.Nodes[id]
	}
	parent := t.Root().ID
	if dir != t.Root().Dir && isBelow(dir, t.Root().Dir) {
		parent = t.Node(parentDir(dir)).ID
	}
	id := NodeID(len(t.Nodes))
	t.Nodes = append(t.Nodes, Node{ID: id, Parent: parent, Dir: dir})
	t.Nodes[parent].Children = append(t.Nodes[parent].Children, id)
	t.byDir[dir] = id
	return &t.Nodes[id]
}

// Lookup returns the node for dir if present.
func (t *Tree) Lookup(dir string) (*Node, bool) {
	id, ok := t.byDir[cleanDir(dir)]
	if !ok {
		return nil, false
	}
	return &t.Nodes[id], true
}

// Walk visits nodes depth-first, children in directory name order.
func (t *Tree) Walk(fn func(n *Node)) {
	var visit func(id NodeID)
	visit = func(id NodeID) {
		n := &t.Nodes[id]
		fn(n)
		kids := append([]NodeID(nil), n.Children...)
		sort.SliceStable(kids, func(i, j int) bool { return t.Nodes[kids[i]].Dir < t.Nodes[kids[j]].Dir })
		for _, c := range kids {
			visit(c)
		}
	}
	visit(0)
}

// References lists the settings files each workflow.knime points at, as
// archive paths. These must survive filtering for the archive to re-import.
func (t *Tree) References() []string {
	var refs []string
	t.Walk(func(n *Node) {
		if n.Workflow == nil {
			return
		}
		n.Workflow.Walk(func(e *Element) bool {
			if e.Key() == "node_settings_file" {
				if v, ok := e.Attr("value"); ok && v != "" {
					refs = append(refs, path.Join(n.Dir, v))
				}
			}
			return true
		})
	})
	return refs
}

func cleanDir(dir string) string {
	dir = strings.Trim(path.Clean("/"+dir), "/")
	if dir == "" {
		return "."
	}
	return dir
}

func parentDir(dir string) string {
	p := path.Dir(dir)
	if p == "/" || p == "" {
		return "."
	}
	return p
}

func isBelow(dir, root string) bool {
	if root == "." {
		return true
	}
	return strings.HasPrefix(dir, root+"/")
}
