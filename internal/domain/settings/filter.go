package settings

import "github.com/ClearPeaks/knime-audit/internal/domain/model"

// MorePathsMarker is appended once when more data paths exist than reported.
const MorePathsMarker = "..."

// ApplyRules removes matching entries from every node's settings document,
// depth-first. Node directories, the remaining entries and their order are untouched.
func ApplyRules(t *Tree, rules []Rule) []model.RemovedEntry {
	if len(rules) == 0 {
		return nil
	}
	var removed []model.RemovedEntry
	t.Walk(func(n *Node) {
		if n.Settings == nil {
			return
		}
		nodeType := n.NodeType()
		var applicable []Rule
		for _, r := range rules {
			if r.AppliesTo(nodeType) {
				applicable = append(applicable, r)
			}
		}
		if len(applicable) == 0 {
			return
		}

		doc := n.Settings
		var drop []ElemID
		doc.Walk(func(e *Element) bool {
			if e.Parent == NoElem {
				return true
			}
			p := doc.Path(e.ID)
			for _, r := range applicable {
				if r.MatchesPath(p) {
					drop = append(drop, e.ID)
					removed = append(removed, model.RemovedEntry{Node: n.Dir, Path: p, Rule: r.String()})
					return false
				}
			}
			return true
		})
		for _, id := range drop {
			doc.Remove(id)
		}
	})
	return removed
}

// DataPaths collects the values of `<entry key="path" type="xstring">` across
// all node settings, depth-first and without duplicates. When max > 0 and
// more paths exist, the list is cut at max and MorePathsMarker appended.
func DataPaths(t *Tree, max int) []string {
	seen := map[string]struct{}{}
	var out []string
	truncated := false
	t.Walk(func(n *Node) {
		if n.Settings == nil || truncated {
			return
		}
		n.Settings.Walk(func(e *Element) bool {
			if truncated {
				return false
			}
			if e.Name.Local != "entry" || e.Key() != "path" {
				return true
			}
			if typ, _ := e.Attr("type"); typ != "xstring" {
				return true
			}
			v, _ := e.Attr("value")
			if v == "" {
				return true
			}
			if _, dup := seen[v]; dup {
				return true
			}
			if max > 0 && len(out) >= max {
				truncated = true
				return false
			}
			seen[v] = struct{}{}
			out = append(out, v)
			return true
		})
	})
	if truncated {
		out = append(out, MorePathsMarker)
	}
	return out
}
