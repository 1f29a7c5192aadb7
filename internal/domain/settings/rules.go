package settings

import (
	"fmt"
	"path"
	"strings"
)

// Rule removes configuration entries whose key path matches Path from nodes
// whose type matches NodeType.
type Rule struct {
	// NodeType is a glob over the node factory class; empty matches any node.
	NodeType string
	// Path segments are globs; a "**" segment matches zero or more segments.
	Path []string
}

// NewRule validates and builds a Rule from its textual form.
func NewRule(nodeType, keyPath string) (Rule, error) {
	keyPath = strings.Trim(strings.TrimSpace(keyPath), "/")
	if keyPath == "" {
		return Rule{}, fmt.Errorf("rule path is required")
	}
	nodeType = strings.TrimSpace(nodeType)
	if nodeType != "" {
		if _, err := path.Match(nodeType, ""); err != nil {
			return Rule{}, fmt.Errorf("rule node type %q: %w", nodeType, err)
		}
	}
	segs := strings.Split(keyPath, "/")
	for _, s := range segs {
		if _, err := path.Match(s, ""); err != nil {
			return Rule{}, fmt.Errorf("rule path %q: %w", keyPath, err)
		}
	}
	return Rule{NodeType: nodeType, Path: segs}, nil
}

// String renders the rule for logs and manifests.
func (r Rule) String() string {
	t := r.NodeType
	if t == "" {
		t = "*"
	}
	return t + ":" + strings.Join(r.Path, "/")
}

// AppliesTo reports whether the rule targets nodes of nodeType.
func (r Rule) AppliesTo(nodeType string) bool {
	if r.NodeType == "" {
		return true
	}
	ok, _ := path.Match(r.NodeType, nodeType)
	return ok
}

// MatchesPath reports whether keyPath (slash separated) matches the rule path.
func (r Rule) MatchesPath(keyPath string) bool {
	if keyPath == "" {
		return false
	}
	return matchSegments(r.Path, strings.Split(keyPath, "/"))
}

func matchSegments(pattern, segs []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			for i := 0; i <= len(segs); i++ {
				if matchSegments(pattern[1:], segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		if ok, _ := path.Match(pattern[0], segs[0]); !ok {
			return false
		}
		pattern, segs = pattern[1:], segs[1:]
	}
	return len(segs) == 0
}

// Rules is the effective filter configuration.
type Rules struct {
	// KeepFiles is the allow-list of archive file base names.
	KeepFiles []string
	Entries   []Rule
	// MaxPaths caps the data paths reported for auditing.
	MaxPaths int
}

// Keeps reports whether an archive file with this base name is retained.
// Settings and workflow files are always retained so the archive stays importable.
func (r Rules) Keeps(name string) bool {
	base := path.Base(name)
	if base == SettingsFile || base == WorkflowFile {
		return true
	}
	for _, k := range r.KeepFiles {
		if ok, _ := path.Match(k, base); ok {
			return true
		}
	}
	return false
}
