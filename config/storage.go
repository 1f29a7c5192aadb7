package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultKeepFiles is the archive allow-list used when no rules file names one.
// Everything else inside the workflow archive is treated as intermediate data.
var DefaultKeepFiles = []string{
	"workflow.knime",
	"settings.xml",
	"workflowset.meta",
	"template.knime",
	"workflow.svg",
}

// BackupConfig controls where backup bundles are written.
type BackupConfig struct {
	Root string `env:"BACKUP_ROOT" envDefault:"./backups"`
	// DailyPartition nests bundles under a YYYYMMDD directory.
	DailyPartition bool `env:"BACKUP_DAILY_PARTITION" envDefault:"true"`
}

// Sanitize applies guardrails to backup configuration values.
func (c *BackupConfig) Sanitize() {
	c.Root = strings.TrimSpace(c.Root)
	if c.Root == "" {
		c.Root = "./backups"
	}
	c.Root = filepath.Clean(c.Root)
}

// FilterConfig configures the workflow archive filter.
type FilterConfig struct {
	// RulesFile is an optional YAML document with keep_files and rules.
	RulesFile string `env:"FILTER_RULES_FILE"`
	// KeepFiles and DropEntryKeys are used when RulesFile is unset.
	KeepFiles     []string `env:"FILTER_KEEP_FILES"      envSeparator:","`
	DropEntryKeys []string `env:"FILTER_DROP_ENTRY_KEYS" envSeparator:","`
	MaxAuditPaths int      `env:"FILTER_MAX_AUDIT_PATHS" envDefault:"50"`
}

// Sanitize applies guardrails to filter configuration values.
func (c *FilterConfig) Sanitize() {
	c.RulesFile = strings.TrimSpace(c.RulesFile)
	c.KeepFiles = compactStrings(c.KeepFiles)
	c.DropEntryKeys = compactStrings(c.DropEntryKeys)
	if c.MaxAuditPaths < 0 {
		c.MaxAuditPaths = 0
	}
}

// FilterRuleSpec is one redaction rule as written in the rules file.
type FilterRuleSpec struct {
	// NodeType is a glob over the node factory class; empty matches every node.
	NodeType string `yaml:"node_type"`
	// Path is a slash separated config entry path; segments may be globs.
	Path string `yaml:"path"`
}

// FilterRulesFile is the decoded rules document.
type FilterRulesFile struct {
	KeepFiles     []string         `yaml:"keep_files"`
	Rules         []FilterRuleSpec `yaml:"rules"`
	MaxAuditPaths *int             `yaml:"max_audit_paths"`
}

// LoadFilterRules resolves the effective filter rules from the rules file when
// configured, falling back to the env lists and the default allow-list.
func LoadFilterRules(c FilterConfig) (FilterRulesFile, error) {
	out := FilterRulesFile{MaxAuditPaths: &c.MaxAuditPaths}

	if c.RulesFile != "" {
		raw, err := os.ReadFile(c.RulesFile)
		if err != nil {
			return FilterRulesFile{}, fmt.Errorf("read filter rules %s: %w", c.RulesFile, err)
		}
		var doc FilterRulesFile
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return FilterRulesFile{}, fmt.Errorf("parse filter rules %s: %w", c.RulesFile, err)
		}
		for i, r := range doc.Rules {
			if strings.Trim(strings.TrimSpace(r.Path), "/") == "" {
				return FilterRulesFile{}, fmt.Errorf("filter rule %d: %w", i, errors.New("path is required"))
			}
		}
		out.KeepFiles = compactStrings(doc.KeepFiles)
		out.Rules = doc.Rules
		if doc.MaxAuditPaths != nil && *doc.MaxAuditPaths >= 0 {
			out.MaxAuditPaths = doc.MaxAuditPaths
		}
	} else {
		out.KeepFiles = c.KeepFiles
		for _, key := range c.DropEntryKeys {
			out.Rules = append(out.Rules, FilterRuleSpec{Path: key})
		}
	}

	if len(out.KeepFiles) == 0 {
		out.KeepFiles = append([]string(nil), DefaultKeepFiles...)
	}
	return out, nil
}

func compactStrings(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
