package service

import (
	"encoding/json"
	"fmt"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/ClearPeaks/knime-audit/internal/domain/model"
)

// nodeStatsExpr projects the top level nodes of a workflow summary.
const nodeStatsExpr = `workflow.nodes[].{id: id, name: name, state: state, duration: executionStatistics.lastExecutionDuration}`

// ExtractNodeStats reads per-node execution statistics from a workflow
// summary document. Missing fields stay empty.
func ExtractNodeStats(summary []byte) ([]model.NodeStat, error) {
	var doc any
	if err := json.Unmarshal(summary, &doc); err != nil {
		return nil, fmt.Errorf("decode workflow summary: %w", err)
	}
	res, err := jmespath.Search(nodeStatsExpr, doc)
	if err != nil {
		return nil, fmt.Errorf("evaluate node stats: %w", err)
	}
	items, _ := res.([]any)
	out := make([]model.NodeStat, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		stat := model.NodeStat{
			NodeID: stringField(m, "id"),
			Name:   stringField(m, "name"),
			State:  stringField(m, "state"),
		}
		if d, ok := m["duration"].(float64); ok {
			ms := int64(d)
			stat.DurationMillis = &ms
		}
		if stat.NodeID == "" && stat.Name == "" {
			continue
		}
		out = append(out, stat)
	}
	return out, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
