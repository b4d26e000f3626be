package patterns

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xiy/agent-memory/pkg/types"
)

// DetectWorkflowPatterns reports each distinct adjacent action pair in the log.
// Frequency is the number of times the pair occurs and confidence is its share
// of all transitions.
func DetectWorkflowPatterns(entries []types.ActionLogEntry) []types.DetectedPattern {
	if len(entries) <= 1 {
		return nil
	}
	transitions := len(entries) - 1
	byPair := map[string]*types.DetectedPattern{}
	var order []string

	for i := 0; i < transitions; i++ {
		from := strings.ToLower(strings.TrimSpace(entries[i].Action))
		to := strings.ToLower(strings.TrimSpace(entries[i+1].Action))
		if from == "" || to == "" {
			continue
		}
		pair := from + " -> " + to
		p, ok := byPair[pair]
		if !ok {
			p = &types.DetectedPattern{
				Type:        types.PatternWorkflow,
				Description: pair,
				Value:       pair,
				FirstSeen:   entries[i].Timestamp,
				LastSeen:    entries[i+1].Timestamp,
			}
			byPair[pair] = p
			order = append(order, pair)
		}
		p.Frequency++
		if len(p.Evidence) < maxEvidence {
			p.Evidence = append(p.Evidence, fmt.Sprintf("step %d: %s", i+1, pair))
		}
		observe(p, entries[i].Timestamp)
		observe(p, entries[i+1].Timestamp)
	}

	out := make([]types.DetectedPattern, 0, len(order))
	for _, pair := range order {
		p := byPair[pair]
		p.Confidence = round4(float64(p.Frequency) / float64(transitions))
		out = append(out, *p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Frequency > out[j].Frequency })
	return out
}
