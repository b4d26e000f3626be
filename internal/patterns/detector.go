// Package patterns mines conversation and action history for recurring,
// confidence-scored observations. Every rule is a plain function over text.
package patterns

import (
	"math"
	"sort"
	"time"

	"github.com/xiy/agent-memory/pkg/types"
)

const (
	frequencyBoost = 0.15
	maxEvidence    = 5
)

// Options filter detection output. Zero values disable the filter.
type Options struct {
	MinFrequency  int
	MinConfidence float64
	Types         []types.PatternType
	MaxPatterns   int
}

// Confidence scores a pattern seen frequency times whose single sighting is
// worth specificity.
func Confidence(specificity float64, frequency int) float64 {
	if frequency < 1 {
		return 0
	}
	return round4(math.Min(1, specificity+frequencyBoost*float64(frequency-1)))
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

type candidate struct {
	pattern     types.DetectedPattern
	specificity float64
}

// DetectConversationPatterns runs the rule table over user messages and
// aggregates repeated sightings.
func DetectConversationPatterns(messages []types.ConversationMessage, opts Options) []types.DetectedPattern {
	byKey := map[string]*candidate{}
	var order []string

	for _, msg := range messages {
		if msg.Role != types.RoleUser {
			continue
		}
		seen := map[string]struct{}{}
		for _, r := range rules {
			for _, m := range r.re.FindAllStringSubmatch(msg.Content, -1) {
				value, desc, ok := r.value(m)
				if !ok {
					continue
				}
				key := string(r.kind) + "|" + value
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}

				c, ok := byKey[key]
				if !ok {
					c = &candidate{pattern: types.DetectedPattern{
						Type:        r.kind,
						Description: desc,
						Value:       value,
						FirstSeen:   msg.Timestamp,
						LastSeen:    msg.Timestamp,
					}}
					byKey[key] = c
					order = append(order, key)
				}
				c.specificity = math.Max(c.specificity, r.specificity(m))
				c.pattern.Frequency++
				if len(c.pattern.Evidence) < maxEvidence {
					c.pattern.Evidence = append(c.pattern.Evidence, clip(msg.Content, 200))
				}
				observe(&c.pattern, msg.Timestamp)
			}
		}
	}

	out := make([]types.DetectedPattern, 0, len(order))
	for _, key := range order {
		c := byKey[key]
		c.pattern.Confidence = Confidence(c.specificity, c.pattern.Frequency)
		out = append(out, c.pattern)
	}
	return Filter(out, opts)
}

// Filter applies opts to already detected patterns and sorts them by
// confidence, then frequency.
func Filter(in []types.DetectedPattern, opts Options) []types.DetectedPattern {
	allowed := map[types.PatternType]struct{}{}
	for _, t := range opts.Types {
		allowed[t] = struct{}{}
	}
	out := make([]types.DetectedPattern, 0, len(in))
	for _, p := range in {
		if p.Frequency < opts.MinFrequency || p.Confidence < opts.MinConfidence {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[p.Type]; !ok {
				continue
			}
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Frequency > out[j].Frequency
	})
	if opts.MaxPatterns > 0 && len(out) > opts.MaxPatterns {
		out = out[:opts.MaxPatterns]
	}
	return out
}

func observe(p *types.DetectedPattern, ts time.Time) {
	if ts.IsZero() {
		return
	}
	if p.FirstSeen.IsZero() || ts.Before(p.FirstSeen) {
		p.FirstSeen = ts
	}
	if ts.After(p.LastSeen) {
		p.LastSeen = ts
	}
}
