package learning

import (
	"strings"
	"time"

	"github.com/xiy/agent-memory/internal/lexicon"
	"github.com/xiy/agent-memory/internal/patterns"
	"github.com/xiy/agent-memory/pkg/types"
)

// learning is one candidate write, from a pattern or an instruction.
type learning struct {
	kind        types.PatternType
	description string
	value       string
	text        string
	wrong       string
	right       string
	confidence  float64
	target      types.BlockType
	prefs       map[string]string
}

var codingStyleKeys = map[string]struct{}{
	"indentation":       {},
	"semicolons":        {},
	"quotes":            {},
	"trailing_commas":   {},
	"naming_convention": {},
}

// mergeLearning folds l into content and reports whether anything changed.
func mergeLearning(content types.BlockContent, l learning, now time.Time) (types.BlockContent, bool) {
	note := l.text
	if note == "" {
		note = l.description
	}

	switch c := content.(type) {
	case types.CorrectionsContent:
		item := types.Correction{
			Issue:      l.wrong,
			Correction: l.right,
			Context:    l.text,
			Date:       now.Format("2006-01-02"),
		}
		if item.Correction == "" {
			item.Correction = note
		}
		for _, existing := range c.Corrections {
			if strings.EqualFold(existing.Correction, item.Correction) && strings.EqualFold(existing.Issue, item.Issue) {
				return c, false
			}
		}
		c.Corrections = append(append([]types.Correction{}, c.Corrections...), item)
		return c, true

	case types.UserContent:
		changed := false
		for k, v := range l.prefs {
			dst := &c.Preferences
			if _, ok := codingStyleKeys[k]; ok {
				dst = &c.CodingStyle
			}
			if (*dst)[k] == v {
				continue
			}
			m := copyMap(*dst)
			m[k] = v
			*dst = m
			changed = true
		}
		if len(l.prefs) == 0 {
			c.Notes, changed = appendUnique(c.Notes, note)
		}
		return c, changed

	case types.ProjectContent:
		if l.kind == types.PatternTechnologyChoice && l.value != "" {
			var changed bool
			c.TechStack, changed = appendUnique(c.TechStack, l.value)
			return c, changed
		}
		var changed bool
		if containsWord(note, "pattern") {
			c.Patterns, changed = appendUnique(c.Patterns, note)
		} else {
			c.Notes, changed = appendUnique(c.Notes, note)
		}
		return c, changed

	case types.PersonaContent:
		if containsWord(note, "tone") || containsWord(note, "style") {
			if c.CommunicationStyle == note {
				return c, false
			}
			c.CommunicationStyle = note
			return c, true
		}
		var changed bool
		c.Notes, changed = appendUnique(c.Notes, note)
		return c, changed
	}
	return content, false
}

// preferencesFor infers structured preferences from free text by running the
// conversation rules over it as a single user message.
func preferencesFor(text string) map[string]string {
	found := patterns.DetectConversationPatterns([]types.ConversationMessage{
		{Role: types.RoleUser, Content: text},
	}, patterns.Options{})
	return patterns.InferPreferences(found)
}

// dedupeContent removes repeated list entries, comparing case-insensitively.
func dedupeContent(content types.BlockContent) (types.BlockContent, bool) {
	switch c := content.(type) {
	case types.PersonaContent:
		var a, b, d bool
		c.Traits, a = dedupe(c.Traits)
		c.ExpertiseAreas, b = dedupe(c.ExpertiseAreas)
		c.Notes, d = dedupe(c.Notes)
		return c, a || b || d
	case types.ProjectContent:
		var a, b, d bool
		c.TechStack, a = dedupe(c.TechStack)
		c.Patterns, b = dedupe(c.Patterns)
		c.Notes, d = dedupe(c.Notes)
		return c, a || b || d
	case types.UserContent:
		var a, b bool
		c.Tools, a = dedupe(c.Tools)
		c.Notes, b = dedupe(c.Notes)
		return c, a || b
	case types.CorrectionsContent:
		seen := map[string]struct{}{}
		out := make([]types.Correction, 0, len(c.Corrections))
		for _, item := range c.Corrections {
			key := strings.ToLower(item.Issue) + "\x00" + strings.ToLower(item.Correction)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, item)
		}
		changed := len(out) != len(c.Corrections)
		if changed {
			c.Corrections = out
		}
		return c, changed
	}
	return content, false
}

func dedupe(items []string) ([]string, bool) {
	if len(items) < 2 {
		return items, false
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(items))
	for _, it := range items {
		k := strings.ToLower(strings.TrimSpace(it))
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	if len(out) == len(items) {
		return items, false
	}
	return out, true
}

func appendUnique(items []string, v string) ([]string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return items, false
	}
	for _, it := range items {
		if strings.EqualFold(it, v) {
			return items, false
		}
	}
	return append(append([]string{}, items...), v), true
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func containsWord(text, word string) bool {
	for _, w := range lexicon.Words(text) {
		if w == word || w == word+"s" {
			return true
		}
	}
	return false
}
