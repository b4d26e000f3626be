package patterns

import (
	"regexp"
	"strings"

	"github.com/xiy/agent-memory/internal/lexicon"
	"github.com/xiy/agent-memory/pkg/types"
)

// A rule turns one regexp match into a candidate value. Specificity is the
// confidence of a single sighting.
type rule struct {
	kind        types.PatternType
	re          *regexp.Regexp
	specificity func(m []string) float64
	value       func(m []string) (value, description string, ok bool)
}

func fixed(v float64) func([]string) float64 {
	return func([]string) float64 { return v }
}

var styleTerms = `tabs|spaces|semicolons|single quotes|double quotes|trailing commas|arrow functions|early returns|strict mode|type hints|type annotations|2[- ]space indentation|4[- ]space indentation`

var rules = []rule{
	{
		kind: types.PatternTechnologyChoice,
		re:   regexp.MustCompile(`(?i)\b(always use|prefer|use|using|switch to|go with|stick with|stick to)\s+([a-z][a-z0-9+#.\-]*)`),
		specificity: func(m []string) float64 {
			switch strings.ToLower(m[1]) {
			case "always use":
				return 0.7
			case "prefer", "stick with", "stick to":
				return 0.65
			}
			return 0.6
		},
		value: func(m []string) (string, string, bool) {
			word := strings.TrimRight(strings.ToLower(m[2]), ".-")
			if !lexicon.IsTech(word) {
				return "", "", false
			}
			tech := lexicon.Canonical(word)
			return tech, "Prefers " + tech, true
		},
	},
	{
		kind:        types.PatternCodeStyle,
		re:          regexp.MustCompile(`(?i)\b(always use|use|prefer|never use|don'?t use|avoid|no)\s+(` + styleTerms + `)\b`),
		specificity: fixed(0.6),
		value: func(m []string) (string, string, bool) {
			style := strings.ToLower(m[2])
			switch strings.ToLower(m[1]) {
			case "never use", "dont use", "don't use", "avoid", "no":
				return "no " + style, "Avoids " + style, true
			}
			return style, "Uses " + style, true
		},
	},
	{
		kind:        types.PatternCorrection,
		re:          regexp.MustCompile(`(?i)\b(no,? actually|that'?s (?:wrong|incorrect|not right)|you made a mistake|not quite|that is (?:wrong|incorrect))\b[,.:;!]?\s*([^\n]*)`),
		specificity: fixed(0.65),
		value: func(m []string) (string, string, bool) {
			rest := normalize(m[2])
			if rest == "" {
				rest = normalize(m[1])
			}
			return clip(rest, 80), "Correction: " + clip(strings.TrimSpace(m[2]), 120), true
		},
	},
	{
		kind:        types.PatternPreference,
		re:          regexp.MustCompile(`(?i)\bi (?:really |would )?(?:like|prefer|love|want)\s+(?:to\s+)?([^.!?\n]{3,80})`),
		specificity: fixed(0.5),
		value: func(m []string) (string, string, bool) {
			v := normalize(m[1])
			if v == "" {
				return "", "", false
			}
			return v, "Likes " + v, true
		},
	},
	{
		kind:        types.PatternNamingConvention,
		re:          regexp.MustCompile(`(?i)\b(camel ?case|snake[_ ]case|pascal ?case|kebab[- ]case|screaming[_ ]snake[_ ]case)\b`),
		specificity: fixed(0.7),
		value: func(m []string) (string, string, bool) {
			v := canonicalNaming(m[1])
			return v, "Uses " + v + " naming", true
		},
	},
}

func canonicalNaming(s string) string {
	k := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.ToLower(s))
	switch k {
	case "camelcase":
		return "camelCase"
	case "snakecase":
		return "snake_case"
	case "pascalcase":
		return "PascalCase"
	case "kebabcase":
		return "kebab-case"
	case "screamingsnakecase":
		return "SCREAMING_SNAKE_CASE"
	}
	return k
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.Trim(s, " \t.,;:!?\"'"))), " ")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
