package patterns

import (
	"strings"

	"github.com/xiy/agent-memory/internal/lexicon"
	"github.com/xiy/agent-memory/pkg/types"
)

// InferPreferences maps recognized patterns onto a flat preference map. When
// two patterns claim the same key the more confident one wins. Patterns that
// match no mapping contribute nothing.
func InferPreferences(patterns []types.DetectedPattern) map[string]string {
	out := map[string]string{}
	conf := map[string]float64{}
	set := func(k, v string, c float64) {
		if prev, ok := conf[k]; ok && prev >= c {
			return
		}
		out[k] = v
		conf[k] = c
	}

	for _, p := range patterns {
		switch p.Type {
		case types.PatternTechnologyChoice:
			techs := lexicon.TechTerms(p.Value + " " + p.Description)
			for _, t := range techs {
				if cat := lexicon.TechCategory(t); cat != "" {
					set(cat, t, p.Confidence)
				}
			}
		case types.PatternNamingConvention:
			if p.Value != "" {
				set("naming_convention", p.Value, p.Confidence)
			}
		case types.PatternCodeStyle:
			if k, v, ok := styleKey(p.Value); ok {
				set(k, v, p.Confidence)
			}
		}
	}
	return out
}

func styleKey(value string) (key, val string, ok bool) {
	v := strings.ToLower(value)
	negated := strings.HasPrefix(v, "no ")
	v = strings.TrimPrefix(v, "no ")
	switch {
	case v == "tabs" || v == "spaces":
		if negated {
			if v == "tabs" {
				return "indentation", "spaces", true
			}
			return "indentation", "tabs", true
		}
		return "indentation", v, true
	case strings.HasSuffix(v, "space indentation"):
		return "indentation", v[:1] + " spaces", true
	case v == "semicolons":
		if negated {
			return "semicolons", "never", true
		}
		return "semicolons", "always", true
	case v == "single quotes" || v == "double quotes":
		q := strings.TrimSuffix(v, " quotes")
		if negated {
			if q == "single" {
				q = "double"
			} else {
				q = "single"
			}
		}
		return "quotes", q, true
	case v == "trailing commas":
		if negated {
			return "trailing_commas", "never", true
		}
		return "trailing_commas", "always", true
	}
	return "", "", false
}
