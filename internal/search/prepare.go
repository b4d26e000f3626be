package search

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/xiy/agent-memory/pkg/types"
)

// PrepareContentForEmbedding flattens block content into sorted "key: value"
// lines. Lists of scalars are joined with ", " and nested objects use dotted
// keys. The output is stable for equal content.
func PrepareContentForEmbedding(content types.BlockContent) string {
	if content == nil {
		return ""
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	var lines []string
	flatten("", v, &lines)
	return strings.Join(lines, "\n")
}

func flatten(prefix string, v any, lines *[]string) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, val[k], lines)
		}
	case []any:
		scalars := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := scalar(item); ok {
				if s != "" {
					scalars = append(scalars, s)
				}
				continue
			}
			flatten(prefix, item, lines)
		}
		if len(scalars) > 0 {
			*lines = append(*lines, prefix+": "+strings.Join(scalars, ", "))
		}
	default:
		if s, ok := scalar(val); ok && s != "" {
			*lines = append(*lines, prefix+": "+s)
		}
	}
}

func scalar(v any) (string, bool) {
	switch val := v.(type) {
	case map[string]any, []any:
		return "", false
	case string:
		return strings.TrimSpace(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	case nil:
		return "", true
	default:
		return fmt.Sprint(val), true
	}
}
