package patterns

import (
	"regexp"
	"sort"
	"strings"

	"github.com/xiy/agent-memory/internal/lexicon"
	"github.com/xiy/agent-memory/pkg/types"
)

// Sentiment is a lexicon word count, not a model score.
type Sentiment struct {
	Positive int `json:"positive"`
	Negative int `json:"negative"`
}

// Analysis summarizes a conversation.
type Analysis struct {
	Topics    []string  `json:"topics"`
	Sentiment Sentiment `json:"sentiment"`
	Entities  []string  `json:"entities"`
}

var (
	pathRe = regexp.MustCompile(`(?:\.{0,2}/)?[\w.\-]+(?:/[\w.\-]+)+|\b[\w\-]+\.(?:go|ts|tsx|js|jsx|py|rs|java|rb|md|json|ya?ml|toml|sql|css|html|sh)\b`)
	// PascalCase or camelCase with at least two humps.
	identRe = regexp.MustCompile(`\b(?:[A-Z][a-z0-9]+(?:[A-Z][a-z0-9]*)+|[a-z]+(?:[A-Z][a-z0-9]*)+)\b`)
)

// AnalyzeConversation extracts topics, sentiment counts and entity-like tokens
// from all messages regardless of role.
func AnalyzeConversation(messages []types.ConversationMessage) Analysis {
	counts := map[string]int{}
	var a Analysis
	entitySeen := map[string]struct{}{}
	a.Entities = []string{}

	for _, msg := range messages {
		for _, t := range lexicon.TechTerms(msg.Content) {
			counts[t]++
		}
		for _, t := range lexicon.ConceptTerms(msg.Content) {
			counts[t]++
		}
		pos, neg := lexicon.Sentiment(msg.Content)
		a.Sentiment.Positive += pos
		a.Sentiment.Negative += neg

		for _, re := range []*regexp.Regexp{pathRe, identRe} {
			for _, e := range re.FindAllString(msg.Content, -1) {
				e = strings.TrimRight(e, ".")
				if _, ok := entitySeen[e]; ok || e == "" {
					continue
				}
				entitySeen[e] = struct{}{}
				a.Entities = append(a.Entities, e)
			}
		}
	}

	a.Topics = make([]string, 0, len(counts))
	for t := range counts {
		a.Topics = append(a.Topics, t)
	}
	sort.Slice(a.Topics, func(i, j int) bool {
		if counts[a.Topics[i]] != counts[a.Topics[j]] {
			return counts[a.Topics[i]] > counts[a.Topics[j]]
		}
		return a.Topics[i] < a.Topics[j]
	})
	return a
}
