package types

import "time"

// PatternType classifies a detected pattern.
type PatternType string

const (
	PatternCodeStyle        PatternType = "code_style"
	PatternTechnologyChoice PatternType = "technology_choice"
	PatternCorrection       PatternType = "correction"
	PatternPreference       PatternType = "preference"
	PatternNamingConvention PatternType = "naming_convention"
	PatternWorkflow         PatternType = "workflow_pattern"
)

// DetectedPattern is a recurring observation mined from history. It is never
// persisted directly.
type DetectedPattern struct {
	Type        PatternType `json:"type"`
	Description string      `json:"description"`
	// Value is the normalized subject of the pattern ("react", "tabs", ...).
	Value      string    `json:"value,omitempty"`
	Frequency  int       `json:"frequency"`
	Confidence float64   `json:"confidence"`
	Evidence   []string  `json:"evidence"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// Key identifies a pattern across detection runs.
func (p DetectedPattern) Key() string {
	return string(p.Type) + "|" + p.Value
}

// ActionLogEntry is one step taken by an agent.
type ActionLogEntry struct {
	Action    string    `json:"action"`
	Result    string    `json:"result,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SearchMethod selects a ranking strategy.
type SearchMethod string

const (
	SearchSemantic SearchMethod = "semantic"
	SearchKeyword  SearchMethod = "keyword"
	SearchHybrid   SearchMethod = "hybrid"
)

// SearchResult is one ranked block for a query.
type SearchResult struct {
	Block          EnhancedBlock `json:"block"`
	Similarity     float64       `json:"similarity"`
	SemanticScore  float64       `json:"semantic_score"`
	KeywordScore   float64       `json:"keyword_score"`
	RelevanceScore float64       `json:"relevance_score"`
	Method         SearchMethod  `json:"method"`
	MatchingTerms  []string      `json:"matching_terms"`
}

// SearchResponse wraps the ranked results of one query.
type SearchResponse struct {
	Results      []SearchResult `json:"results"`
	Total        int            `json:"total"`
	QueryTime    time.Duration  `json:"query_time"`
	SearchMethod SearchMethod   `json:"search_method"`
}

// LearningDetail reports what happened to one candidate learning.
type LearningDetail struct {
	Type        PatternType `json:"type"`
	Description string      `json:"description"`
	Confidence  float64     `json:"confidence"`
	TargetBlock BlockType   `json:"target_block"`
	Scope       Scope       `json:"scope"`
	Applied     bool        `json:"applied"`
	Error       string      `json:"error,omitempty"`
}

// LearningResult summarizes one learning call.
type LearningResult struct {
	LearningsExtracted  int              `json:"learnings_extracted"`
	MemoriesUpdated     int              `json:"memories_updated"`
	NewPatternsDetected int              `json:"new_patterns_detected"`
	Confidence          float64          `json:"confidence"`
	Details             []LearningDetail `json:"details"`
}

// ConsolidationResult summarizes one maintenance pass.
type ConsolidationResult struct {
	BlocksConsolidated int           `json:"blocks_consolidated"`
	BlocksDecayed      int           `json:"blocks_decayed"`
	PatternsReinforced int           `json:"patterns_reinforced"`
	Duration           time.Duration `json:"duration"`
}

// ContextPack is prompt-ready memory text bounded by a token budget.
type ContextPack struct {
	Text            string   `json:"text"`
	EstimatedTokens int      `json:"estimated_tokens"`
	BlockIDs        []string `json:"block_ids"`
}
