package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/xiy/agent-memory/internal/patterns"
	"github.com/xiy/agent-memory/internal/store"
	"github.com/xiy/agent-memory/internal/tagger"
	"github.com/xiy/agent-memory/pkg/types"
)

// ConversationInsight is a read-only look at a conversation: what it is about
// and which patterns learning would see, without writing anything.
type ConversationInsight struct {
	Analysis    patterns.Analysis       `json:"analysis"`
	Patterns    []types.DetectedPattern `json:"patterns"`
	Preferences map[string]string       `json:"preferences"`
	Tags        tagger.Result           `json:"tags"`
}

// AnalyzeConversation reports topics, sentiment, entities and candidate
// patterns for messages, or for agentID's stored history when messages is
// empty.
func (s *Service) AnalyzeConversation(ctx context.Context, agentID string, messages []types.ConversationMessage, limit int) (ConversationInsight, error) {
	messages, err := s.conversation(ctx, agentID, messages, limit)
	if err != nil {
		return ConversationInsight{}, err
	}
	lc := s.cfg.Learning()
	found := patterns.DetectConversationPatterns(messages, patterns.Options{
		MinFrequency:  lc.MinPatternFrequency,
		MinConfidence: lc.MinPatternConfidence,
		MaxPatterns:   lc.MaxPatterns,
	})
	if found == nil {
		found = []types.DetectedPattern{}
	}

	var user []string
	for _, m := range messages {
		if m.Role == types.RoleUser {
			user = append(user, m.Content)
		}
	}
	return ConversationInsight{
		Analysis:    patterns.AnalyzeConversation(messages),
		Patterns:    found,
		Preferences: patterns.InferPreferences(found),
		Tags:        tagger.SuggestTags(strings.Join(user, "\n")),
	}, nil
}

// DetectWorkflow reports recurring action pairs in an agent's action log.
func (s *Service) DetectWorkflow(entries []types.ActionLogEntry) ([]types.DetectedPattern, error) {
	for i, e := range entries {
		if strings.TrimSpace(e.Action) == "" {
			return nil, fmt.Errorf("%w: action %d is empty", types.ErrValidation, i)
		}
	}
	found := patterns.DetectWorkflowPatterns(entries)
	if found == nil {
		found = []types.DetectedPattern{}
	}
	return found, nil
}

// SuggestTags proposes tags for a stored block (its extracted tags merged with
// the ones already attached) or for free text. category narrows the result to
// tech or content tags.
func (s *Service) SuggestTags(ctx context.Context, blockID, text, category string) (tagger.Result, error) {
	cat := tagger.CategoryAll
	if strings.TrimSpace(category) != "" {
		cat = tagger.Category(strings.ToLower(strings.TrimSpace(category)))
		switch cat {
		case tagger.CategoryAll, tagger.CategoryTech, tagger.CategoryContent:
		default:
			return tagger.Result{}, fmt.Errorf("%w: unknown tag category %q", types.ErrValidation, category)
		}
	}

	var res tagger.Result
	switch {
	case strings.TrimSpace(blockID) != "":
		blk, err := s.GetBlock(ctx, blockID)
		if err != nil {
			return tagger.Result{}, err
		}
		res = tagger.ExtractTags(blk.Type, blk.Content)
		res.Tags = tagger.MergeTags(blk.ContextTags, res.Tags)
	case strings.TrimSpace(text) != "":
		res = tagger.SuggestTags(text)
	default:
		return tagger.Result{}, fmt.Errorf("%w: block id or text is required", types.ErrValidation)
	}
	res.Tags = tagger.FilterTagsByCategory(res.Tags, cat)
	return res, nil
}

// BlocksByTags returns the blocks of both scopes carrying any of tags.
func (s *Service) BlocksByTags(ctx context.Context, tags []string) ([]types.EnhancedBlock, error) {
	if len(tagger.MergeTags(tags)) == 0 {
		return nil, fmt.Errorf("%w: at least one tag is required", types.ErrValidation)
	}
	return s.acrossScopes(ctx, func(es *store.EnhancedStore) ([]types.EnhancedBlock, error) {
		return es.GetBlocksByTags(ctx, tags)
	})
}

// BlocksByRelevance returns scored blocks of both scopes at or above minScore,
// most relevant first.
func (s *Service) BlocksByRelevance(ctx context.Context, minScore float64) ([]types.EnhancedBlock, error) {
	if err := types.ValidateScore("min_score", minScore); err != nil {
		return nil, err
	}
	out, err := s.acrossScopes(ctx, func(es *store.EnhancedStore) ([]types.EnhancedBlock, error) {
		return es.GetBlocksByRelevance(ctx, minScore)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Relevance(0) > out[j].Relevance(0)
	})
	return out, nil
}

// SetRelevance overwrites a block's relevance with score, or recomputes it
// from the access count when score is nil. It returns the stored value.
func (s *Service) SetRelevance(ctx context.Context, id string, score *float64) (float64, error) {
	blk, err := s.GetBlock(ctx, id)
	if err != nil {
		return 0, err
	}
	es, err := s.scopes.Enhanced(blk.Scope)
	if err != nil {
		return 0, err
	}
	if score == nil {
		return es.UpdateBlockRelevance(ctx, blk.ID)
	}
	if err := es.SetBlockRelevance(ctx, blk.ID, *score); err != nil {
		return 0, err
	}
	return *score, nil
}

func (s *Service) acrossScopes(ctx context.Context, fn func(*store.EnhancedStore) ([]types.EnhancedBlock, error)) ([]types.EnhancedBlock, error) {
	out := []types.EnhancedBlock{}
	for _, sc := range []types.Scope{types.ScopeProject, types.ScopeGlobal} {
		es, err := s.scopes.Enhanced(sc)
		if err != nil {
			return nil, err
		}
		blocks, err := fn(es)
		if err != nil {
			return nil, err
		}
		out = append(out, blocks...)
	}
	return out, nil
}
