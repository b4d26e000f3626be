// Package memory is the facade the MCP server, the admin dashboard and the CLI
// talk to. It owns no state of its own beyond the engines it wires together.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-memory/internal/config"
	"github.com/xiy/agent-memory/internal/embeddings"
	"github.com/xiy/agent-memory/internal/learning"
	"github.com/xiy/agent-memory/internal/scope"
	"github.com/xiy/agent-memory/internal/search"
	"github.com/xiy/agent-memory/internal/store"
	"github.com/xiy/agent-memory/internal/tagger"
	"github.com/xiy/agent-memory/pkg/types"
)

const (
	defaultTokenBudget = 512
	maxContextItems    = 50
	maxSearchLimit     = 100
	recentBlocksLimit  = 10
)

// Service coordinates the scope manager, search and learning.
type Service struct {
	scopes   *scope.Manager
	search   *search.Engine
	learner  *learning.Engine
	provider embeddings.Provider
	cfg      config.Config
	logger   *log.Logger
}

// NewService constructs a memory service over an initialized scope manager.
func NewService(scopes *scope.Manager, provider embeddings.Provider, cfg config.Config, logger *log.Logger) *Service {
	return &Service{
		scopes:   scopes,
		search:   search.New(scopes, provider, logger, cfg.DefaultSearchLimit),
		learner:  learning.New(scopes, provider, logger, cfg.Learning()),
		provider: provider,
		cfg:      cfg,
		logger:   logger,
	}
}

// Scopes exposes the underlying manager.
func (s *Service) Scopes() *scope.Manager { return s.scopes }

// SetScope switches the scope learning and history write to.
func (s *Service) SetScope(name string) error {
	sc, err := types.ParseScope(name)
	if err != nil {
		return err
	}
	return s.scopes.SetScope(sc)
}

// ListBlocks returns the blocks of one scope, or of both when name is empty.
func (s *Service) ListBlocks(ctx context.Context, name string) ([]types.EnhancedBlock, error) {
	sc, err := optionalScope(name)
	if err != nil {
		return nil, err
	}
	return s.scopes.ListBlocks(ctx, sc)
}

// GetBlock returns the block with id from whichever scope holds it.
func (s *Service) GetBlock(ctx context.Context, id string) (types.EnhancedBlock, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return types.EnhancedBlock{}, fmt.Errorf("%w: block id is required", types.ErrValidation)
	}
	blk, found, err := s.scopes.FindBlock(ctx, id)
	if err != nil {
		return types.EnhancedBlock{}, err
	}
	if !found {
		return types.EnhancedBlock{}, fmt.Errorf("block %s: %w", id, store.ErrNotFound)
	}
	return blk, nil
}

// SaveBlock replaces the content of the (type, scope) block with raw JSON and
// refreshes its embedding and tags. An empty scope means the current one.
func (s *Service) SaveBlock(ctx context.Context, blockType, scopeName string, raw json.RawMessage) (types.EnhancedBlock, error) {
	t, err := types.ParseBlockType(blockType)
	if err != nil {
		return types.EnhancedBlock{}, err
	}
	sc, err := optionalScope(scopeName)
	if err != nil {
		return types.EnhancedBlock{}, err
	}
	if sc == "" {
		sc = s.scopes.CurrentScope()
	}
	content, err := types.DecodeContent(t, raw)
	if err != nil {
		return types.EnhancedBlock{}, err
	}

	st, err := s.scopes.Store(sc)
	if err != nil {
		return types.EnhancedBlock{}, err
	}
	blk, err := st.SaveBlock(ctx, sc, content)
	if err != nil {
		return types.EnhancedBlock{}, err
	}
	es, err := s.scopes.Enhanced(sc)
	if err != nil {
		return types.EnhancedBlock{}, err
	}
	if err := s.index(ctx, es, blk); err != nil {
		s.logger.Warn("index saved block", "id", blk.ID, "err", err)
	}
	out, _, err := es.GetEnhancedBlock(ctx, blk.ID)
	return out, err
}

func (s *Service) index(ctx context.Context, es *store.EnhancedStore, blk types.MemoryBlock) error {
	vec, err := s.provider.Embed(ctx, search.PrepareContentForEmbedding(blk.Content))
	if err != nil {
		return err
	}
	if err := es.UpdateBlockEmbeddings(ctx, blk.ID, vec); err != nil {
		return err
	}
	return es.UpdateBlockTags(ctx, blk.ID, tagger.ExtractTags(blk.Type, blk.Content).Tags)
}

// DeleteBlock removes the block with id. It reports whether a block existed.
func (s *Service) DeleteBlock(ctx context.Context, id string) (bool, error) {
	blk, found, err := s.scopes.FindBlock(ctx, id)
	if err != nil || !found {
		return false, err
	}
	st, err := s.scopes.Store(blk.Scope)
	if err != nil {
		return false, err
	}
	if err := st.DeleteBlock(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// Consolidate runs one maintenance pass.
func (s *Service) Consolidate(ctx context.Context) (types.ConsolidationResult, error) {
	return s.learner.ConsolidateMemory(ctx)
}

// Search ranks blocks for query.
func (s *Service) Search(ctx context.Context, query string, opts search.Options) (types.SearchResponse, error) {
	if strings.TrimSpace(query) == "" {
		return types.SearchResponse{}, fmt.Errorf("%w: query is required", types.ErrValidation)
	}
	if opts.Scope != "" && !opts.Scope.Valid() {
		return types.SearchResponse{}, fmt.Errorf("%w: unsupported scope %q", types.ErrValidation, opts.Scope)
	}
	if opts.Limit > maxSearchLimit {
		opts.Limit = maxSearchLimit
	}
	if err := types.ValidateScore("min_score", opts.MinScore); err != nil {
		return types.SearchResponse{}, err
	}
	return s.search.Search(ctx, query, opts)
}

// LearnInstruction applies one explicit instruction. hint may be empty.
func (s *Service) LearnInstruction(ctx context.Context, text, hint string) (types.LearningResult, error) {
	var target types.BlockType
	if strings.TrimSpace(hint) != "" {
		t, err := types.ParseBlockType(hint)
		if err != nil {
			return types.LearningResult{}, err
		}
		target = t
	}
	return s.learner.LearnFromInstruction(ctx, text, target)
}

// LearnConversation learns from messages, or from agentID's stored history when
// messages is empty.
func (s *Service) LearnConversation(ctx context.Context, agentID string, messages []types.ConversationMessage, limit int) (types.LearningResult, error) {
	messages, err := s.conversation(ctx, agentID, messages, limit)
	if err != nil {
		return types.LearningResult{}, err
	}
	return s.learner.LearnFromConversation(ctx, messages)
}

// conversation resolves the messages a learning or analysis call works on and
// touches the agent when it is registered.
func (s *Service) conversation(ctx context.Context, agentID string, messages []types.ConversationMessage, limit int) ([]types.ConversationMessage, error) {
	if len(messages) == 0 {
		if strings.TrimSpace(agentID) == "" {
			return nil, fmt.Errorf("%w: messages or agent id are required", types.ErrValidation)
		}
		hist, err := s.History(ctx, agentID, limit)
		if err != nil {
			return nil, err
		}
		messages = hist
	}
	for i, m := range messages {
		r, err := types.ParseRole(string(m.Role))
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		messages[i].Role = r
	}
	if agentID != "" {
		s.touchIfKnown(ctx, agentID)
	}
	return messages, nil
}

// AddMessage appends a conversation turn to the current scope's history.
func (s *Service) AddMessage(ctx context.Context, agentID, role, content string, metadata map[string]any) (types.ConversationMessage, error) {
	r, err := types.ParseRole(role)
	if err != nil {
		return types.ConversationMessage{}, err
	}
	st, err := s.scopes.CurrentStore()
	if err != nil {
		return types.ConversationMessage{}, err
	}
	msg, err := st.AddMessage(ctx, agentID, r, content, metadata)
	if err != nil {
		return msg, err
	}
	s.touchIfKnown(ctx, agentID)
	return msg, nil
}

// History returns agentID's messages from the current scope, oldest first.
func (s *Service) History(ctx context.Context, agentID string, limit int) ([]types.ConversationMessage, error) {
	st, err := s.scopes.CurrentStore()
	if err != nil {
		return nil, err
	}
	return st.GetHistory(ctx, agentID, limit)
}

// ClearHistory deletes agentID's messages from the current scope.
func (s *Service) ClearHistory(ctx context.Context, agentID string) (int64, error) {
	if strings.TrimSpace(agentID) == "" {
		return 0, fmt.Errorf("%w: agent id is required", types.ErrValidation)
	}
	st, err := s.scopes.CurrentStore()
	if err != nil {
		return 0, err
	}
	return st.ClearHistory(ctx, agentID)
}

// RegisterAgent records an agent in the current scope.
func (s *Service) RegisterAgent(ctx context.Context, rec types.AgentRecord) (types.AgentRecord, error) {
	st, err := s.scopes.CurrentStore()
	if err != nil {
		return rec, err
	}
	return st.CreateAgent(ctx, rec)
}

// TouchAgent moves the agent's last-used time forward.
func (s *Service) TouchAgent(ctx context.Context, id string) (types.AgentRecord, error) {
	st, err := s.scopes.CurrentStore()
	if err != nil {
		return types.AgentRecord{}, err
	}
	if _, err := st.UpdateAgentLastUsed(ctx, id); err != nil {
		return types.AgentRecord{}, err
	}
	rec, _, err := st.GetAgent(ctx, id)
	return rec, err
}

func (s *Service) touchIfKnown(ctx context.Context, id string) {
	if _, err := s.TouchAgent(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("touch agent", "agent", id, "err", err)
	}
}

// ListAgents returns the agents registered in the current scope.
func (s *Service) ListAgents(ctx context.Context) ([]types.AgentRecord, error) {
	st, err := s.scopes.CurrentStore()
	if err != nil {
		return nil, err
	}
	return st.ListAgents(ctx)
}

// ContextInput bounds ExpandContext.
type ContextInput struct {
	Query       string
	Scope       types.Scope
	TokenBudget int
	Limit       int
}

// ExpandContext builds prompt-ready text from the blocks most relevant to
// in.Query, or from the merged view ordered by relevance when the query is
// empty. Every block that makes it into the text has its access recorded.
func (s *Service) ExpandContext(ctx context.Context, in ContextInput) (types.ContextPack, error) {
	if in.TokenBudget <= 0 {
		in.TokenBudget = defaultTokenBudget
	}
	if in.Limit <= 0 {
		in.Limit = s.cfg.MaxContextItems
	}
	if in.Limit > maxContextItems {
		in.Limit = maxContextItems
	}

	var blocks []types.EnhancedBlock
	if strings.TrimSpace(in.Query) == "" {
		merged, err := s.scopes.MergedBlocks(ctx)
		if err != nil {
			return types.ContextPack{}, err
		}
		sort.SliceStable(merged, func(i, j int) bool {
			return merged[i].Relevance(store.DefaultRelevance) > merged[j].Relevance(store.DefaultRelevance)
		})
		blocks = merged
	} else {
		resp, err := s.Search(ctx, in.Query, search.Options{Scope: in.Scope, Limit: in.Limit})
		if err != nil {
			return types.ContextPack{}, err
		}
		for _, r := range resp.Results {
			blocks = append(blocks, r.Block)
		}
	}
	if len(blocks) > in.Limit {
		blocks = blocks[:in.Limit]
	}

	seen := map[string]struct{}{}
	lines := make([]string, 0, len(blocks))
	used := make([]types.EnhancedBlock, 0, len(blocks))
	tokens := 0

	for _, blk := range blocks {
		text := strings.TrimSpace(search.PrepareContentForEmbedding(blk.Content))
		if text == "" {
			continue
		}

		norm := normalize(text)
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}

		line := fmt.Sprintf("- [%s/%s] %s", blk.Scope, blk.Type, truncate(text, 300))
		lineTokens := estimateTokens(line)
		if tokens+lineTokens > in.TokenBudget {
			break
		}
		tokens += lineTokens
		lines = append(lines, line)
		used = append(used, blk)
	}

	ids := make([]string, 0, len(used))
	for _, blk := range used {
		ids = append(ids, blk.ID)
		es, err := s.scopes.Enhanced(blk.Scope)
		if err != nil {
			return types.ContextPack{}, err
		}
		if _, err := es.RecordAccess(ctx, blk.ID); err != nil {
			s.logger.Warn("record block access", "id", blk.ID, "err", err)
		}
	}

	return types.ContextPack{
		Text:            strings.Join(lines, "\n"),
		EstimatedTokens: tokens,
		BlockIDs:        ids,
	}, nil
}

// ScopeOverview is one row of the admin dashboard.
type ScopeOverview struct {
	Scope  types.Scope
	Path   string
	Stats  store.Stats
	Recent []types.MemoryBlock
}

// Overview returns per-scope counts and the most recently updated blocks.
func (s *Service) Overview(ctx context.Context) ([]ScopeOverview, error) {
	out := make([]ScopeOverview, 0, 2)
	for _, sc := range []types.Scope{types.ScopeProject, types.ScopeGlobal} {
		st, err := s.scopes.Store(sc)
		if err != nil {
			return nil, err
		}
		stats, err := st.Stats(ctx)
		if err != nil {
			return nil, err
		}
		recent, err := st.RecentBlocks(ctx, recentBlocksLimit)
		if err != nil {
			return nil, err
		}
		out = append(out, ScopeOverview{Scope: sc, Path: st.Path(), Stats: stats, Recent: recent})
	}
	return out, nil
}

func optionalScope(name string) (types.Scope, error) {
	if strings.TrimSpace(name) == "" {
		return "", nil
	}
	return types.ParseScope(name)
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit < 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	return truncate(s, 180)
}

// estimateTokens is a rough approximation for prompt budgeting.
func estimateTokens(s string) int {
	runes := len([]rune(s))
	t := int(math.Ceil(float64(runes) / 4.0))
	if t < 1 {
		return 1
	}
	return t
}
