// Package search ranks stored blocks against a query by keyword overlap, vector
// similarity, or a fixed blend of both.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-memory/internal/embeddings"
	"github.com/xiy/agent-memory/internal/lexicon"
	"github.com/xiy/agent-memory/pkg/types"
)

// Source is where the engine reads blocks from. An empty scope means both.
type Source interface {
	ListBlocks(ctx context.Context, scope types.Scope) ([]types.EnhancedBlock, error)
	UpdateBlockEmbeddings(ctx context.Context, scope types.Scope, id string, vec []float32) error
}

// Options narrow a query.
type Options struct {
	Method   types.SearchMethod
	Scope    types.Scope
	Types    []types.BlockType
	Limit    int
	MinScore float64
}

// Engine ranks blocks. It never records access or changes relevance; the only
// write it performs is persisting an embedding that was missing.
type Engine struct {
	src          Source
	provider     embeddings.Provider
	logger       *log.Logger
	defaultLimit int
}

// New returns an engine over src. defaultLimit applies when Options.Limit is 0.
func New(src Source, provider embeddings.Provider, logger *log.Logger, defaultLimit int) *Engine {
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	return &Engine{src: src, provider: provider, logger: logger, defaultLimit: defaultLimit}
}

// GenerateEmbedding embeds free text with the configured provider.
func (e *Engine) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return e.provider.Embed(ctx, text)
}

// Search dispatches on opts.Method; hybrid is the default.
func (e *Engine) Search(ctx context.Context, query string, opts Options) (types.SearchResponse, error) {
	switch opts.Method {
	case types.SearchKeyword:
		return e.KeywordSearch(ctx, query, opts)
	case types.SearchSemantic:
		return e.SemanticSearch(ctx, query, opts)
	case types.SearchHybrid, "":
		return e.HybridSearch(ctx, query, opts)
	}
	return types.SearchResponse{}, fmt.Errorf("%w: unknown search method %q", types.ErrValidation, opts.Method)
}

// KeywordSearch scores each block by the fraction of query tokens found in its
// prepared text.
func (e *Engine) KeywordSearch(ctx context.Context, query string, opts Options) (types.SearchResponse, error) {
	start := time.Now()
	blocks, err := e.candidates(ctx, opts)
	if err != nil {
		return types.SearchResponse{}, err
	}
	tokens := lexicon.Tokenize(query)

	results := make([]types.SearchResult, 0, len(blocks))
	for _, blk := range blocks {
		score, terms := KeywordScore(tokens, PrepareContentForEmbedding(blk.Content))
		results = append(results, types.SearchResult{
			Block:          blk,
			Similarity:     score,
			KeywordScore:   score,
			RelevanceScore: blk.Relevance(0),
			Method:         types.SearchKeyword,
			MatchingTerms:  terms,
		})
	}
	return e.finish(results, opts, types.SearchKeyword, start), nil
}

// SemanticSearch ranks blocks by cosine similarity with the query embedding.
func (e *Engine) SemanticSearch(ctx context.Context, query string, opts Options) (types.SearchResponse, error) {
	start := time.Now()
	blocks, err := e.candidates(ctx, opts)
	if err != nil {
		return types.SearchResponse{}, err
	}
	qvec, err := e.provider.Embed(ctx, query)
	if err != nil {
		return types.SearchResponse{}, fmt.Errorf("embed query: %w", err)
	}

	results := make([]types.SearchResult, 0, len(blocks))
	for _, blk := range blocks {
		vec := e.blockEmbedding(ctx, blk)
		score := clamp01(CosineSimilarity(qvec, vec))
		results = append(results, types.SearchResult{
			Block:          blk,
			Similarity:     score,
			SemanticScore:  score,
			RelevanceScore: blk.Relevance(0),
			Method:         types.SearchSemantic,
			MatchingTerms:  []string{},
		})
	}
	return e.finish(results, opts, types.SearchSemantic, start), nil
}

// HybridSearch blends semantic and keyword scores with CombineScores.
func (e *Engine) HybridSearch(ctx context.Context, query string, opts Options) (types.SearchResponse, error) {
	start := time.Now()
	blocks, err := e.candidates(ctx, opts)
	if err != nil {
		return types.SearchResponse{}, err
	}
	qvec, err := e.provider.Embed(ctx, query)
	if err != nil {
		return types.SearchResponse{}, fmt.Errorf("embed query: %w", err)
	}
	tokens := lexicon.Tokenize(query)

	results := make([]types.SearchResult, 0, len(blocks))
	for _, blk := range blocks {
		sem := clamp01(CosineSimilarity(qvec, e.blockEmbedding(ctx, blk)))
		kw, terms := KeywordScore(tokens, PrepareContentForEmbedding(blk.Content))
		results = append(results, types.SearchResult{
			Block:          blk,
			Similarity:     CombineScores(sem, kw),
			SemanticScore:  sem,
			KeywordScore:   kw,
			RelevanceScore: blk.Relevance(0),
			Method:         types.SearchHybrid,
			MatchingTerms:  terms,
		})
	}
	return e.finish(results, opts, types.SearchHybrid, start), nil
}

// KeywordScore returns the share of tokens that appear as whole words among
// the values of prepared text, and the tokens that matched. Field labels are
// not searchable.
func KeywordScore(tokens []string, text string) (float64, []string) {
	terms := []string{}
	if len(tokens) == 0 {
		return 0, terms
	}
	words := valueWords(text)
	for _, tok := range tokens {
		if _, ok := words[tok]; ok {
			terms = append(terms, tok)
		}
	}
	return float64(len(terms)) / float64(len(tokens)), terms
}

// valueWords tokenizes the value side of each "key: value" line.
func valueWords(text string) map[string]struct{} {
	words := map[string]struct{}{}
	for _, line := range strings.Split(text, "\n") {
		if _, value, ok := strings.Cut(line, ": "); ok {
			line = value
		}
		for _, w := range lexicon.Tokenize(line) {
			words[w] = struct{}{}
		}
	}
	return words
}

func (e *Engine) candidates(ctx context.Context, opts Options) ([]types.EnhancedBlock, error) {
	blocks, err := e.src.ListBlocks(ctx, opts.Scope)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	if len(opts.Types) == 0 {
		return blocks, nil
	}
	want := make(map[types.BlockType]struct{}, len(opts.Types))
	for _, t := range opts.Types {
		want[t] = struct{}{}
	}
	out := blocks[:0]
	for _, blk := range blocks {
		if _, ok := want[blk.Type]; ok {
			out = append(out, blk)
		}
	}
	return out, nil
}

// blockEmbedding returns the stored vector, generating and persisting it when
// it is missing or was produced with a different dimension.
func (e *Engine) blockEmbedding(ctx context.Context, blk types.EnhancedBlock) []float32 {
	if len(blk.Embedding) == e.provider.Dimension() {
		return blk.Embedding
	}
	vec, err := e.provider.Embed(ctx, PrepareContentForEmbedding(blk.Content))
	if err != nil {
		e.logger.Warn("embed block failed", "id", blk.ID, "err", err)
		return nil
	}
	if err := e.src.UpdateBlockEmbeddings(ctx, blk.Scope, blk.ID, vec); err != nil {
		e.logger.Warn("persist block embedding failed", "id", blk.ID, "err", err)
	}
	return vec
}

func (e *Engine) finish(results []types.SearchResult, opts Options, method types.SearchMethod, start time.Time) types.SearchResponse {
	kept := results[:0]
	for _, r := range results {
		if r.Similarity <= 0 || r.Similarity < opts.MinScore {
			continue
		}
		kept = append(kept, r)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Similarity != kept[j].Similarity {
			return kept[i].Similarity > kept[j].Similarity
		}
		if kept[i].RelevanceScore != kept[j].RelevanceScore {
			return kept[i].RelevanceScore > kept[j].RelevanceScore
		}
		return kept[i].Block.ID < kept[j].Block.ID
	})

	total := len(kept)
	limit := opts.Limit
	if limit <= 0 {
		limit = e.defaultLimit
	}
	if len(kept) > limit {
		kept = kept[:limit]
	}
	return types.SearchResponse{
		Results:      kept,
		Total:        total,
		QueryTime:    time.Since(start),
		SearchMethod: method,
	}
}
