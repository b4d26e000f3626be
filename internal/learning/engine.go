// Package learning turns detected patterns and explicit instructions into
// confidence-gated block writes and runs periodic consolidation.
package learning

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-memory/internal/embeddings"
	"github.com/xiy/agent-memory/internal/patterns"
	"github.com/xiy/agent-memory/internal/search"
	"github.com/xiy/agent-memory/internal/store"
	"github.com/xiy/agent-memory/internal/tagger"
	"github.com/xiy/agent-memory/pkg/types"
)

// Scopes is the part of the scope manager the engine writes through.
type Scopes interface {
	CurrentScope() types.Scope
	Store(s types.Scope) (*store.SQLiteStore, error)
	Enhanced(s types.Scope) (*store.EnhancedStore, error)
}

// Config tunes gating and consolidation.
type Config struct {
	AutoApplyThreshold   float64
	MinPatternFrequency  int
	MinPatternConfidence float64
	MaxPatterns          int
	DecayAfter           time.Duration
	DecayFactor          float64
	ReinforceIncrement   float64
	DuplicateSimilarity  float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		AutoApplyThreshold:   0.7,
		MinPatternFrequency:  1,
		MinPatternConfidence: 0.3,
		MaxPatterns:          20,
		DecayAfter:           7 * 24 * time.Hour,
		DecayFactor:          0.95,
		ReinforceIncrement:   0.05,
		DuplicateSimilarity:  0.98,
	}
}

// ledgerEntry tracks one pattern key across learning calls.
type ledgerEntry struct {
	seenCalls    int
	lastCall     int
	boost        float64
	reinforcedAt int
}

// Engine is safe for concurrent use.
type Engine struct {
	scopes   Scopes
	provider embeddings.Provider
	logger   *log.Logger
	cfg      Config
	now      func() time.Time

	mu     sync.Mutex
	calls  int
	ledger map[string]*ledgerEntry
}

// New returns an engine writing through scopes.
func New(scopes Scopes, provider embeddings.Provider, logger *log.Logger, cfg Config) *Engine {
	return &Engine{
		scopes:   scopes,
		provider: provider,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		ledger:   map[string]*ledgerEntry{},
	}
}

// LearnFromConversation detects patterns in messages and applies those whose
// confidence (including reinforcement) reaches the threshold.
func (e *Engine) LearnFromConversation(ctx context.Context, messages []types.ConversationMessage) (types.LearningResult, error) {
	if err := ctx.Err(); err != nil {
		return types.LearningResult{}, err
	}
	found := patterns.DetectConversationPatterns(messages, patterns.Options{
		MinFrequency:  e.cfg.MinPatternFrequency,
		MinConfidence: e.cfg.MinPatternConfidence,
		MaxPatterns:   e.cfg.MaxPatterns,
	})

	boosts, fresh := e.record(found)
	res := types.LearningResult{
		LearningsExtracted:  len(found),
		NewPatternsDetected: fresh,
		Details:             []types.LearningDetail{},
	}

	var total float64
	for i, p := range found {
		conf := round4(math.Min(1, p.Confidence+boosts[i]))
		total += conf
		target := RouteTarget(p.Description, "")
		if target == "" {
			target = fallbackTarget(p.Type)
		}
		l := learning{
			kind:        p.Type,
			description: p.Description,
			value:       p.Value,
			confidence:  conf,
			target:      target,
		}
		if p.Type == types.PatternCorrection {
			l.text = p.Description
			l.right = strings.TrimSpace(strings.TrimPrefix(p.Description, "Correction:"))
			if l.right == "" {
				l.right = p.Value
			}
		}
		if target == types.BlockUser {
			l.prefs = patterns.InferPreferences([]types.DetectedPattern{p})
		}
		detail, wrote := e.gate(ctx, l)
		if wrote {
			res.MemoriesUpdated++
		}
		res.Details = append(res.Details, detail)
	}
	if len(found) > 0 {
		res.Confidence = round4(total / float64(len(found)))
	}
	e.logger.Debug("learned from conversation",
		"messages", len(messages), "patterns", len(found), "updated", res.MemoriesUpdated)
	return res, nil
}

// LearnFromInstruction parses one explicit instruction and applies it. hint,
// when non-empty, selects the target block.
func (e *Engine) LearnFromInstruction(ctx context.Context, text string, hint types.BlockType) (types.LearningResult, error) {
	if strings.TrimSpace(text) == "" {
		return types.LearningResult{}, fmt.Errorf("%w: instruction text is required", types.ErrValidation)
	}
	if hint != "" && !hint.Valid() {
		return types.LearningResult{}, fmt.Errorf("%w: unknown block type %q", types.ErrValidation, hint)
	}

	in := ParseInstruction(text)
	kind := types.PatternPreference
	if in.Kind == KindCorrection {
		kind = types.PatternCorrection
	}
	target := RouteTarget(in.Text, hint)
	if target == "" {
		target = fallbackTarget(kind)
	}

	l := learning{
		kind:        kind,
		description: in.Text,
		text:        in.Text,
		wrong:       in.Wrong,
		right:       in.Right,
		confidence:  in.Confidence,
		target:      target,
	}
	if target == types.BlockUser {
		l.prefs = preferencesFor(in.Text)
	}

	detail, wrote := e.gate(ctx, l)
	res := types.LearningResult{
		LearningsExtracted: 1,
		Confidence:         in.Confidence,
		Details:            []types.LearningDetail{detail},
	}
	if wrote {
		res.MemoriesUpdated = 1
	}
	return res, nil
}

// gate applies l when its confidence reaches the threshold. The bool reports
// whether a block was written.
func (e *Engine) gate(ctx context.Context, l learning) (types.LearningDetail, bool) {
	detail := types.LearningDetail{
		Type:        l.kind,
		Description: l.description,
		Confidence:  l.confidence,
		TargetBlock: l.target,
		Scope:       e.scopes.CurrentScope(),
	}
	if l.confidence < e.cfg.AutoApplyThreshold {
		return detail, false
	}
	wrote, err := e.apply(ctx, detail.Scope, l)
	if err != nil {
		e.logger.Warn("learning not applied", "target", l.target, "scope", detail.Scope, "err", err)
		detail.Error = err.Error()
		return detail, false
	}
	detail.Applied = true
	return detail, wrote
}

func (e *Engine) apply(ctx context.Context, scope types.Scope, l learning) (bool, error) {
	st, err := e.scopes.Store(scope)
	if err != nil {
		return false, err
	}
	now := e.now()
	blk, outcome, err := st.UpdateBlock(ctx, l.target, scope, func(current types.BlockContent, _ bool) (types.BlockContent, bool, error) {
		merged, changed := mergeLearning(current, l, now)
		return merged, changed, nil
	})
	if err != nil {
		return false, err
	}
	if outcome == store.BlockUnchanged {
		return false, nil
	}
	if err := e.index(ctx, scope, blk.ID, l.confidence, outcome == store.BlockCreated); err != nil {
		// The write itself succeeded; search regenerates missing embeddings.
		e.logger.Warn("index learned block", "id", blk.ID, "err", err)
	}
	return true, nil
}

// index refreshes the enhanced attributes of a block written by learning.
// It reads the block back so a later concurrent write is what gets embedded.
func (e *Engine) index(ctx context.Context, scope types.Scope, id string, confidence float64, created bool) error {
	es, err := e.scopes.Enhanced(scope)
	if err != nil {
		return err
	}
	current, found, err := es.GetEnhancedBlock(ctx, id)
	if err != nil || !found {
		return err
	}

	vec, err := e.provider.Embed(ctx, search.PrepareContentForEmbedding(current.Content))
	if err != nil {
		return fmt.Errorf("embed block: %w", err)
	}
	if err := es.UpdateBlockEmbeddings(ctx, id, vec); err != nil {
		return err
	}

	tags := tagger.ExtractTags(current.Type, current.Content)
	if err := es.UpdateBlockTags(ctx, id, tagger.MergeTags(current.ContextTags, tags.Tags)); err != nil {
		return err
	}
	prev := 0.0
	if current.ConfidenceLevel != nil {
		prev = *current.ConfidenceLevel
	}
	if err := es.UpdateBlockConfidence(ctx, id, math.Max(prev, confidence)); err != nil {
		return err
	}
	if created {
		return es.MarkAutoGenerated(ctx, id, true)
	}
	return nil
}

// record notes the detected patterns in the ledger and returns each pattern's
// accumulated boost plus the number of never-seen keys.
func (e *Engine) record(found []types.DetectedPattern) ([]float64, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++

	boosts := make([]float64, len(found))
	fresh := 0
	for i, p := range found {
		key := p.Key()
		entry, ok := e.ledger[key]
		if !ok {
			entry = &ledgerEntry{}
			e.ledger[key] = entry
			fresh++
		}
		if entry.lastCall != e.calls {
			entry.seenCalls++
			entry.lastCall = e.calls
		}
		boosts[i] = entry.boost
	}
	return boosts, fresh
}

// reinforce raises the boost of every pattern seen in at least two learning
// calls and seen again since its last reinforcement.
func (e *Engine) reinforce() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, entry := range e.ledger {
		if entry.seenCalls < 2 || entry.seenCalls == entry.reinforcedAt {
			continue
		}
		entry.boost = math.Min(1, entry.boost+e.cfg.ReinforceIncrement)
		entry.reinforcedAt = entry.seenCalls
		n++
	}
	return n
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
