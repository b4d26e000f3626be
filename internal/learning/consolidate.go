package learning

import (
	"context"
	"fmt"
	"time"

	"github.com/xiy/agent-memory/internal/search"
	"github.com/xiy/agent-memory/internal/store"
	"github.com/xiy/agent-memory/pkg/types"
)

var bothScopes = []types.Scope{types.ScopeProject, types.ScopeGlobal}

// ConsolidateMemory runs one maintenance pass over both scopes:
//
//  1. repeated list entries inside a block are removed;
//  2. a project block that duplicates the global block of the same type is
//     deleted, so merged reads fall through to the global copy;
//  3. relevance of blocks not accessed within DecayAfter is multiplied by
//     DecayFactor;
//  4. patterns seen in two or more learning calls are reinforced.
func (e *Engine) ConsolidateMemory(ctx context.Context) (types.ConsolidationResult, error) {
	start := time.Now()
	var res types.ConsolidationResult

	n, err := e.dedupeBlocks(ctx)
	if err != nil {
		return res, err
	}
	res.BlocksConsolidated += n

	n, err = e.dropDuplicateProjectBlocks(ctx)
	if err != nil {
		return res, err
	}
	res.BlocksConsolidated += n

	if res.BlocksDecayed, err = e.decay(ctx); err != nil {
		return res, err
	}
	res.PatternsReinforced = e.reinforce()
	res.Duration = time.Since(start)

	e.logger.Info("memory consolidated",
		"consolidated", res.BlocksConsolidated,
		"decayed", res.BlocksDecayed,
		"reinforced", res.PatternsReinforced,
		"duration", res.Duration)
	return res, nil
}

func (e *Engine) dedupeBlocks(ctx context.Context) (int, error) {
	count := 0
	for _, sc := range bothScopes {
		st, err := e.scopes.Store(sc)
		if err != nil {
			return count, err
		}
		blocks, err := st.GetAllBlocks(ctx, sc)
		if err != nil {
			return count, err
		}
		for _, blk := range blocks {
			_, outcome, err := st.UpdateBlock(ctx, blk.Type, sc, func(current types.BlockContent, found bool) (types.BlockContent, bool, error) {
				if !found {
					return current, false, nil
				}
				next, changed := dedupeContent(current)
				return next, changed, nil
			})
			if err != nil {
				return count, fmt.Errorf("save deduplicated %s block: %w", blk.Type, err)
			}
			if outcome == store.BlockUpdated {
				count++
			}
		}
	}
	return count, nil
}

func (e *Engine) dropDuplicateProjectBlocks(ctx context.Context) (int, error) {
	project, err := e.scopes.Store(types.ScopeProject)
	if err != nil {
		return 0, err
	}
	global, err := e.scopes.Store(types.ScopeGlobal)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, t := range types.BlockTypes {
		pb, pFound, err := project.GetBlock(ctx, t, types.ScopeProject)
		if err != nil {
			return count, err
		}
		gb, gFound, err := global.GetBlock(ctx, t, types.ScopeGlobal)
		if err != nil {
			return count, err
		}
		if !pFound || !gFound {
			continue
		}

		ptext := search.PrepareContentForEmbedding(pb.Content)
		gtext := search.PrepareContentForEmbedding(gb.Content)
		duplicate := ptext == gtext
		if !duplicate {
			pv, err := e.provider.Embed(ctx, ptext)
			if err != nil {
				return count, err
			}
			gv, err := e.provider.Embed(ctx, gtext)
			if err != nil {
				return count, err
			}
			duplicate = search.CosineSimilarity(pv, gv) >= e.cfg.DuplicateSimilarity
		}
		if !duplicate {
			continue
		}
		// A learning that landed meanwhile keeps the project block.
		deleted, err := project.DeleteBlockIfVersion(ctx, pb.ID, pb.Version)
		if err != nil {
			return count, err
		}
		if !deleted {
			continue
		}
		e.logger.Debug("dropped project block duplicating global", "type", t, "id", pb.ID)
		count++
	}
	return count, nil
}

func (e *Engine) decay(ctx context.Context) (int, error) {
	if e.cfg.DecayAfter <= 0 || e.cfg.DecayFactor <= 0 || e.cfg.DecayFactor >= 1 {
		return 0, nil
	}
	cutoff := e.now().Add(-e.cfg.DecayAfter)
	count := 0
	for _, sc := range bothScopes {
		es, err := e.scopes.Enhanced(sc)
		if err != nil {
			return count, err
		}
		blocks, err := es.GetEnhancedBlocks(ctx, sc)
		if err != nil {
			return count, err
		}
		for _, blk := range blocks {
			last := blk.UpdatedAt
			if blk.LastAccessedAt != nil && blk.LastAccessedAt.After(last) {
				last = *blk.LastAccessedAt
			}
			if !last.Before(cutoff) {
				continue
			}
			if _, err := es.DecayRelevance(ctx, blk.ID, e.cfg.DecayFactor); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}
