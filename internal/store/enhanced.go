package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/xiy/agent-memory/pkg/types"
)

const (
	// DefaultRelevance seeds the relevance update for blocks that were never scored.
	DefaultRelevance = 0.5

	relevanceRetain = 0.9
	relevanceAccess = 0.1
)

// AccessFactor maps an access count onto [0,1], saturating at 10 accesses.
func AccessFactor(accessCount int) float64 {
	if accessCount <= 0 {
		return 0
	}
	return math.Min(float64(accessCount)/10.0, 1.0)
}

// NextRelevance moves current a tenth of the way toward the access factor.
func NextRelevance(current float64, accessCount int) float64 {
	return current*relevanceRetain + AccessFactor(accessCount)*relevanceAccess
}

// EnhancedStore reads and updates the search/learning attributes of blocks held
// by a SQLiteStore. Each update touches only its own column.
type EnhancedStore struct {
	base *SQLiteStore
}

// NewEnhanced wraps base.
func NewEnhanced(base *SQLiteStore) *EnhancedStore {
	return &EnhancedStore{base: base}
}

// Base returns the wrapped block store.
func (e *EnhancedStore) Base() *SQLiteStore { return e.base }

const enhancedColumns = blockColumns + `, embedding, relevance_score, access_count, context_tags_json, confidence_level, auto_generated, last_accessed_at`

// GetEnhancedBlock returns the block with id and its enhanced attributes.
func (e *EnhancedStore) GetEnhancedBlock(ctx context.Context, id string) (types.EnhancedBlock, bool, error) {
	row := e.base.db.QueryRowContext(ctx, `SELECT `+enhancedColumns+` FROM blocks WHERE id = ?`, id)
	blk, err := scanEnhanced(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.EnhancedBlock{}, false, nil
	}
	if err != nil {
		return types.EnhancedBlock{}, false, storeErr("get enhanced block", err)
	}
	return blk, true, nil
}

// GetEnhancedBlocks lists every block in scope with enhanced attributes.
func (e *EnhancedStore) GetEnhancedBlocks(ctx context.Context, scope types.Scope) ([]types.EnhancedBlock, error) {
	return e.query(ctx, "list enhanced blocks",
		`SELECT `+enhancedColumns+` FROM blocks WHERE scope = ? ORDER BY type`, string(scope))
}

// GetBlocksByRelevance returns blocks whose relevance is at least minScore.
// Blocks that were never scored are excluded.
func (e *EnhancedStore) GetBlocksByRelevance(ctx context.Context, minScore float64) ([]types.EnhancedBlock, error) {
	return e.query(ctx, "list blocks by relevance",
		`SELECT `+enhancedColumns+` FROM blocks WHERE relevance_score IS NOT NULL AND relevance_score >= ? ORDER BY relevance_score DESC`,
		minScore)
}

// GetBlocksByTags returns blocks carrying at least one of tags.
func (e *EnhancedStore) GetBlocksByTags(ctx context.Context, tags []string) ([]types.EnhancedBlock, error) {
	want := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			want[t] = struct{}{}
		}
	}
	if len(want) == 0 {
		return nil, nil
	}
	all, err := e.query(ctx, "list blocks by tags", `SELECT `+enhancedColumns+` FROM blocks ORDER BY type`)
	if err != nil {
		return nil, err
	}
	var out []types.EnhancedBlock
	for _, blk := range all {
		for _, t := range blk.ContextTags {
			if _, ok := want[t]; ok {
				out = append(out, blk)
				break
			}
		}
	}
	return out, nil
}

// UpdateBlockEmbeddings stores vec for the block.
func (e *EnhancedStore) UpdateBlockEmbeddings(ctx context.Context, id string, vec []float32) error {
	return e.updateColumn(ctx, "update embedding", `UPDATE blocks SET embedding = ? WHERE id = ?`, id, encodeVector(vec))
}

// UpdateBlockTags replaces the block's context tags with the normalized set.
func (e *EnhancedStore) UpdateBlockTags(ctx context.Context, id string, tags []string) error {
	raw, err := json.Marshal(normalizeTags(tags))
	if err != nil {
		return fmt.Errorf("%w: marshal tags: %v", types.ErrValidation, err)
	}
	return e.updateColumn(ctx, "update tags", `UPDATE blocks SET context_tags_json = ? WHERE id = ?`, id, string(raw))
}

// SetBlockRelevance overwrites the relevance score.
func (e *EnhancedStore) SetBlockRelevance(ctx context.Context, id string, score float64) error {
	if err := types.ValidateScore("relevance", score); err != nil {
		return err
	}
	return e.updateColumn(ctx, "set relevance", `UPDATE blocks SET relevance_score = ? WHERE id = ?`, id, score)
}

// UpdateBlockConfidence overwrites the confidence level.
func (e *EnhancedStore) UpdateBlockConfidence(ctx context.Context, id string, confidence float64) error {
	if err := types.ValidateScore("confidence", confidence); err != nil {
		return err
	}
	return e.updateColumn(ctx, "update confidence", `UPDATE blocks SET confidence_level = ? WHERE id = ?`, id, confidence)
}

// MarkAutoGenerated flags whether the block was created by learning.
func (e *EnhancedStore) MarkAutoGenerated(ctx context.Context, id string, auto bool) error {
	v := 0
	if auto {
		v = 1
	}
	return e.updateColumn(ctx, "mark auto generated", `UPDATE blocks SET auto_generated = ? WHERE id = ?`, id, v)
}

// UpdateBlockRelevance recomputes relevance from the current access count
// without recording an access.
func (e *EnhancedStore) UpdateBlockRelevance(ctx context.Context, id string) (float64, error) {
	return e.bumpRelevance(ctx, id, false)
}

// RecordAccess counts one access of the block and folds it into relevance.
// Search never calls this; callers record access when they use a result.
func (e *EnhancedStore) RecordAccess(ctx context.Context, id string) (float64, error) {
	return e.bumpRelevance(ctx, id, true)
}

func (e *EnhancedStore) bumpRelevance(ctx context.Context, id string, access bool) (float64, error) {
	tx, err := e.base.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin relevance update", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		relevance sql.NullFloat64
		count     int
	)
	err = tx.QueryRowContext(ctx, `SELECT relevance_score, access_count FROM blocks WHERE id = ?`, id).Scan(&relevance, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("block %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, storeErr("load relevance", err)
	}

	current := DefaultRelevance
	if relevance.Valid {
		current = relevance.Float64
	}
	if access {
		count++
	}
	next := NextRelevance(current, count)

	if access {
		_, err = tx.ExecContext(ctx,
			`UPDATE blocks SET relevance_score = ?, access_count = ?, last_accessed_at = ? WHERE id = ?`,
			next, count, formatTime(e.base.now()), id)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE blocks SET relevance_score = ? WHERE id = ?`, next, id)
	}
	if err != nil {
		return 0, storeErr("update relevance", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit relevance update", err)
	}
	return next, nil
}

// DecayRelevance multiplies the block's relevance by factor. Unscored blocks
// decay from DefaultRelevance.
func (e *EnhancedStore) DecayRelevance(ctx context.Context, id string, factor float64) (float64, error) {
	if err := types.ValidateScore("decay factor", factor); err != nil {
		return 0, err
	}
	res, err := e.base.db.ExecContext(ctx,
		`UPDATE blocks SET relevance_score = COALESCE(relevance_score, ?) * ? WHERE id = ?`,
		DefaultRelevance, factor, id)
	if err != nil {
		return 0, storeErr("decay relevance", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, storeErr("decay relevance rows affected", err)
	} else if n == 0 {
		return 0, fmt.Errorf("block %s: %w", id, ErrNotFound)
	}
	var v float64
	if err := e.base.db.QueryRowContext(ctx, `SELECT relevance_score FROM blocks WHERE id = ?`, id).Scan(&v); err != nil {
		return 0, storeErr("read decayed relevance", err)
	}
	return v, nil
}

func (e *EnhancedStore) updateColumn(ctx context.Context, op, q, id string, value any) error {
	res, err := e.base.db.ExecContext(ctx, q, value, id)
	if err != nil {
		return storeErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(op+" rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("block %s: %w", id, ErrNotFound)
	}
	return nil
}

func (e *EnhancedStore) query(ctx context.Context, op, q string, args ...any) ([]types.EnhancedBlock, error) {
	rows, err := e.base.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []types.EnhancedBlock
	for rows.Next() {
		blk, err := scanEnhanced(rows)
		if err != nil {
			return nil, storeErr("scan enhanced block", err)
		}
		out = append(out, blk)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

func scanEnhanced(sc scanner) (types.EnhancedBlock, error) {
	var (
		blk                  types.EnhancedBlock
		blockType, scope     string
		contentJSON          string
		createdAt, updatedAt string
		embedding            []byte
		relevance            sql.NullFloat64
		tagsJSON             string
		confidence           sql.NullFloat64
		auto                 int
		lastAccessed         sql.NullString
	)
	if err := sc.Scan(
		&blk.ID, &blockType, &scope, &contentJSON, &blk.Version, &createdAt, &updatedAt,
		&embedding, &relevance, &blk.AccessCount, &tagsJSON, &confidence, &auto, &lastAccessed,
	); err != nil {
		return blk, err
	}
	base, err := finishBlock(blk.MemoryBlock, blockType, scope, contentJSON, createdAt, updatedAt)
	if err != nil {
		return blk, err
	}
	blk.MemoryBlock = base
	blk.Embedding = decodeVector(embedding)
	if relevance.Valid {
		v := relevance.Float64
		blk.RelevanceScore = &v
	}
	if confidence.Valid {
		v := confidence.Float64
		blk.ConfidenceLevel = &v
	}
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &blk.ContextTags); err != nil {
			return blk, fmt.Errorf("decode context tags of %s: %w", blk.ID, err)
		}
	}
	blk.AutoGenerated = auto == 1
	blk.LastAccessedAt = parseNullTime(lastAccessed)
	return blk, nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
