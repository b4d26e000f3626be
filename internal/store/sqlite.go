package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/xiy/agent-memory/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// maxSaveAttempts bounds the compare-and-swap retry loop in SaveBlock.
const maxSaveAttempts = 3

// Stats summarizes row counts for admin dashboards.
type Stats struct {
	Blocks        int64
	Messages      int64
	Agents        int64
	SchemaVersion int
}

// BlockStore is the block persistence used by the scope manager and learning engine.
type BlockStore interface {
	SaveBlock(ctx context.Context, scope types.Scope, content types.BlockContent) (types.MemoryBlock, error)
	UpdateBlock(ctx context.Context, blockType types.BlockType, scope types.Scope, mutate BlockMutator) (types.MemoryBlock, BlockOutcome, error)
	GetBlock(ctx context.Context, blockType types.BlockType, scope types.Scope) (types.MemoryBlock, bool, error)
	GetBlockByID(ctx context.Context, id string) (types.MemoryBlock, bool, error)
	GetAllBlocks(ctx context.Context, scope types.Scope) ([]types.MemoryBlock, error)
	DeleteBlock(ctx context.Context, id string) error
	Close() error
}

// SQLiteStore is a SQLite-backed block store. One file holds one scope.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *log.Logger
	now    func() time.Time
}

var _ BlockStore = (*SQLiteStore)(nil)

// OpenSQLite opens the database at dbPath, creating it and bringing the schema
// up to date. Opening an initialized database again is a no-op for the schema.
func OpenSQLite(ctx context.Context, dbPath string, logger *log.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, storeErr("open sqlite", err)
	}

	// One connection serializes writers; WAL keeps readers of other
	// processes unblocked.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		db:     db,
		path:   dbPath,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) init(ctx context.Context) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA foreign_keys=ON`,
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return storeErr("apply pragma", err)
		}
	}
	return s.migrate(ctx)
}

func splitSQLStatements(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p+";")
	}
	return out
}

// BlockOutcome reports what UpdateBlock did to the stored row.
type BlockOutcome int

const (
	BlockUnchanged BlockOutcome = iota
	BlockCreated
	BlockUpdated
)

// BlockMutator derives the next content of a block from its stored content.
// current is the empty content of the type when found is false; returning
// changed=false skips the write. It runs inside the write transaction and is
// re-run after a conflict, so it must not call back into the store.
type BlockMutator func(current types.BlockContent, found bool) (next types.BlockContent, changed bool, err error)

// SaveBlock upserts the block for (content type, scope). A new pair starts at
// version 1; an existing pair is replaced in place with version+1.
func (s *SQLiteStore) SaveBlock(ctx context.Context, scope types.Scope, content types.BlockContent) (types.MemoryBlock, error) {
	if !scope.Valid() {
		return types.MemoryBlock{}, fmt.Errorf("%w: unsupported scope %q", types.ErrValidation, scope)
	}
	if content == nil {
		return types.MemoryBlock{}, fmt.Errorf("%w: content is required", types.ErrValidation)
	}
	if err := types.ValidateContent(content.BlockType(), content); err != nil {
		return types.MemoryBlock{}, err
	}
	blk, _, err := s.UpdateBlock(ctx, content.BlockType(), scope, func(types.BlockContent, bool) (types.BlockContent, bool, error) {
		return content, true, nil
	})
	return blk, err
}

// UpdateBlock reads the block for (blockType, scope), applies mutate and writes
// the result in one transaction. Writers that raced it cause mutate to run
// again on the fresh content, up to maxSaveAttempts times.
func (s *SQLiteStore) UpdateBlock(ctx context.Context, blockType types.BlockType, scope types.Scope, mutate BlockMutator) (types.MemoryBlock, BlockOutcome, error) {
	if !scope.Valid() {
		return types.MemoryBlock{}, BlockUnchanged, fmt.Errorf("%w: unsupported scope %q", types.ErrValidation, scope)
	}
	if !blockType.Valid() {
		return types.MemoryBlock{}, BlockUnchanged, fmt.Errorf("%w: unsupported block type %q", types.ErrValidation, blockType)
	}

	var lastErr error
	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		blk, outcome, err := s.updateOnce(ctx, blockType, scope, mutate)
		if err == nil {
			return blk, outcome, nil
		}
		if !errors.Is(err, ErrConflict) {
			return types.MemoryBlock{}, BlockUnchanged, err
		}
		lastErr = err
		s.logger.Debug("block save conflict; retrying", "type", blockType, "scope", scope, "attempt", attempt)
	}
	return types.MemoryBlock{}, BlockUnchanged, fmt.Errorf("save %s/%s after %d attempts: %w", blockType, scope, maxSaveAttempts, lastErr)
}

func (s *SQLiteStore) updateOnce(ctx context.Context, blockType types.BlockType, scope types.Scope, mutate BlockMutator) (types.MemoryBlock, BlockOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.MemoryBlock{}, BlockUnchanged, storeErr("begin save", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id                   string
		version              int
		oldContent           string
		createdAt, updatedAt string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, version, content_json, created_at, updated_at FROM blocks WHERE type = ? AND scope = ?`,
		string(blockType), string(scope),
	).Scan(&id, &version, &oldContent, &createdAt, &updatedAt)
	found := true
	if errors.Is(err, sql.ErrNoRows) {
		found = false
	} else if err != nil {
		return types.MemoryBlock{}, BlockUnchanged, storeErr("load block for save", err)
	}

	var current types.BlockContent
	if found {
		current, err = types.DecodeContent(blockType, []byte(oldContent))
	} else {
		current, err = types.EmptyContent(blockType)
	}
	if err != nil {
		return types.MemoryBlock{}, BlockUnchanged, storeErr("decode block for save", err)
	}

	content, changed, err := mutate(current, found)
	if err != nil {
		return types.MemoryBlock{}, BlockUnchanged, err
	}
	if !changed {
		if !found {
			return types.MemoryBlock{}, BlockUnchanged, nil
		}
		blk, err := finishBlock(types.MemoryBlock{ID: id, Version: version}, string(blockType), string(scope), oldContent, createdAt, updatedAt)
		if err != nil {
			return types.MemoryBlock{}, BlockUnchanged, storeErr("load block for save", err)
		}
		return blk, BlockUnchanged, nil
	}
	if content == nil || content.BlockType() != blockType {
		return types.MemoryBlock{}, BlockUnchanged, fmt.Errorf("%w: content does not match block type %q", types.ErrValidation, blockType)
	}
	if err := types.ValidateContent(blockType, content); err != nil {
		return types.MemoryBlock{}, BlockUnchanged, err
	}
	rawBytes, err := json.Marshal(content)
	if err != nil {
		return types.MemoryBlock{}, BlockUnchanged, fmt.Errorf("%w: marshal content: %v", types.ErrValidation, err)
	}
	raw := string(rawBytes)

	now := s.now()
	if !found {
		blk := types.MemoryBlock{
			ID:        uuid.NewString(),
			Type:      blockType,
			Scope:     scope,
			Content:   content,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO blocks (id, type, scope, content_json, version, created_at, updated_at) VALUES (?, ?, ?, ?, 1, ?, ?)`,
			blk.ID, string(blockType), string(scope), raw, formatTime(now), formatTime(now),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return types.MemoryBlock{}, BlockUnchanged, fmt.Errorf("%w: %s/%s inserted concurrently", ErrConflict, blockType, scope)
			}
			return types.MemoryBlock{}, BlockUnchanged, storeErr("insert block", err)
		}
		if err := tx.Commit(); err != nil {
			return types.MemoryBlock{}, BlockUnchanged, storeErr("commit insert block", err)
		}
		return blk, BlockCreated, nil
	}

	created, err := parseTime(createdAt)
	if err != nil {
		return types.MemoryBlock{}, BlockUnchanged, storeErr("parse created_at", err)
	}
	prev, err := parseTime(updatedAt)
	if err != nil {
		return types.MemoryBlock{}, BlockUnchanged, storeErr("parse updated_at", err)
	}
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}

	// Changed content invalidates the stored embedding.
	q := `UPDATE blocks SET content_json = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`
	if oldContent != raw {
		q = `UPDATE blocks SET content_json = ?, version = version + 1, updated_at = ?, embedding = NULL WHERE id = ? AND version = ?`
	}
	res, err := tx.ExecContext(ctx, q, raw, formatTime(now), id, version)
	if err != nil {
		return types.MemoryBlock{}, BlockUnchanged, storeErr("update block", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return types.MemoryBlock{}, BlockUnchanged, storeErr("update block rows affected", err)
	}
	if n == 0 {
		return types.MemoryBlock{}, BlockUnchanged, fmt.Errorf("%w: %s/%s changed from version %d", ErrConflict, blockType, scope, version)
	}
	if err := tx.Commit(); err != nil {
		return types.MemoryBlock{}, BlockUnchanged, storeErr("commit update block", err)
	}

	return types.MemoryBlock{
		ID:        id,
		Type:      blockType,
		Scope:     scope,
		Content:   content,
		Version:   version + 1,
		CreatedAt: created,
		UpdatedAt: now,
	}, BlockUpdated, nil
}

const blockColumns = `id, type, scope, content_json, version, created_at, updated_at`

// GetBlock returns the block for (blockType, scope); found is false when absent.
func (s *SQLiteStore) GetBlock(ctx context.Context, blockType types.BlockType, scope types.Scope) (types.MemoryBlock, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE type = ? AND scope = ? LIMIT 1`,
		string(blockType), string(scope),
	)
	blk, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.MemoryBlock{}, false, nil
	}
	if err != nil {
		return types.MemoryBlock{}, false, storeErr("get block", err)
	}
	return blk, true, nil
}

// GetBlockByID returns the block with id; found is false when absent.
func (s *SQLiteStore) GetBlockByID(ctx context.Context, id string) (types.MemoryBlock, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id = ? LIMIT 1`, id)
	blk, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.MemoryBlock{}, false, nil
	}
	if err != nil {
		return types.MemoryBlock{}, false, storeErr("get block by id", err)
	}
	return blk, true, nil
}

// GetAllBlocks lists every block stored for scope.
func (s *SQLiteStore) GetAllBlocks(ctx context.Context, scope types.Scope) ([]types.MemoryBlock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE scope = ? ORDER BY type`, string(scope))
	if err != nil {
		return nil, storeErr("list blocks", err)
	}
	defer rows.Close()

	var out []types.MemoryBlock
	for rows.Next() {
		blk, err := scanBlock(rows)
		if err != nil {
			return nil, storeErr("scan block", err)
		}
		out = append(out, blk)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list blocks", err)
	}
	return out, nil
}

// RecentBlocks returns up to limit blocks, most recently updated first.
func (s *SQLiteStore) RecentBlocks(ctx context.Context, limit int) ([]types.MemoryBlock, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM blocks ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storeErr("recent blocks", err)
	}
	defer rows.Close()

	var out []types.MemoryBlock
	for rows.Next() {
		blk, err := scanBlock(rows)
		if err != nil {
			return nil, storeErr("scan block", err)
		}
		out = append(out, blk)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("recent blocks", err)
	}
	return out, nil
}

// DeleteBlock removes the block with id. Unknown ids are not an error.
func (s *SQLiteStore) DeleteBlock(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete block", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("block deleted", "id", id, "db", s.path)
	}
	return nil
}

// DeleteBlockIfVersion removes the block with id only while it is still at
// version. It reports whether a row was removed.
func (s *SQLiteStore) DeleteBlockIfVersion(ctx context.Context, id string, version int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE id = ? AND version = ?`, id, version)
	if err != nil {
		return false, storeErr("delete block", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("delete block rows affected", err)
	}
	return n > 0, nil
}

// Stats returns row counts for the admin dashboard.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM blocks`).Scan(&st.Blocks); err != nil {
		return st, storeErr("count blocks", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM messages`).Scan(&st.Messages); err != nil {
		return st, storeErr("count messages", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM agents`).Scan(&st.Agents); err != nil {
		return st, storeErr("count agents", err)
	}
	v, err := s.SchemaVersion(ctx)
	if err != nil {
		return st, err
	}
	st.SchemaVersion = v
	return st, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBlock(sc scanner) (types.MemoryBlock, error) {
	var (
		blk                  types.MemoryBlock
		blockType, scope     string
		contentJSON          string
		createdAt, updatedAt string
	)
	if err := sc.Scan(&blk.ID, &blockType, &scope, &contentJSON, &blk.Version, &createdAt, &updatedAt); err != nil {
		return blk, err
	}
	return finishBlock(blk, blockType, scope, contentJSON, createdAt, updatedAt)
}

func finishBlock(blk types.MemoryBlock, blockType, scope, contentJSON, createdAt, updatedAt string) (types.MemoryBlock, error) {
	blk.Type = types.BlockType(blockType)
	blk.Scope = types.Scope(scope)
	content, err := types.DecodeContent(blk.Type, []byte(contentJSON))
	if err != nil {
		return blk, err
	}
	blk.Content = content
	if blk.CreatedAt, err = parseTime(createdAt); err != nil {
		return blk, err
	}
	if blk.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return blk, err
	}
	return blk, nil
}
