package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiy/agent-memory/pkg/types"
)

const agentColumns = `id, name, model, memory_block_ids_json, settings_json, created_at, last_used`

// CreateAgent inserts a new agent record. An empty ID is generated.
func (s *SQLiteStore) CreateAgent(ctx context.Context, rec types.AgentRecord) (types.AgentRecord, error) {
	if strings.TrimSpace(rec.Model) == "" {
		return rec, fmt.Errorf("%w: agent model is required", types.ErrValidation)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.MemoryBlockIDs == nil {
		rec.MemoryBlockIDs = []string{}
	}
	ids, err := marshalJSON(rec.MemoryBlockIDs, "[]")
	if err != nil {
		return rec, fmt.Errorf("%w: marshal memory block ids: %v", types.ErrValidation, err)
	}
	settings, err := marshalJSON(rec.Settings, "{}")
	if err != nil {
		return rec, fmt.Errorf("%w: marshal settings: %v", types.ErrValidation, err)
	}

	now := s.now()
	rec.CreatedAt = now
	rec.LastUsed = now
	_, err = s.db.ExecContext(ctx, `INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.Model, ids, settings, formatTime(now), formatTime(now),
	)
	if err != nil {
		return rec, storeErr("insert agent", err)
	}
	return rec, nil
}

// GetAgent returns the agent with id; found is false when absent.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (types.AgentRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	rec, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.AgentRecord{}, false, nil
	}
	if err != nil {
		return types.AgentRecord{}, false, storeErr("get agent", err)
	}
	return rec, true, nil
}

// ListAgents returns all agents, most recently used first.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]types.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY last_used DESC`)
	if err != nil {
		return nil, storeErr("list agents", err)
	}
	defer rows.Close()

	var out []types.AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, storeErr("scan agent", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list agents", err)
	}
	return out, nil
}

// UpdateAgentLastUsed touches the agent. The stored value always moves forward,
// even when the wall clock has not.
func (s *SQLiteStore) UpdateAgentLastUsed(ctx context.Context, id string) (time.Time, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, storeErr("begin touch agent", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last string
	err = tx.QueryRowContext(ctx, `SELECT last_used FROM agents WHERE id = ?`, id).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return time.Time{}, storeErr("load agent", err)
	}
	prev, err := parseTime(last)
	if err != nil {
		return time.Time{}, storeErr("parse last_used", err)
	}
	now := s.now()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE agents SET last_used = ? WHERE id = ?`, formatTime(now), id); err != nil {
		return time.Time{}, storeErr("touch agent", err)
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, storeErr("commit touch agent", err)
	}
	return now, nil
}

func scanAgent(sc scanner) (types.AgentRecord, error) {
	var (
		rec                 types.AgentRecord
		idsJSON, settings   string
		createdAt, lastUsed string
	)
	if err := sc.Scan(&rec.ID, &rec.Name, &rec.Model, &idsJSON, &settings, &createdAt, &lastUsed); err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(idsJSON), &rec.MemoryBlockIDs); err != nil || rec.MemoryBlockIDs == nil {
		rec.MemoryBlockIDs = []string{}
	}
	if err := json.Unmarshal([]byte(settings), &rec.Settings); err != nil || len(rec.Settings) == 0 {
		rec.Settings = nil
	}
	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, err
	}
	if rec.LastUsed, err = parseTime(lastUsed); err != nil {
		return rec, err
	}
	return rec, nil
}
