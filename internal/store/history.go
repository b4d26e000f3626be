package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiy/agent-memory/pkg/types"
)

// AddMessage appends one conversation turn for agentID.
func (s *SQLiteStore) AddMessage(ctx context.Context, agentID string, role types.Role, content string, metadata map[string]any) (types.ConversationMessage, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return types.ConversationMessage{}, fmt.Errorf("%w: agent id is required", types.ErrValidation)
	}
	r, err := types.ParseRole(string(role))
	if err != nil {
		return types.ConversationMessage{}, err
	}
	metaJSON, err := marshalJSON(metadata, "{}")
	if err != nil {
		return types.ConversationMessage{}, fmt.Errorf("%w: marshal metadata: %v", types.ErrValidation, err)
	}

	msg := types.ConversationMessage{
		AgentID:   agentID,
		Role:      r,
		Content:   content,
		Metadata:  metadata,
		Timestamp: s.now(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (agent_id, role, content, metadata_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.AgentID, string(msg.Role), msg.Content, metaJSON, formatTime(msg.Timestamp),
	)
	if err != nil {
		return types.ConversationMessage{}, storeErr("insert message", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		msg.ID = id
	}
	return msg, nil
}

// GetHistory returns agentID's messages in chronological order. With limit > 0
// it returns the most recent limit messages, still oldest first.
func (s *SQLiteStore) GetHistory(ctx context.Context, agentID string, limit int) ([]types.ConversationMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, agent_id, role, content, metadata_json, created_at FROM (
	SELECT id, agent_id, role, content, metadata_json, created_at
	FROM messages
	WHERE agent_id = ?
	ORDER BY created_at DESC, id DESC
	LIMIT ?
) ORDER BY created_at ASC, id ASC`, agentID, limit)
	if err != nil {
		return nil, storeErr("list messages", err)
	}
	defer rows.Close()

	var out []types.ConversationMessage
	for rows.Next() {
		var (
			msg       types.ConversationMessage
			role      string
			metaJSON  string
			createdAt string
		)
		if err := rows.Scan(&msg.ID, &msg.AgentID, &role, &msg.Content, &metaJSON, &createdAt); err != nil {
			return nil, storeErr("scan message", err)
		}
		msg.Role = types.Role(role)
		if err := json.Unmarshal([]byte(metaJSON), &msg.Metadata); err != nil || len(msg.Metadata) == 0 {
			msg.Metadata = nil
		}
		ts, err := parseTime(createdAt)
		if err != nil {
			return nil, storeErr("parse message time", err)
		}
		msg.Timestamp = ts
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list messages", err)
	}
	return out, nil
}

// ClearHistory deletes agentID's messages and returns how many were removed.
// Blocks and other agents' messages are untouched.
func (s *SQLiteStore) ClearHistory(ctx context.Context, agentID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE agent_id = ?`, agentID)
	if err != nil {
		return 0, storeErr("clear history", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("clear history rows affected", err)
	}
	return n, nil
}
