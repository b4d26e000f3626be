package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrValidation marks malformed input: unknown block type or scope, content that
// does not match its block type, or scores outside [0,1].
var ErrValidation = errors.New("validation failed")

// BlockType names one of the memory block kinds.
type BlockType string

const (
	BlockPersona     BlockType = "persona"
	BlockProject     BlockType = "project"
	BlockUser        BlockType = "user"
	BlockCorrections BlockType = "corrections"
)

// BlockTypes lists every known block type in a stable order.
var BlockTypes = []BlockType{BlockPersona, BlockProject, BlockUser, BlockCorrections}

// Valid reports whether t is a known block type.
func (t BlockType) Valid() bool {
	switch t {
	case BlockPersona, BlockProject, BlockUser, BlockCorrections:
		return true
	}
	return false
}

// ParseBlockType normalizes and validates a block type name.
func ParseBlockType(s string) (BlockType, error) {
	t := BlockType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown block type %q", ErrValidation, s)
	}
	return t, nil
}

// Scope is the namespace a block lives in.
type Scope string

const (
	ScopeProject Scope = "project"
	ScopeGlobal  Scope = "global"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeProject || s == ScopeGlobal
}

// ParseScope normalizes and validates a scope name.
func ParseScope(s string) (Scope, error) {
	sc := Scope(strings.ToLower(strings.TrimSpace(s)))
	if !sc.Valid() {
		return "", fmt.Errorf("%w: unsupported scope %q", ErrValidation, s)
	}
	return sc, nil
}

// MemoryBlock is one typed, versioned fact record.
type MemoryBlock struct {
	ID        string       `json:"id"`
	Type      BlockType    `json:"type"`
	Scope     Scope        `json:"scope"`
	Content   BlockContent `json:"content"`
	Version   int          `json:"version"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// EnhancedBlock is a MemoryBlock plus search and learning metadata.
type EnhancedBlock struct {
	MemoryBlock
	Embedding       []float32  `json:"embedding,omitempty"`
	RelevanceScore  *float64   `json:"relevance_score,omitempty"`
	AccessCount     int        `json:"access_count"`
	ContextTags     []string   `json:"context_tags,omitempty"`
	ConfidenceLevel *float64   `json:"confidence_level,omitempty"`
	AutoGenerated   bool       `json:"auto_generated"`
	LastAccessedAt  *time.Time `json:"last_accessed_at,omitempty"`
}

// Relevance returns the relevance score, or fallback when it was never computed.
func (b EnhancedBlock) Relevance(fallback float64) float64 {
	if b.RelevanceScore == nil {
		return fallback
	}
	return *b.RelevanceScore
}

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole normalizes and validates a message role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrValidation, s)
}

// ConversationMessage is one persisted conversation turn.
type ConversationMessage struct {
	ID        int64          `json:"id,omitempty"`
	AgentID   string         `json:"agent_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AgentRecord describes an agent that reads and writes memory.
type AgentRecord struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	Model          string         `json:"model"`
	MemoryBlockIDs []string       `json:"memory_block_ids"`
	Settings       map[string]any `json:"settings,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastUsed       time.Time      `json:"last_used"`
}

// ValidateScore checks that a score lies in [0,1].
func ValidateScore(name string, v float64) error {
	if v < 0 || v > 1 || v != v {
		return fmt.Errorf("%w: %s %v outside [0,1]", ErrValidation, name, v)
	}
	return nil
}
