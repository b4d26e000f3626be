package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BlockContent is the structured payload of a block. Each block type has exactly
// one concrete content struct.
type BlockContent interface {
	BlockType() BlockType
	Validate() error
}

// PersonaContent describes how the agent presents itself.
type PersonaContent struct {
	Name               string   `json:"name,omitempty"`
	Traits             []string `json:"traits,omitempty"`
	CommunicationStyle string   `json:"communication_style,omitempty"`
	ExpertiseAreas     []string `json:"expertise_areas,omitempty"`
	Notes              []string `json:"notes,omitempty"`
}

func (PersonaContent) BlockType() BlockType { return BlockPersona }

func (c PersonaContent) Validate() error {
	return validateList("traits", c.Traits)
}

// ProjectContent holds facts about the current codebase.
type ProjectContent struct {
	Name           string            `json:"name,omitempty"`
	Description    string            `json:"description,omitempty"`
	TechStack      []string          `json:"tech_stack,omitempty"`
	Architecture   string            `json:"architecture,omitempty"`
	Patterns       []string          `json:"patterns,omitempty"`
	KeyDirectories map[string]string `json:"key_directories,omitempty"`
	Notes          []string          `json:"notes,omitempty"`
}

func (ProjectContent) BlockType() BlockType { return BlockProject }

func (c ProjectContent) Validate() error {
	if err := validateList("tech_stack", c.TechStack); err != nil {
		return err
	}
	return validateKeys("key_directories", c.KeyDirectories)
}

// UserContent holds the user's preferences.
type UserContent struct {
	Preferences   map[string]string `json:"preferences,omitempty"`
	CodingStyle   map[string]string `json:"coding_style,omitempty"`
	Tools         []string          `json:"tools,omitempty"`
	Communication string            `json:"communication,omitempty"`
	Notes         []string          `json:"notes,omitempty"`
}

func (UserContent) BlockType() BlockType { return BlockUser }

func (c UserContent) Validate() error {
	if err := validateKeys("preferences", c.Preferences); err != nil {
		return err
	}
	if err := validateKeys("coding_style", c.CodingStyle); err != nil {
		return err
	}
	return validateList("tools", c.Tools)
}

// Correction records one mistake and its fix.
type Correction struct {
	Issue      string `json:"issue"`
	Correction string `json:"correction"`
	Context    string `json:"context,omitempty"`
	Date       string `json:"date,omitempty"`
}

// CorrectionsContent is the list of corrections the agent must respect.
type CorrectionsContent struct {
	Corrections []Correction `json:"corrections"`
}

func (CorrectionsContent) BlockType() BlockType { return BlockCorrections }

func (c CorrectionsContent) Validate() error {
	for i, item := range c.Corrections {
		if strings.TrimSpace(item.Correction) == "" {
			return fmt.Errorf("%w: corrections[%d].correction must not be empty", ErrValidation, i)
		}
	}
	return nil
}

// EmptyContent returns the zero payload for a block type.
func EmptyContent(t BlockType) (BlockContent, error) {
	switch t {
	case BlockPersona:
		return PersonaContent{}, nil
	case BlockProject:
		return ProjectContent{}, nil
	case BlockUser:
		return UserContent{}, nil
	case BlockCorrections:
		return CorrectionsContent{}, nil
	}
	return nil, fmt.Errorf("%w: unknown block type %q", ErrValidation, t)
}

// DecodeContent decodes raw JSON into the content struct for t.
func DecodeContent(t BlockType, raw []byte) (BlockContent, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return EmptyContent(t)
	}
	var (
		c   BlockContent
		err error
	)
	switch t {
	case BlockPersona:
		var v PersonaContent
		err = json.Unmarshal(raw, &v)
		c = v
	case BlockProject:
		var v ProjectContent
		err = json.Unmarshal(raw, &v)
		c = v
	case BlockUser:
		var v UserContent
		err = json.Unmarshal(raw, &v)
		c = v
	case BlockCorrections:
		var v CorrectionsContent
		err = json.Unmarshal(raw, &v)
		c = v
	default:
		return nil, fmt.Errorf("%w: unknown block type %q", ErrValidation, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s content: %v", ErrValidation, t, err)
	}
	return c, nil
}

// ValidateContent checks content against the block type it is saved under.
func ValidateContent(t BlockType, c BlockContent) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown block type %q", ErrValidation, t)
	}
	if c == nil {
		return fmt.Errorf("%w: %s content is required", ErrValidation, t)
	}
	if c.BlockType() != t {
		return fmt.Errorf("%w: %s content saved as %s block", ErrValidation, c.BlockType(), t)
	}
	return c.Validate()
}

// UnmarshalJSON decodes the content union using the block's type field.
func (b *MemoryBlock) UnmarshalJSON(data []byte) error {
	type alias MemoryBlock
	var aux struct {
		alias
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*b = MemoryBlock(aux.alias)
	if b.Type == "" {
		return nil
	}
	c, err := DecodeContent(b.Type, aux.Content)
	if err != nil {
		return err
	}
	b.Content = c
	return nil
}

// UnmarshalJSON keeps the enhanced fields; without it the embedded block's
// decoder would be promoted and drop them.
func (b *EnhancedBlock) UnmarshalJSON(data []byte) error {
	var base MemoryBlock
	if err := json.Unmarshal(data, &base); err != nil {
		return err
	}
	var extra struct {
		Embedding       []float32  `json:"embedding"`
		RelevanceScore  *float64   `json:"relevance_score"`
		AccessCount     int        `json:"access_count"`
		ContextTags     []string   `json:"context_tags"`
		ConfidenceLevel *float64   `json:"confidence_level"`
		AutoGenerated   bool       `json:"auto_generated"`
		LastAccessedAt  *time.Time `json:"last_accessed_at"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	*b = EnhancedBlock{
		MemoryBlock:     base,
		Embedding:       extra.Embedding,
		RelevanceScore:  extra.RelevanceScore,
		AccessCount:     extra.AccessCount,
		ContextTags:     extra.ContextTags,
		ConfidenceLevel: extra.ConfidenceLevel,
		AutoGenerated:   extra.AutoGenerated,
		LastAccessedAt:  extra.LastAccessedAt,
	}
	return nil
}

func validateList(field string, items []string) error {
	for i, item := range items {
		if strings.TrimSpace(item) == "" {
			return fmt.Errorf("%w: %s[%d] must not be empty", ErrValidation, field, i)
		}
	}
	return nil
}

func validateKeys(field string, m map[string]string) error {
	for k := range m {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: %s has an empty key", ErrValidation, field)
		}
	}
	return nil
}
