package learning

import (
	"regexp"
	"strings"

	"github.com/xiy/agent-memory/internal/lexicon"
	"github.com/xiy/agent-memory/pkg/types"
)

// InstructionKind is what ParseInstruction decided an instruction is.
type InstructionKind string

const (
	KindCorrection InstructionKind = "correction"
	KindPreference InstructionKind = "preference"
)

const (
	instructionConfidence = 0.8
	emphaticConfidence    = 0.9
)

// Instruction is a parsed explicit user statement.
type Instruction struct {
	Kind       InstructionKind
	Text       string
	Wrong      string
	Right      string
	Confidence float64
}

var (
	insteadRe  = regexp.MustCompile(`(?i)^(.+?)\s+(?:instead of|rather than)\s+(.+)$`)
	negationRe = regexp.MustCompile(`(?i)^(?:please\s+)?(?:don'?t|do not|never|no)\s+(.+)$`)
	emphaticRe = regexp.MustCompile(`(?i)\b(always|never|must)\b`)
)

// ParseInstruction applies the instruction heuristics in order: "X instead of
// Y" and "don't X" are corrections, anything else is a preference statement.
func ParseInstruction(text string) Instruction {
	clean := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(text), ".!"))
	in := Instruction{Kind: KindPreference, Text: clean, Confidence: instructionConfidence}
	if emphaticRe.MatchString(clean) {
		in.Confidence = emphaticConfidence
	}

	if m := insteadRe.FindStringSubmatch(clean); m != nil {
		in.Kind = KindCorrection
		in.Right = strings.TrimSpace(m[1])
		in.Wrong = strings.TrimSpace(m[2])
		return in
	}
	if m := negationRe.FindStringSubmatch(clean); m != nil {
		in.Kind = KindCorrection
		in.Wrong = strings.TrimSpace(m[1])
		in.Right = "avoid " + in.Wrong
		return in
	}
	return in
}

// routes are scanned in order; the first group with a matching word wins.
var routes = []struct {
	target types.BlockType
	words  []string
}{
	{types.BlockProject, []string{"project", "codebase", "architecture", "pattern"}},
	{types.BlockPersona, []string{"persona", "behavior", "behaviour", "style", "tone"}},
	{types.BlockUser, []string{"preference", "prefer", "like", "want", "always"}},
	{types.BlockCorrections, []string{"correction", "wrong", "mistake", "fix", "instead"}},
}

// RouteTarget picks the block a learning belongs to. A valid hint wins;
// otherwise the keyword groups are scanned in order. It returns "" when
// nothing matches.
func RouteTarget(text string, hint types.BlockType) types.BlockType {
	if hint.Valid() {
		return hint
	}
	words := map[string]struct{}{}
	for _, w := range lexicon.Words(text) {
		words[w] = struct{}{}
	}
	for _, r := range routes {
		for _, kw := range r.words {
			if _, ok := words[kw]; ok {
				return r.target
			}
			if _, ok := words[kw+"s"]; ok {
				return r.target
			}
		}
	}
	return ""
}

// fallbackTarget is used when RouteTarget finds no keyword.
func fallbackTarget(kind types.PatternType) types.BlockType {
	switch kind {
	case types.PatternCorrection:
		return types.BlockCorrections
	case types.PatternWorkflow:
		return types.BlockPersona
	}
	return types.BlockUser
}
