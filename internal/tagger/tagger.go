// Package tagger derives normalized topical tags from block content or text.
package tagger

import (
	"math"
	"sort"
	"strings"

	"github.com/xiy/agent-memory/internal/lexicon"
	"github.com/xiy/agent-memory/pkg/types"
)

// Category selects a subset of tags in FilterTagsByCategory.
type Category string

const (
	CategoryTech    Category = "tech"
	CategoryContent Category = "content"
	CategoryAll     Category = "all"
)

const (
	baseConfidence  = 0.3
	fieldConfidence = 0.15
)

// Result is a tag set with a confidence in [0,1].
type Result struct {
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
}

// ExtractTags tags structured content. The block type is always a tag;
// confidence grows with the number of fields that contributed a tag.
func ExtractTags(blockType types.BlockType, content types.BlockContent) Result {
	tags := []string{string(blockType)}
	fields := 0
	add := func(texts ...string) {
		found := textTags(strings.Join(texts, " "))
		if len(found) == 0 {
			return
		}
		fields++
		tags = append(tags, found...)
	}

	switch c := content.(type) {
	case types.PersonaContent:
		add(c.ExpertiseAreas...)
		add(c.Traits...)
		add(c.CommunicationStyle)
		add(c.Notes...)
	case types.ProjectContent:
		add(c.TechStack...)
		add(c.Description)
		add(c.Architecture)
		add(c.Patterns...)
		add(c.Notes...)
		dirs := make([]string, 0, len(c.KeyDirectories))
		for k, v := range c.KeyDirectories {
			dirs = append(dirs, k, v)
		}
		add(dirs...)
	case types.UserContent:
		add(c.Tools...)
		add(mapText(c.Preferences)...)
		add(mapText(c.CodingStyle)...)
		add(c.Communication)
		add(c.Notes...)
	case types.CorrectionsContent:
		var issues, fixes []string
		for _, item := range c.Corrections {
			issues = append(issues, item.Issue, item.Context)
			fixes = append(fixes, item.Correction)
		}
		add(issues...)
		add(fixes...)
	}

	return Result{
		Tags:       MergeTags(tags),
		Confidence: math.Min(1, baseConfidence+fieldConfidence*float64(fields)),
	}
}

// SuggestTags applies the vocabulary to free text.
func SuggestTags(text string) Result {
	tags := textTags(text)
	if len(tags) == 0 {
		return Result{Tags: []string{}, Confidence: 0}
	}
	return Result{
		Tags:       MergeTags(tags),
		Confidence: math.Min(1, baseConfidence+0.1*float64(len(tags))),
	}
}

// MergeTags lowercases, deduplicates and sorts the union of sets.
func MergeTags(sets ...[]string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, set := range sets {
		for _, t := range set {
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
	}
	sort.Strings(out)
	return out
}

// FilterTagsByCategory keeps technology names (tech), everything else
// (content), or all tags.
func FilterTagsByCategory(tags []string, category Category) []string {
	out := []string{}
	for _, t := range tags {
		isTech := lexicon.IsTech(t)
		switch category {
		case CategoryTech:
			if !isTech {
				continue
			}
		case CategoryContent:
			if isTech {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

func textTags(text string) []string {
	return append(lexicon.TechTerms(text), lexicon.ConceptTerms(text)...)
}

func mapText(m map[string]string) []string {
	out := make([]string, 0, len(m)*2)
	for k, v := range m {
		out = append(out, strings.ReplaceAll(k, "_", " "), v)
	}
	return out
}
