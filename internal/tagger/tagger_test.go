package tagger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xiy/agent-memory/pkg/types"
)

func TestMergeTags(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"react", "tailwind", "typescript"},
		MergeTags([]string{"React", "TypeScript"}, []string{"TAILWIND"}))
	assert.Equal(t, []string{"go"}, MergeTags([]string{"go", " Go ", ""}))
	assert.Equal(t, []string{}, MergeTags())
}

func TestExtractTags(t *testing.T) {
	t.Parallel()

	got := ExtractTags(types.BlockProject, types.ProjectContent{
		Name:        "shop",
		TechStack:   []string{"React", "PostgreSQL"},
		Description: "Storefront with authentication and caching",
	})
	assert.Equal(t, []string{"authentication", "caching", "postgres", "project", "react"}, got.Tags)
	assert.InDelta(t, 0.6, got.Confidence, 1e-9)

	empty := ExtractTags(types.BlockPersona, types.PersonaContent{Name: "bot"})
	assert.Equal(t, []string{"persona"}, empty.Tags)
	assert.InDelta(t, 0.3, empty.Confidence, 1e-9)
}

func TestSuggestTags(t *testing.T) {
	t.Parallel()

	got := SuggestTags("Improve performance of the Redis cache layer in Go")
	assert.Equal(t, []string{"go", "performance", "redis"}, got.Tags)
	assert.Greater(t, got.Confidence, 0.0)

	none := SuggestTags("")
	assert.Equal(t, []string{}, none.Tags)
	assert.Zero(t, none.Confidence)
}

func TestFilterTagsByCategory(t *testing.T) {
	t.Parallel()
	tags := []string{"authentication", "react", "performance", "go"}

	assert.Equal(t, []string{"react", "go"}, FilterTagsByCategory(tags, CategoryTech))
	assert.Equal(t, []string{"authentication", "performance"}, FilterTagsByCategory(tags, CategoryContent))
	assert.Equal(t, tags, FilterTagsByCategory(tags, CategoryAll))
}
