package learning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiy/agent-memory/internal/embeddings"
	"github.com/xiy/agent-memory/internal/scope"
	"github.com/xiy/agent-memory/internal/store"
	"github.com/xiy/agent-memory/pkg/types"
)

func discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func newManager(t *testing.T) *scope.Manager {
	t.Helper()
	m, err := scope.New(scope.Options{GlobalDir: t.TempDir(), WorkingDir: t.TempDir()}, discard())
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newEngine(t *testing.T, m Scopes, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return New(m, embeddings.NewHashEmbedder(0), discard(), cfg)
}

func userMessages(texts ...string) []types.ConversationMessage {
	out := make([]types.ConversationMessage, 0, len(texts))
	for _, txt := range texts {
		out = append(out, types.ConversationMessage{AgentID: "a", Role: types.RoleUser, Content: txt, Timestamp: time.Now()})
	}
	return out
}

func TestParseInstruction(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in    string
		kind  InstructionKind
		wrong string
		right string
		conf  float64
	}{
		{"use tabs instead of spaces", KindCorrection, "spaces", "use tabs", 0.8},
		{"Don't use var in new code.", KindCorrection, "use var in new code", "avoid use var in new code", 0.8},
		{"never commit secrets", KindCorrection, "commit secrets", "avoid commit secrets", 0.9},
		{"I prefer short answers", KindPreference, "", "", 0.8},
		{"always run the linter", KindPreference, "", "", 0.9},
	}
	for _, tc := range cases {
		got := ParseInstruction(tc.in)
		assert.Equal(t, tc.kind, got.Kind, tc.in)
		assert.Equal(t, tc.wrong, got.Wrong, tc.in)
		assert.Equal(t, tc.right, got.Right, tc.in)
		assert.InDelta(t, tc.conf, got.Confidence, 1e-9, tc.in)
		assert.GreaterOrEqual(t, got.Confidence, 0.7)
	}
}

func TestRouteTarget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text string
		hint types.BlockType
		want types.BlockType
	}{
		{"the codebase uses hexagonal architecture", "", types.BlockProject},
		{"keep a friendly tone", "", types.BlockPersona},
		{"I prefer short answers", "", types.BlockUser},
		{"use tabs instead of spaces", "", types.BlockCorrections},
		{"that was a mistake", "", types.BlockCorrections},
		{"project style guide", "", types.BlockProject},
		{"use tabs instead of spaces", types.BlockUser, types.BlockUser},
		{"nothing matches here", "", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RouteTarget(tc.text, tc.hint), tc.text)
	}
}

func TestLearnFromInstruction_CreatesCorrectionsBlock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newManager(t)
	eng := newEngine(t, m, nil)

	res, err := eng.LearnFromInstruction(ctx, "use tabs instead of spaces", "")
	require.NoError(t, err)
	require.Len(t, res.Details, 1)
	d := res.Details[0]
	assert.True(t, d.Applied)
	assert.Equal(t, types.BlockCorrections, d.TargetBlock)
	assert.Equal(t, types.ScopeProject, d.Scope)
	assert.GreaterOrEqual(t, d.Confidence, 0.7)
	assert.Equal(t, 1, res.MemoriesUpdated)

	st, err := m.Store(types.ScopeProject)
	require.NoError(t, err)
	blk, found, err := st.GetBlock(ctx, types.BlockCorrections, types.ScopeProject)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, blk.Version)
	cc := blk.Content.(types.CorrectionsContent)
	require.Len(t, cc.Corrections, 1)
	assert.Equal(t, "spaces", cc.Corrections[0].Issue)
	assert.Equal(t, "use tabs", cc.Corrections[0].Correction)

	es, err := m.Enhanced(types.ScopeProject)
	require.NoError(t, err)
	eb, _, err := es.GetEnhancedBlock(ctx, blk.ID)
	require.NoError(t, err)
	assert.True(t, eb.AutoGenerated)
	assert.Len(t, eb.Embedding, embeddings.DefaultDimension)
	assert.Contains(t, eb.ContextTags, "corrections")
	require.NotNil(t, eb.ConfidenceLevel)
	assert.InDelta(t, 0.8, *eb.ConfidenceLevel, 1e-9)

	// Same instruction again changes nothing.
	res, err = eng.LearnFromInstruction(ctx, "use tabs instead of spaces", "")
	require.NoError(t, err)
	assert.True(t, res.Details[0].Applied)
	assert.Zero(t, res.MemoriesUpdated)
	blk, _, err = st.GetBlock(ctx, types.BlockCorrections, types.ScopeProject)
	require.NoError(t, err)
	assert.Equal(t, 1, blk.Version)
}

func TestLearnFromInstruction_ThresholdIsInclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	atThreshold := newEngine(t, newManager(t), func(c *Config) { c.AutoApplyThreshold = 0.8 })
	res, err := atThreshold.LearnFromInstruction(ctx, "I prefer short answers", "")
	require.NoError(t, err)
	assert.True(t, res.Details[0].Applied)

	m := newManager(t)
	above := newEngine(t, m, func(c *Config) { c.AutoApplyThreshold = 0.85 })
	res, err = above.LearnFromInstruction(ctx, "I prefer short answers", "")
	require.NoError(t, err)
	require.Len(t, res.Details, 1)
	assert.False(t, res.Details[0].Applied)
	assert.Empty(t, res.Details[0].Error)
	assert.Zero(t, res.MemoriesUpdated)

	st, err := m.Store(types.ScopeProject)
	require.NoError(t, err)
	_, found, err := st.GetBlock(ctx, types.BlockUser, types.ScopeProject)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLearnFromInstruction_HintAndScope(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.SetScope(types.ScopeGlobal))
	eng := newEngine(t, m, nil)

	res, err := eng.LearnFromInstruction(ctx, "always use React", types.BlockUser)
	require.NoError(t, err)
	assert.Equal(t, types.BlockUser, res.Details[0].TargetBlock)
	assert.Equal(t, types.ScopeGlobal, res.Details[0].Scope)

	st, err := m.Store(types.ScopeGlobal)
	require.NoError(t, err)
	blk, found, err := st.GetBlock(ctx, types.BlockUser, types.ScopeGlobal)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "react", blk.Content.(types.UserContent).Preferences["frontend_framework"])

	_, err = eng.LearnFromInstruction(ctx, "  ", "")
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = eng.LearnFromInstruction(ctx, "x", types.BlockType("misc"))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestLearnFromConversation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newManager(t)
	eng := newEngine(t, m, nil)

	res, err := eng.LearnFromConversation(ctx, userMessages(
		"always use TypeScript",
		"use typescript for the tests too",
		"I like short answers",
	))
	require.NoError(t, err)
	assert.Equal(t, 2, res.LearningsExtracted)
	assert.Equal(t, 2, res.NewPatternsDetected)
	assert.Equal(t, 1, res.MemoriesUpdated)

	var applied, skipped int
	for _, d := range res.Details {
		if d.Applied {
			applied++
			assert.Equal(t, types.PatternTechnologyChoice, d.Type)
			assert.Equal(t, types.BlockUser, d.TargetBlock)
		} else {
			skipped++
			assert.Less(t, d.Confidence, 0.7)
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, skipped)

	st, err := m.Store(types.ScopeProject)
	require.NoError(t, err)
	blk, found, err := st.GetBlock(ctx, types.BlockUser, types.ScopeProject)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "typescript", blk.Content.(types.UserContent).Preferences["language"])

	again, err := eng.LearnFromConversation(ctx, userMessages("use typescript"))
	require.NoError(t, err)
	assert.Zero(t, again.NewPatternsDetected)
}

func TestReinforcementFeedsGating(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newManager(t)
	eng := newEngine(t, m, func(c *Config) { c.AutoApplyThreshold = 0.55 })
	msgs := userMessages("I like short answers")

	for i := 0; i < 2; i++ {
		res, err := eng.LearnFromConversation(ctx, msgs)
		require.NoError(t, err)
		require.Len(t, res.Details, 1)
		assert.False(t, res.Details[0].Applied)
	}

	cons, err := eng.ConsolidateMemory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cons.PatternsReinforced)

	// No new sighting, no second reinforcement.
	cons, err = eng.ConsolidateMemory(ctx)
	require.NoError(t, err)
	assert.Zero(t, cons.PatternsReinforced)

	res, err := eng.LearnFromConversation(ctx, msgs)
	require.NoError(t, err)
	require.Len(t, res.Details, 1)
	assert.InDelta(t, 0.55, res.Details[0].Confidence, 1e-9)
	assert.True(t, res.Details[0].Applied)
}

func TestConsolidateMemory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newManager(t)
	eng := newEngine(t, m, nil)

	project, err := m.Store(types.ScopeProject)
	require.NoError(t, err)
	global, err := m.Store(types.ScopeGlobal)
	require.NoError(t, err)

	_, err = project.SaveBlock(ctx, types.ScopeProject, types.ProjectContent{TechStack: []string{"go", "Go", "sqlite"}})
	require.NoError(t, err)
	same := types.UserContent{Tools: []string{"vim", "git"}}
	_, err = project.SaveBlock(ctx, types.ScopeProject, same)
	require.NoError(t, err)
	_, err = global.SaveBlock(ctx, types.ScopeGlobal, same)
	require.NoError(t, err)

	res, err := eng.ConsolidateMemory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.BlocksConsolidated)
	assert.Zero(t, res.BlocksDecayed)

	blk, found, err := project.GetBlock(ctx, types.BlockProject, types.ScopeProject)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"go", "sqlite"}, blk.Content.(types.ProjectContent).TechStack)
	assert.Equal(t, 2, blk.Version)

	_, found, err = project.GetBlock(ctx, types.BlockUser, types.ScopeProject)
	require.NoError(t, err)
	assert.False(t, found)
	merged, found, err := m.MergedBlock(ctx, types.BlockUser)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.ScopeGlobal, merged.Scope)

	// A month later every remaining block decays.
	eng.now = func() time.Time { return time.Now().UTC().Add(30 * 24 * time.Hour) }
	res, err = eng.ConsolidateMemory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.BlocksDecayed)

	es, err := m.Enhanced(types.ScopeGlobal)
	require.NoError(t, err)
	eb, _, err := es.GetEnhancedBlock(ctx, merged.ID)
	require.NoError(t, err)
	require.NotNil(t, eb.RelevanceScore)
	assert.InDelta(t, store.DefaultRelevance*0.95, *eb.RelevanceScore, 1e-9)
}

func TestLearnFromInstruction_ConcurrentCorrectionsAllKept(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newManager(t)
	eng := newEngine(t, m, nil)

	const n = 6
	var wg sync.WaitGroup
	results := make([]types.LearningResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = eng.LearnFromInstruction(ctx, fmt.Sprintf("use formatter%d instead of linter%d", i, i), "")
		}()
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.True(t, results[i].Details[0].Applied, results[i].Details[0].Error)
		assert.Equal(t, 1, results[i].MemoriesUpdated)
	}

	st, err := m.Store(types.ScopeProject)
	require.NoError(t, err)
	blk, found, err := st.GetBlock(ctx, types.BlockCorrections, types.ScopeProject)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, blk.Content.(types.CorrectionsContent).Corrections, n)
	assert.Equal(t, n, blk.Version)
}

func TestConsolidateMemory_KeepsConcurrentLearning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newManager(t)
	eng := newEngine(t, m, nil)

	project, err := m.Store(types.ScopeProject)
	require.NoError(t, err)
	_, err = project.SaveBlock(ctx, types.ScopeProject, types.CorrectionsContent{Corrections: []types.Correction{
		{Issue: "spaces", Correction: "use tabs"},
		{Issue: "spaces", Correction: "use tabs"},
	}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := eng.ConsolidateMemory(ctx)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := eng.LearnFromInstruction(ctx, "use gofmt instead of manual formatting", "")
		assert.NoError(t, err)
	}()
	wg.Wait()

	blk, found, err := project.GetBlock(ctx, types.BlockCorrections, types.ScopeProject)
	require.NoError(t, err)
	require.True(t, found)
	cc := blk.Content.(types.CorrectionsContent)
	var issues []string
	for _, c := range cc.Corrections {
		issues = append(issues, c.Issue)
	}
	assert.ElementsMatch(t, []string{"spaces", "manual formatting"}, issues)
}

type brokenScopes struct{}

func (brokenScopes) CurrentScope() types.Scope { return types.ScopeProject }

func (brokenScopes) Store(types.Scope) (*store.SQLiteStore, error) {
	return nil, errors.New("disk unavailable")
}

func (brokenScopes) Enhanced(types.Scope) (*store.EnhancedStore, error) {
	return nil, errors.New("disk unavailable")
}

func TestFailedWritesAreReported(t *testing.T) {
	t.Parallel()
	eng := newEngine(t, brokenScopes{}, nil)

	res, err := eng.LearnFromInstruction(context.Background(), "use tabs instead of spaces", "")
	require.NoError(t, err)
	require.Len(t, res.Details, 1)
	assert.False(t, res.Details[0].Applied)
	assert.Contains(t, res.Details[0].Error, "disk unavailable")
	assert.Zero(t, res.MemoriesUpdated)
}
