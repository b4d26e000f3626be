package scope

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiy/agent-memory/pkg/types"
)

func newTestManager(t *testing.T, globalDir, workDir string) *Manager {
	t.Helper()
	m, err := New(Options{GlobalDir: globalDir, WorkingDir: workDir}, log.NewWithOptions(io.Discard, log.Options{}))
	require.NoError(t, err)
	return m
}

func TestResolveProjectRoot(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644))
	deep := filepath.Join(root, "internal", "pkg", "sub")
	require.NoError(t, os.MkdirAll(deep, 0o755))

	assert.Equal(t, root, ResolveProjectRoot(deep, DefaultMarkers))

	bare := t.TempDir()
	assert.Equal(t, bare, ResolveProjectRoot(bare, []string{"no-such-marker-anywhere"}))
}

func TestManager_ScopeToggle(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, t.TempDir(), t.TempDir())

	assert.Equal(t, types.ScopeProject, m.CurrentScope())
	require.NoError(t, m.SetScope(types.ScopeGlobal))
	assert.Equal(t, types.ScopeGlobal, m.CurrentScope())
	assert.True(t, errors.Is(m.SetScope("team"), types.ErrValidation))

	_, err := m.CurrentStore()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestManager_MergedReadPrefersProject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t, t.TempDir(), t.TempDir())
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Initialize(ctx))
	defer m.Close()

	global, err := m.Store(types.ScopeGlobal)
	require.NoError(t, err)
	project, err := m.Store(types.ScopeProject)
	require.NoError(t, err)

	_, err = global.SaveBlock(ctx, types.ScopeGlobal, types.UserContent{Tools: []string{"emacs"}})
	require.NoError(t, err)
	_, err = project.SaveBlock(ctx, types.ScopeProject, types.UserContent{Tools: []string{"vim"}})
	require.NoError(t, err)
	_, err = global.SaveBlock(ctx, types.ScopeGlobal, types.PersonaContent{Name: "global-only"})
	require.NoError(t, err)

	merged, found, err := m.MergedBlock(ctx, types.BlockUser)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.ScopeProject, merged.Scope)
	assert.Equal(t, []string{"vim"}, merged.Content.(types.UserContent).Tools)

	persona, found, err := m.MergedBlock(ctx, types.BlockPersona)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.ScopeGlobal, persona.Scope)

	_, found, err = m.MergedBlock(ctx, types.BlockCorrections)
	require.NoError(t, err)
	assert.False(t, found)

	globals, err := global.GetAllBlocks(ctx, types.ScopeGlobal)
	require.NoError(t, err)
	assert.Len(t, globals, 2)

	all, err := m.ListBlocks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mergedAll, err := m.MergedBlocks(ctx)
	require.NoError(t, err)
	assert.Len(t, mergedAll, 2)

	blk, found, err := m.FindBlock(ctx, persona.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, persona.ID, blk.ID)
}

func TestManager_PersistsAcrossInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	globalDir, workDir := t.TempDir(), t.TempDir()

	m := newTestManager(t, globalDir, workDir)
	require.NoError(t, m.Initialize(ctx))
	st, err := m.CurrentStore()
	require.NoError(t, err)
	saved, err := st.SaveBlock(ctx, types.ScopeProject, types.ProjectContent{Name: "durable"})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = os.Stat(filepath.Join(workDir, ".agent-memory", "memory.db"))
	require.NoError(t, err)

	again := newTestManager(t, globalDir, workDir)
	require.NoError(t, again.Initialize(ctx))
	defer again.Close()

	blk, found, err := again.MergedBlock(ctx, types.BlockProject)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, saved.ID, blk.ID)
	assert.Equal(t, saved.Version, blk.Version)
	assert.Equal(t, "durable", blk.Content.(types.ProjectContent).Name)
}
