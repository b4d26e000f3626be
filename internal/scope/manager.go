// Package scope owns the global and project block stores and the current-scope
// toggle that decides where writes go.
package scope

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/xiy/agent-memory/internal/store"
	"github.com/xiy/agent-memory/pkg/types"
)

// DefaultMarkers are checked, in order, in each directory while walking up
// from the working directory.
var DefaultMarkers = []string{".git", "go.mod", "package.json", "pyproject.toml", "Cargo.toml"}

// ErrNotInitialized is returned when a store is requested before Initialize.
var ErrNotInitialized = errors.New("scope manager not initialized")

// Options locate the two databases.
type Options struct {
	GlobalDir    string
	WorkingDir   string
	MarkerDir    string
	DBFileName   string
	Markers      []string
	DefaultScope types.Scope
}

// Manager holds one store per scope. The zero value is not usable; call New.
type Manager struct {
	logger *log.Logger

	globalPath  string
	projectPath string
	projectRoot string

	mu       sync.RWMutex
	current  types.Scope
	stores   map[types.Scope]*store.SQLiteStore
	enhanced map[types.Scope]*store.EnhancedStore
}

// New resolves both database paths without touching disk.
func New(opts Options, logger *log.Logger) (*Manager, error) {
	if opts.GlobalDir == "" {
		return nil, fmt.Errorf("%w: global dir is required", types.ErrValidation)
	}
	if opts.MarkerDir == "" {
		opts.MarkerDir = ".agent-memory"
	}
	if opts.DBFileName == "" {
		opts.DBFileName = "memory.db"
	}
	if opts.WorkingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working dir: %w", err)
		}
		opts.WorkingDir = wd
	}
	markers := opts.Markers
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	markers = append(append([]string{}, markers...), opts.MarkerDir)

	current := opts.DefaultScope
	if current == "" {
		current = types.ScopeProject
	}
	if !current.Valid() {
		return nil, fmt.Errorf("%w: unsupported scope %q", types.ErrValidation, current)
	}

	root := ResolveProjectRoot(opts.WorkingDir, markers)
	return &Manager{
		logger:      logger,
		globalPath:  filepath.Join(opts.GlobalDir, opts.DBFileName),
		projectPath: filepath.Join(root, opts.MarkerDir, opts.DBFileName),
		projectRoot: root,
		current:     current,
	}, nil
}

// ResolveProjectRoot walks up from dir looking for any marker. It falls back to
// dir itself when no ancestor carries one.
func ResolveProjectRoot(dir string, markers []string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	for d := abs; ; {
		for _, m := range markers {
			if _, err := os.Stat(filepath.Join(d, m)); err == nil {
				return d
			}
		}
		parent := filepath.Dir(d)
		if parent == d {
			return abs
		}
		d = parent
	}
}

// Initialize opens both stores, creating directories and schemas as needed.
// Calling it again on an initialized manager is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stores != nil {
		return nil
	}

	var global, project *store.SQLiteStore
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st, err := store.OpenSQLite(gctx, m.globalPath, m.logger)
		if err != nil {
			return fmt.Errorf("open global store: %w", err)
		}
		global = st
		return nil
	})
	g.Go(func() error {
		st, err := store.OpenSQLite(gctx, m.projectPath, m.logger)
		if err != nil {
			return fmt.Errorf("open project store: %w", err)
		}
		project = st
		return nil
	})
	if err := g.Wait(); err != nil {
		if global != nil {
			_ = global.Close()
		}
		if project != nil {
			_ = project.Close()
		}
		return err
	}

	m.stores = map[types.Scope]*store.SQLiteStore{
		types.ScopeGlobal:  global,
		types.ScopeProject: project,
	}
	m.enhanced = map[types.Scope]*store.EnhancedStore{
		types.ScopeGlobal:  store.NewEnhanced(global),
		types.ScopeProject: store.NewEnhanced(project),
	}
	m.logger.Debug("scope stores ready", "global", m.globalPath, "project", m.projectPath)
	return nil
}

// Close releases both stores. The manager can be initialized again afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stores == nil {
		return nil
	}
	var g errgroup.Group
	for _, st := range m.stores {
		g.Go(st.Close)
	}
	m.stores = nil
	m.enhanced = nil
	return g.Wait()
}

// SetScope changes where writes go.
func (m *Manager) SetScope(s types.Scope) error {
	if !s.Valid() {
		return fmt.Errorf("%w: unsupported scope %q", types.ErrValidation, s)
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	return nil
}

func (m *Manager) CurrentScope() types.Scope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) ProjectRoot() string { return m.projectRoot }

// Paths returns the global and project database files.
func (m *Manager) Paths() (global, project string) {
	return m.globalPath, m.projectPath
}

// Store returns the block store for s.
func (m *Manager) Store(s types.Scope) (*store.SQLiteStore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stores == nil {
		return nil, ErrNotInitialized
	}
	st, ok := m.stores[s]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported scope %q", types.ErrValidation, s)
	}
	return st, nil
}

// Enhanced returns the enhanced view over the store for s.
func (m *Manager) Enhanced(s types.Scope) (*store.EnhancedStore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.enhanced == nil {
		return nil, ErrNotInitialized
	}
	es, ok := m.enhanced[s]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported scope %q", types.ErrValidation, s)
	}
	return es, nil
}

// CurrentStore returns the store matching the current scope.
func (m *Manager) CurrentStore() (*store.SQLiteStore, error) {
	return m.Store(m.CurrentScope())
}

// MergedBlock returns the project block for t when one exists, otherwise the
// global one.
func (m *Manager) MergedBlock(ctx context.Context, t types.BlockType) (types.EnhancedBlock, bool, error) {
	for _, s := range []types.Scope{types.ScopeProject, types.ScopeGlobal} {
		st, err := m.Store(s)
		if err != nil {
			return types.EnhancedBlock{}, false, err
		}
		blk, found, err := st.GetBlock(ctx, t, s)
		if err != nil {
			return types.EnhancedBlock{}, false, err
		}
		if !found {
			continue
		}
		es, err := m.Enhanced(s)
		if err != nil {
			return types.EnhancedBlock{}, false, err
		}
		return es.GetEnhancedBlock(ctx, blk.ID)
	}
	return types.EnhancedBlock{}, false, nil
}

// MergedBlocks returns the merged view for every block type that exists in
// either scope.
func (m *Manager) MergedBlocks(ctx context.Context) ([]types.EnhancedBlock, error) {
	var out []types.EnhancedBlock
	for _, t := range types.BlockTypes {
		blk, found, err := m.MergedBlock(ctx, t)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, blk)
		}
	}
	return out, nil
}

// ListBlocks returns the enhanced blocks of scope s, or of both scopes (project
// first) when s is empty.
func (m *Manager) ListBlocks(ctx context.Context, s types.Scope) ([]types.EnhancedBlock, error) {
	scopes := []types.Scope{types.ScopeProject, types.ScopeGlobal}
	if s != "" {
		if !s.Valid() {
			return nil, fmt.Errorf("%w: unsupported scope %q", types.ErrValidation, s)
		}
		scopes = []types.Scope{s}
	}
	var out []types.EnhancedBlock
	for _, sc := range scopes {
		es, err := m.Enhanced(sc)
		if err != nil {
			return nil, err
		}
		blocks, err := es.GetEnhancedBlocks(ctx, sc)
		if err != nil {
			return nil, err
		}
		out = append(out, blocks...)
	}
	return out, nil
}

// UpdateBlockEmbeddings stores vec on the block id held in scope s.
func (m *Manager) UpdateBlockEmbeddings(ctx context.Context, s types.Scope, id string, vec []float32) error {
	es, err := m.Enhanced(s)
	if err != nil {
		return err
	}
	return es.UpdateBlockEmbeddings(ctx, id, vec)
}

// FindBlock looks id up in both scopes.
func (m *Manager) FindBlock(ctx context.Context, id string) (types.EnhancedBlock, bool, error) {
	for _, s := range []types.Scope{types.ScopeProject, types.ScopeGlobal} {
		es, err := m.Enhanced(s)
		if err != nil {
			return types.EnhancedBlock{}, false, err
		}
		blk, found, err := es.GetEnhancedBlock(ctx, id)
		if err != nil || found {
			return blk, found, err
		}
	}
	return types.EnhancedBlock{}, false, nil
}
