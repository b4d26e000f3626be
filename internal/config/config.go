package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xiy/agent-memory/internal/learning"
	"github.com/xiy/agent-memory/internal/scope"
	"github.com/xiy/agent-memory/pkg/types"
)

// DefaultPath is where the CLI looks for a config file when none is given.
const DefaultPath = "~/.agent-memory/config.yaml"

// Config contains runtime configuration for agent-memory.
type Config struct {
	ServerName       string `yaml:"server_name"`
	GlobalDir        string `yaml:"global_dir"`
	ProjectMarkerDir string `yaml:"project_marker_dir"`
	DBFileName       string `yaml:"db_file_name"`
	LogLevel         string `yaml:"log_level"`
	DefaultScope     string `yaml:"default_scope"`

	AutoApplyThreshold   float64 `yaml:"auto_apply_threshold"`
	MinPatternFrequency  int     `yaml:"min_pattern_frequency"`
	MinPatternConfidence float64 `yaml:"min_pattern_confidence"`
	MaxPatterns          int     `yaml:"max_patterns"`

	EmbeddingDimension    int `yaml:"embedding_dimension"`
	EmbeddingCacheEntries int `yaml:"embedding_cache_entries"`
	DefaultSearchLimit    int `yaml:"default_search_limit"`

	ConsolidateIntervalSeconds int     `yaml:"consolidate_interval_seconds"`
	DecayAfterHours            int     `yaml:"decay_after_hours"`
	DecayFactor                float64 `yaml:"decay_factor"`
	ReinforceIncrement         float64 `yaml:"reinforce_increment"`
	DuplicateSimilarity        float64 `yaml:"duplicate_similarity"`

	RequestsPerSecond float64 `yaml:"requests_per_second"`
	RequestBurst      int     `yaml:"request_burst"`
	MaxContextItems   int     `yaml:"max_context_items"`
}

// Default returns a Config populated with safe defaults.
func Default() Config {
	lc := learning.DefaultConfig()
	return Config{
		ServerName:       "agent-memory",
		GlobalDir:        filepath.Join(userHomeDir(), ".agent-memory"),
		ProjectMarkerDir: ".agent-memory",
		DBFileName:       "memory.db",
		LogLevel:         "info",
		DefaultScope:     string(types.ScopeProject),

		AutoApplyThreshold:   lc.AutoApplyThreshold,
		MinPatternFrequency:  lc.MinPatternFrequency,
		MinPatternConfidence: lc.MinPatternConfidence,
		MaxPatterns:          lc.MaxPatterns,

		EmbeddingDimension:    384,
		EmbeddingCacheEntries: 1024,
		DefaultSearchLimit:    10,

		ConsolidateIntervalSeconds: 86400,
		DecayAfterHours:            int(lc.DecayAfter / time.Hour),
		DecayFactor:                lc.DecayFactor,
		ReinforceIncrement:         lc.ReinforceIncrement,
		DuplicateSimilarity:        lc.DuplicateSimilarity,

		RequestsPerSecond: 20,
		RequestBurst:      40,
		MaxContextItems:   8,
	}
}

// Load loads config from disk; if path does not exist, default config is returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks configuration sanity.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.New("server_name must not be empty")
	}
	if c.GlobalDir == "" {
		return errors.New("global_dir must not be empty")
	}
	if c.ProjectMarkerDir == "" || strings.ContainsRune(c.ProjectMarkerDir, filepath.Separator) {
		return errors.New("project_marker_dir must be a single directory name")
	}
	if c.DBFileName == "" {
		return errors.New("db_file_name must not be empty")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug|info|warn|error, got %q", c.LogLevel)
	}
	if _, err := types.ParseScope(c.DefaultScope); err != nil {
		return fmt.Errorf("default_scope: %w", err)
	}
	if err := unit("auto_apply_threshold", c.AutoApplyThreshold); err != nil {
		return err
	}
	if err := unit("min_pattern_confidence", c.MinPatternConfidence); err != nil {
		return err
	}
	if c.MinPatternFrequency <= 0 {
		return errors.New("min_pattern_frequency must be > 0")
	}
	if c.MaxPatterns <= 0 {
		return errors.New("max_patterns must be > 0")
	}
	if c.EmbeddingDimension <= 0 {
		return errors.New("embedding_dimension must be > 0")
	}
	if c.EmbeddingCacheEntries < 0 {
		return errors.New("embedding_cache_entries must be >= 0")
	}
	if c.DefaultSearchLimit <= 0 {
		return errors.New("default_search_limit must be > 0")
	}
	if c.ConsolidateIntervalSeconds < 0 {
		return errors.New("consolidate_interval_seconds must be >= 0")
	}
	if c.DecayAfterHours <= 0 {
		return errors.New("decay_after_hours must be > 0")
	}
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		return errors.New("decay_factor must be in (0, 1)")
	}
	if err := unit("reinforce_increment", c.ReinforceIncrement); err != nil {
		return err
	}
	if err := unit("duplicate_similarity", c.DuplicateSimilarity); err != nil {
		return err
	}
	if c.RequestsPerSecond <= 0 {
		return errors.New("requests_per_second must be > 0")
	}
	if c.RequestBurst <= 0 {
		return errors.New("request_burst must be > 0")
	}
	if c.MaxContextItems <= 0 {
		return errors.New("max_context_items must be > 0")
	}
	return nil
}

func unit(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be in [0, 1], got %v", name, v)
	}
	return nil
}

// EnsurePaths expands config-managed paths and creates the global directory.
func (c *Config) EnsurePaths() error {
	c.GlobalDir = ExpandPath(c.GlobalDir)
	if err := os.MkdirAll(c.GlobalDir, 0o755); err != nil {
		return fmt.Errorf("create global dir: %w", err)
	}
	return nil
}

// ScopeOptions maps the config onto scope manager options rooted at workingDir.
func (c Config) ScopeOptions(workingDir string) scope.Options {
	return scope.Options{
		GlobalDir:    ExpandPath(c.GlobalDir),
		WorkingDir:   workingDir,
		MarkerDir:    c.ProjectMarkerDir,
		DBFileName:   c.DBFileName,
		DefaultScope: types.Scope(strings.ToLower(strings.TrimSpace(c.DefaultScope))),
	}
}

// Learning maps the config onto learning engine thresholds.
func (c Config) Learning() learning.Config {
	return learning.Config{
		AutoApplyThreshold:   c.AutoApplyThreshold,
		MinPatternFrequency:  c.MinPatternFrequency,
		MinPatternConfidence: c.MinPatternConfidence,
		MaxPatterns:          c.MaxPatterns,
		DecayAfter:           time.Duration(c.DecayAfterHours) * time.Hour,
		DecayFactor:          c.DecayFactor,
		ReinforceIncrement:   c.ReinforceIncrement,
		DuplicateSimilarity:  c.DuplicateSimilarity,
	}
}

// ConsolidateInterval is zero when periodic consolidation is disabled.
func (c Config) ConsolidateInterval() time.Duration {
	return time.Duration(c.ConsolidateIntervalSeconds) * time.Second
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
