package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExpandPath(t *testing.T) {
	t.Parallel()
	got := ExpandPath("~/memory.db")
	if got == "~/memory.db" {
		t.Fatalf("expected home-expanded path, got %q", got)
	}
	if !strings.Contains(got, "memory.db") {
		t.Fatalf("expected expanded path to contain file name, got %q", got)
	}
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.ConsolidateInterval() != 24*time.Hour {
		t.Fatalf("unexpected consolidate interval %v", cfg.ConsolidateInterval())
	}
	lc := cfg.Learning()
	if lc.AutoApplyThreshold != 0.7 || lc.DecayAfter != 168*time.Hour {
		t.Fatalf("unexpected learning config %+v", lc)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerName != "agent-memory" {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadOverridesAndValidates(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "global_dir: " + dir + "\ndefault_scope: Global\nauto_apply_threshold: 0.8\nmax_context_items: 3\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AutoApplyThreshold != 0.8 || cfg.MaxContextItems != 3 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if got := cfg.ScopeOptions(dir).DefaultScope; got != "global" {
		t.Fatalf("expected normalized scope, got %q", got)
	}
	// Unset keys keep their defaults.
	if cfg.DefaultSearchLimit != 10 {
		t.Fatalf("expected default search limit, got %d", cfg.DefaultSearchLimit)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("decay_factor: 1.5\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(bad); err == nil || !strings.Contains(err.Error(), "decay_factor") {
		t.Fatalf("expected decay_factor error, got %v", err)
	}
}

func TestEnsurePathsCreatesGlobalDir(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.GlobalDir = filepath.Join(t.TempDir(), "a", "b")
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("ensure paths: %v", err)
	}
	if fi, err := os.Stat(cfg.GlobalDir); err != nil || !fi.IsDir() {
		t.Fatalf("expected directory, got %v", err)
	}
}
