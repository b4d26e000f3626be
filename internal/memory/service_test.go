package memory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-memory/internal/config"
	"github.com/xiy/agent-memory/internal/embeddings"
	"github.com/xiy/agent-memory/internal/scope"
	"github.com/xiy/agent-memory/internal/search"
	"github.com/xiy/agent-memory/internal/store"
	"github.com/xiy/agent-memory/pkg/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	cfg := config.Default()
	cfg.GlobalDir = t.TempDir()
	m, err := scope.New(cfg.ScopeOptions(t.TempDir()), logger)
	if err != nil {
		t.Fatalf("scope.New() error = %v", err)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return NewService(m, embeddings.NewHashEmbedder(cfg.EmbeddingDimension), cfg, logger)
}

func TestSaveGetDeleteBlock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService(t)

	blk, err := svc.SaveBlock(ctx, "project", "", json.RawMessage(`{"tech_stack":["go","sqlite"],"description":"memory server"}`))
	if err != nil {
		t.Fatalf("SaveBlock() error = %v", err)
	}
	if blk.Scope != types.ScopeProject || blk.Version != 1 {
		t.Fatalf("unexpected block %+v", blk.MemoryBlock)
	}
	if len(blk.Embedding) != embeddings.DefaultDimension {
		t.Fatalf("expected embedding to be indexed, got %d dims", len(blk.Embedding))
	}
	if len(blk.ContextTags) == 0 || blk.ContextTags[0] == "" {
		t.Fatalf("expected tags, got %v", blk.ContextTags)
	}

	got, err := svc.GetBlock(ctx, blk.ID)
	if err != nil {
		t.Fatalf("GetBlock() error = %v", err)
	}
	if got.Content.(types.ProjectContent).Description != "memory server" {
		t.Fatalf("unexpected content %+v", got.Content)
	}

	list, err := svc.ListBlocks(ctx, "global")
	if err != nil {
		t.Fatalf("ListBlocks() error = %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty global scope, got %d blocks", len(list))
	}

	deleted, err := svc.DeleteBlock(ctx, blk.ID)
	if err != nil || !deleted {
		t.Fatalf("DeleteBlock() = %v, %v", deleted, err)
	}
	deleted, err = svc.DeleteBlock(ctx, blk.ID)
	if err != nil || deleted {
		t.Fatalf("second DeleteBlock() = %v, %v", deleted, err)
	}
	if _, err := svc.GetBlock(ctx, blk.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveBlock_Validates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService(t)

	cases := []struct {
		name, typ, scope, raw string
	}{
		{"unknown type", "misc", "", `{}`},
		{"unknown scope", "user", "team", `{}`},
		{"bad json", "user", "", `{"tools":`},
		{"empty list entry", "persona", "", `{"traits":[""]}`},
	}
	for _, tc := range cases {
		if _, err := svc.SaveBlock(ctx, tc.typ, tc.scope, json.RawMessage(tc.raw)); !errors.Is(err, types.ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}
}

func TestSearch_RequiresQuery(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)
	if _, err := svc.Search(context.Background(), "  ", search.Options{}); !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestExpandContext_RespectsTokenBudgetAndRecordsAccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService(t)

	project, err := svc.SaveBlock(ctx, "project", "", json.RawMessage(`{"tech_stack":["go"],"notes":["sqlite storage with wal mode"]}`))
	if err != nil {
		t.Fatalf("SaveBlock() error = %v", err)
	}
	if _, err := svc.SaveBlock(ctx, "user", "global", json.RawMessage(`{"tools":["vim"],"notes":["likes sqlite and short answers"]}`)); err != nil {
		t.Fatalf("SaveBlock() error = %v", err)
	}

	pack, err := svc.ExpandContext(ctx, ContextInput{Query: "sqlite storage", TokenBudget: 1000})
	if err != nil {
		t.Fatalf("ExpandContext() error = %v", err)
	}
	if len(pack.BlockIDs) != 2 {
		t.Fatalf("expected both blocks, got %v", pack.BlockIDs)
	}
	if !strings.Contains(pack.Text, "[project/project]") {
		t.Fatalf("expected project line, got %q", pack.Text)
	}

	got, err := svc.GetBlock(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetBlock() error = %v", err)
	}
	if got.AccessCount != 1 || got.LastAccessedAt == nil {
		t.Fatalf("expected recorded access, got count=%d", got.AccessCount)
	}

	small, err := svc.ExpandContext(ctx, ContextInput{Query: "sqlite storage", TokenBudget: 5})
	if err != nil {
		t.Fatalf("ExpandContext() error = %v", err)
	}
	if small.EstimatedTokens > 5 || len(small.BlockIDs) != 0 {
		t.Fatalf("budget not respected: %+v", small)
	}

	merged, err := svc.ExpandContext(ctx, ContextInput{TokenBudget: 1000})
	if err != nil {
		t.Fatalf("ExpandContext() error = %v", err)
	}
	if len(merged.BlockIDs) != 2 {
		t.Fatalf("expected merged view, got %v", merged.BlockIDs)
	}
}

func TestLearnConversation_FromStoredHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService(t)

	agent, err := svc.RegisterAgent(ctx, types.AgentRecord{Name: "coder", Model: "local"})
	if err != nil {
		t.Fatalf("RegisterAgent() error = %v", err)
	}
	for _, m := range []struct{ role, text string }{
		{"user", "always use TypeScript"},
		{"assistant", "ok, switching to typescript"},
		{"user", "use typescript for the tests too"},
	} {
		if _, err := svc.AddMessage(ctx, agent.ID, m.role, m.text, nil); err != nil {
			t.Fatalf("AddMessage() error = %v", err)
		}
	}
	hist, err := svc.History(ctx, agent.ID, 0)
	if err != nil || len(hist) != 3 {
		t.Fatalf("History() = %d, %v", len(hist), err)
	}

	res, err := svc.LearnConversation(ctx, agent.ID, nil, 0)
	if err != nil {
		t.Fatalf("LearnConversation() error = %v", err)
	}
	if res.MemoriesUpdated != 1 {
		t.Fatalf("expected one update, got %+v", res)
	}
	user, found, err := svc.Scopes().MergedBlock(ctx, types.BlockUser)
	if err != nil || !found {
		t.Fatalf("MergedBlock() = %v, %v", found, err)
	}
	if user.Content.(types.UserContent).Preferences["language"] != "typescript" {
		t.Fatalf("unexpected preferences %+v", user.Content)
	}

	n, err := svc.ClearHistory(ctx, agent.ID)
	if err != nil || n != 3 {
		t.Fatalf("ClearHistory() = %d, %v", n, err)
	}
	if _, err := svc.LearnConversation(ctx, "", nil, 0); !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestLearnInstruction_RejectsUnknownHint(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)
	if _, err := svc.LearnInstruction(context.Background(), "use tabs", "misc"); !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	res, err := svc.LearnInstruction(context.Background(), "use tabs instead of spaces", "")
	if err != nil || !res.Details[0].Applied {
		t.Fatalf("LearnInstruction() = %+v, %v", res, err)
	}
}
