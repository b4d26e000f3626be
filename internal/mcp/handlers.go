package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xiy/agent-memory/internal/memory"
	"github.com/xiy/agent-memory/internal/search"
	"github.com/xiy/agent-memory/pkg/types"
)

type searchArgs struct {
	Query    string   `json:"query"`
	Method   string   `json:"method"`
	Scope    string   `json:"scope"`
	Types    []string `json:"types"`
	Limit    int      `json:"limit"`
	MinScore float64  `json:"min_score"`
}

type idArgs struct {
	ID string `json:"id"`
}

type scopeArgs struct {
	Scope string `json:"scope"`
}

type saveBlockArgs struct {
	Type    string          `json:"type"`
	Scope   string          `json:"scope"`
	Content json.RawMessage `json:"content"`
}

type instructionArgs struct {
	Instruction string `json:"instruction"`
	TargetBlock string `json:"target_block"`
}

type messageArgs struct {
	AgentID  string         `json:"agent_id"`
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

type historyArgs struct {
	AgentID string `json:"agent_id"`
	Limit   int    `json:"limit"`
}

type contextArgs struct {
	Query       string `json:"query"`
	Scope       string `json:"scope"`
	TokenBudget int    `json:"token_budget"`
	Limit       int    `json:"limit"`
}

type conversationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type conversationArgs struct {
	AgentID  string                `json:"agent_id"`
	Limit    int                   `json:"limit"`
	Messages []conversationMessage `json:"messages"`
}

func (a conversationArgs) messages() []types.ConversationMessage {
	out := make([]types.ConversationMessage, 0, len(a.Messages))
	for _, m := range a.Messages {
		out = append(out, types.ConversationMessage{AgentID: a.AgentID, Role: types.Role(m.Role), Content: m.Content})
	}
	return out
}

type agentArgs struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Model    string         `json:"model"`
	Settings map[string]any `json:"settings"`
}

type workflowArgs struct {
	Actions []types.ActionLogEntry `json:"actions"`
}

type suggestTagsArgs struct {
	BlockID  string `json:"block_id"`
	Text     string `json:"text"`
	Category string `json:"category"`
}

type tagsArgs struct {
	Tags []string `json:"tags"`
}

type relevanceArgs struct {
	ID       string   `json:"id"`
	Score    *float64 `json:"score"`
	MinScore float64  `json:"min_score"`
}

// dispatch runs one tool and returns the value to report.
func (s *Server) dispatch(ctx context.Context, tool string, raw json.RawMessage) (any, error) {
	switch tool {
	case "memory_search":
		var in searchArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		opts, err := in.options()
		if err != nil {
			return nil, err
		}
		return s.svc.Search(ctx, in.Query, opts)
	case "memory_list_blocks":
		var in scopeArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		blocks, err := s.svc.ListBlocks(ctx, in.Scope)
		if err != nil {
			return nil, err
		}
		return map[string]any{"blocks": nonNil(blocks)}, nil
	case "memory_get_block":
		var in idArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		return s.svc.GetBlock(ctx, in.ID)
	case "memory_save_block":
		var in saveBlockArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		return s.svc.SaveBlock(ctx, in.Type, in.Scope, in.Content)
	case "memory_delete_block":
		var in idArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		deleted, err := s.svc.DeleteBlock(ctx, in.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": in.ID, "deleted": deleted}, nil
	case "memory_set_scope":
		var in scopeArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		if err := s.svc.SetScope(in.Scope); err != nil {
			return nil, err
		}
		return map[string]any{"scope": s.svc.Scopes().CurrentScope()}, nil
	case "memory_learn_instruction":
		var in instructionArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		return s.svc.LearnInstruction(ctx, in.Instruction, in.TargetBlock)
	case "memory_learn_conversation":
		var in conversationArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		return s.svc.LearnConversation(ctx, in.AgentID, in.messages(), in.Limit)
	case "memory_analyze_conversation":
		var in conversationArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		return s.svc.AnalyzeConversation(ctx, in.AgentID, in.messages(), in.Limit)
	case "memory_detect_workflow":
		var in workflowArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		found, err := s.svc.DetectWorkflow(in.Actions)
		if err != nil {
			return nil, err
		}
		return map[string]any{"patterns": found}, nil
	case "memory_consolidate":
		return s.svc.Consolidate(ctx)
	case "memory_add_message":
		var in messageArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		return s.svc.AddMessage(ctx, in.AgentID, in.Role, in.Content, in.Metadata)
	case "memory_history":
		var in historyArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		msgs, err := s.svc.History(ctx, in.AgentID, in.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"agent_id": in.AgentID, "messages": nonNil(msgs)}, nil
	case "memory_clear_history":
		var in historyArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		n, err := s.svc.ClearHistory(ctx, in.AgentID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"agent_id": in.AgentID, "deleted": n}, nil
	case "memory_register_agent":
		var in agentArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		return s.svc.RegisterAgent(ctx, types.AgentRecord{ID: in.ID, Name: in.Name, Model: in.Model, Settings: in.Settings})
	case "memory_list_agents":
		agents, err := s.svc.ListAgents(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"agents": nonNil(agents)}, nil
	case "memory_suggest_tags":
		var in suggestTagsArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		return s.svc.SuggestTags(ctx, in.BlockID, in.Text, in.Category)
	case "memory_blocks_by_tag":
		var in tagsArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		blocks, err := s.svc.BlocksByTags(ctx, in.Tags)
		if err != nil {
			return nil, err
		}
		return map[string]any{"blocks": nonNil(blocks)}, nil
	case "memory_blocks_by_relevance":
		var in relevanceArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		blocks, err := s.svc.BlocksByRelevance(ctx, in.MinScore)
		if err != nil {
			return nil, err
		}
		return map[string]any{"blocks": nonNil(blocks)}, nil
	case "memory_set_relevance":
		var in relevanceArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		score, err := s.svc.SetRelevance(ctx, in.ID, in.Score)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": in.ID, "relevance_score": score}, nil
	case "memory_get_context":
		var in contextArgs
		if err := decodeArgs(tool, raw, &in); err != nil {
			return nil, err
		}
		sc, err := optionalScope(in.Scope)
		if err != nil {
			return nil, err
		}
		return s.svc.ExpandContext(ctx, memory.ContextInput{
			Query:       in.Query,
			Scope:       sc,
			TokenBudget: in.TokenBudget,
			Limit:       in.Limit,
		})
	case "memory_stats":
		scopes, err := s.svc.Overview(ctx)
		if err != nil {
			return nil, err
		}
		st := s.Snapshot()
		return map[string]any{"server": st, "busiest_tools": st.busiestTools(), "scopes": scopes}, nil
	}
	return nil, fmt.Errorf("unknown tool %q", tool)
}

func (a searchArgs) options() (search.Options, error) {
	sc, err := optionalScope(a.Scope)
	if err != nil {
		return search.Options{}, err
	}
	opts := search.Options{
		Method:   types.SearchMethod(a.Method),
		Scope:    sc,
		Limit:    a.Limit,
		MinScore: a.MinScore,
	}
	for _, name := range a.Types {
		t, err := types.ParseBlockType(name)
		if err != nil {
			return search.Options{}, err
		}
		opts.Types = append(opts.Types, t)
	}
	return opts, nil
}

func optionalScope(name string) (types.Scope, error) {
	if name == "" {
		return "", nil
	}
	return types.ParseScope(name)
}

func decodeArgs(tool string, raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid %s arguments: %w", tool, err)
	}
	return nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
