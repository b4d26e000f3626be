package mcp

// ToolDefinition models MCP tool metadata.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

var (
	blockTypes   = []string{"persona", "project", "user", "corrections"}
	scopeNames   = []string{"project", "global"}
	roleNames    = []string{"user", "assistant", "system"}
	searchMethod = []string{"hybrid", "semantic", "keyword"}
	tagCategory  = []string{"all", "tech", "content"}
)

func conversationSchema() map[string]any {
	return jsonSchema(map[string]any{
		"agent_id": propString("Agent whose stored history to use when messages are omitted."),
		"limit":    propNumber("Most recent stored messages to consider."),
		"messages": map[string]any{
			"type": "array",
			"items": jsonSchema(map[string]any{
				"role":    propStringEnum("Message author.", roleNames),
				"content": propString("Message text."),
			}, []string{"role", "content"}),
		},
	}, nil)
}

func toolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "memory_search",
			Description: "Rank memory blocks against a query by semantic, keyword or hybrid scoring.",
			InputSchema: jsonSchema(map[string]any{
				"query":     propString("Search query."),
				"method":    propStringEnum("Ranking method, hybrid by default.", searchMethod),
				"scope":     propStringEnum("Optional scope filter.", scopeNames),
				"types":     propStringArray("Optional block type filter.", blockTypes),
				"limit":     propNumber("Maximum results."),
				"min_score": propNumber("Drop results scoring below this value (0-1)."),
			}, []string{"query"}),
		},
		{
			Name:        "memory_list_blocks",
			Description: "List memory blocks of one scope, or of both scopes when scope is omitted.",
			InputSchema: jsonSchema(map[string]any{
				"scope": propStringEnum("Optional scope.", scopeNames),
			}, nil),
		},
		{
			Name:        "memory_get_block",
			Description: "Fetch one memory block by id.",
			InputSchema: jsonSchema(map[string]any{
				"id": propString("Block ID."),
			}, []string{"id"}),
		},
		{
			Name:        "memory_save_block",
			Description: "Replace the content of a block, creating it when missing.",
			InputSchema: jsonSchema(map[string]any{
				"type":    propStringEnum("Block type.", blockTypes),
				"scope":   propStringEnum("Scope; defaults to the current scope.", scopeNames),
				"content": map[string]any{"type": "object", "description": "Block content for the given type."},
			}, []string{"type", "content"}),
		},
		{
			Name:        "memory_delete_block",
			Description: "Delete a memory block by id.",
			InputSchema: jsonSchema(map[string]any{
				"id": propString("Block ID."),
			}, []string{"id"}),
		},
		{
			Name:        "memory_set_scope",
			Description: "Switch the scope that learning and history write to.",
			InputSchema: jsonSchema(map[string]any{
				"scope": propStringEnum("New current scope.", scopeNames),
			}, []string{"scope"}),
		},
		{
			Name:        "memory_learn_instruction",
			Description: "Learn from one explicit instruction such as \"use tabs instead of spaces\".",
			InputSchema: jsonSchema(map[string]any{
				"instruction":  propString("Instruction text."),
				"target_block": propStringEnum("Optional block to write to.", blockTypes),
			}, []string{"instruction"}),
		},
		{
			Name:        "memory_learn_conversation",
			Description: "Detect patterns in a conversation and apply the confident ones. Uses the agent's stored history when messages are omitted.",
			InputSchema: conversationSchema(),
		},
		{
			Name:        "memory_analyze_conversation",
			Description: "Report topics, sentiment, entities, candidate patterns and tags for a conversation without writing memory.",
			InputSchema: conversationSchema(),
		},
		{
			Name:        "memory_detect_workflow",
			Description: "Find recurring action pairs in an ordered action log.",
			InputSchema: jsonSchema(map[string]any{
				"actions": map[string]any{
					"type": "array",
					"items": jsonSchema(map[string]any{
						"action":    propString("Action name."),
						"result":    propString("Optional outcome."),
						"timestamp": propString("RFC 3339 time."),
					}, []string{"action"}),
				},
			}, []string{"actions"}),
		},
		{
			Name:        "memory_consolidate",
			Description: "Deduplicate, decay and reinforce memory now.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
		{
			Name:        "memory_add_message",
			Description: "Append a conversation turn to an agent's history.",
			InputSchema: jsonSchema(map[string]any{
				"agent_id": propString("Agent identifier."),
				"role":     propStringEnum("Message author.", roleNames),
				"content":  propString("Message text."),
				"metadata": map[string]any{"type": "object"},
			}, []string{"agent_id", "role", "content"}),
		},
		{
			Name:        "memory_history",
			Description: "Return an agent's conversation history, oldest first.",
			InputSchema: jsonSchema(map[string]any{
				"agent_id": propString("Agent identifier."),
				"limit":    propNumber("Most recent messages to return."),
			}, []string{"agent_id"}),
		},
		{
			Name:        "memory_get_context",
			Description: "Return a compact, deduplicated memory context under a token budget.",
			InputSchema: jsonSchema(map[string]any{
				"query":        propString("Optional query; without one the most relevant blocks are used."),
				"scope":        propStringEnum("Optional scope filter.", scopeNames),
				"token_budget": propNumber("Maximum estimated tokens."),
				"limit":        propNumber("Maximum blocks to consider."),
			}, nil),
		},
		{
			Name:        "memory_clear_history",
			Description: "Delete an agent's conversation history in the current scope.",
			InputSchema: jsonSchema(map[string]any{
				"agent_id": propString("Agent identifier."),
			}, []string{"agent_id"}),
		},
		{
			Name:        "memory_register_agent",
			Description: "Register an agent so history and learning calls keep its last-used time.",
			InputSchema: jsonSchema(map[string]any{
				"id":       propString("Optional agent ID; generated when omitted."),
				"name":     propString("Display name."),
				"model":    propString("Model the agent runs on."),
				"settings": map[string]any{"type": "object"},
			}, []string{"model"}),
		},
		{
			Name:        "memory_list_agents",
			Description: "List agents registered in the current scope, most recently used first.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
		{
			Name:        "memory_suggest_tags",
			Description: "Suggest tags for a stored block or for free text.",
			InputSchema: jsonSchema(map[string]any{
				"block_id": propString("Block to tag."),
				"text":     propString("Free text to tag when no block is given."),
				"category": propStringEnum("Keep only this kind of tag.", tagCategory),
			}, nil),
		},
		{
			Name:        "memory_blocks_by_tag",
			Description: "List blocks in either scope carrying any of the tags.",
			InputSchema: jsonSchema(map[string]any{
				"tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			}, []string{"tags"}),
		},
		{
			Name:        "memory_blocks_by_relevance",
			Description: "List scored blocks at or above a relevance threshold, most relevant first.",
			InputSchema: jsonSchema(map[string]any{
				"min_score": propNumber("Relevance threshold (0-1)."),
			}, nil),
		},
		{
			Name:        "memory_set_relevance",
			Description: "Set a block's relevance, or recompute it from its access count when score is omitted.",
			InputSchema: jsonSchema(map[string]any{
				"id":    propString("Block ID."),
				"score": propNumber("New relevance (0-1)."),
			}, []string{"id"}),
		},
		{
			Name:        "memory_stats",
			Description: "Server counters and per-scope block, message and agent counts.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
	}
}

func jsonSchema(properties map[string]any, required []string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func propString(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func propStringEnum(description string, values []string) map[string]any {
	return map[string]any{"type": "string", "description": description, "enum": values}
}

func propStringArray(description string, values []string) map[string]any {
	return map[string]any{
		"type":        "array",
		"description": description,
		"items":       map[string]any{"type": "string", "enum": values},
	}
}

func propNumber(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}
