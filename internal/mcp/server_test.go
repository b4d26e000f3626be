package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-memory/internal/config"
	"github.com/xiy/agent-memory/internal/embeddings"
	"github.com/xiy/agent-memory/internal/memory"
	"github.com/xiy/agent-memory/internal/scope"
	"github.com/xiy/agent-memory/internal/tagger"
	"github.com/xiy/agent-memory/pkg/types"
)

func newTestServer(t *testing.T, opts Options) *Server {
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
	svc := memory.NewService(m, embeddings.NewHashEmbedder(0), cfg, logger)
	return NewServer(svc, logger, opts)
}

func callTool(t *testing.T, srv *Server, name string, args string) map[string]any {
	t.Helper()
	params := json.RawMessage(`{"name":"` + name + `","arguments":` + args + `}`)
	resp, ok := srv.handle(context.Background(), request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/call", Params: params})
	if !ok {
		t.Fatalf("%s: expected response", name)
	}
	if resp.Error != nil {
		t.Fatalf("%s: unexpected error response: %+v", name, resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("%s: unexpected result type %T", name, resp.Result)
	}
	return result
}

func resultText(t *testing.T, result map[string]any) string {
	t.Helper()
	content, ok := result["content"].([]map[string]any)
	if !ok || len(content) == 0 {
		t.Fatalf("missing content in %+v", result)
	}
	text, _ := content[0]["text"].(string)
	return text
}

func TestHandle_ToolsList(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Options{})

	id := json.RawMessage(`1`)
	resp, ok := srv.handle(context.Background(), request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "tools/list",
	})
	if !ok {
		t.Fatal("expected response")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}

	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	tools, ok := result["tools"].([]ToolDefinition)
	if !ok || len(tools) == 0 {
		t.Fatalf("expected non-empty tools list")
	}
}

func TestToolDefinitions_AllDispatch(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Options{})
	for _, tool := range toolDefinitions() {
		_, err := srv.dispatch(context.Background(), tool.Name, json.RawMessage(`{}`))
		if err != nil && strings.Contains(err.Error(), "unknown tool") {
			t.Fatalf("tool %s is listed but not handled", tool.Name)
		}
	}
}

func TestStream_HeaderFramingRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := newStream(strings.NewReader(""), &buf)
	if err := w.send(success(1, map[string]any{"ok": true}), framingHeader); err != nil {
		t.Fatalf("send() error = %v", err)
	}
	if !strings.HasPrefix(buf.String(), "Content-Length: ") {
		t.Fatalf("expected header framing, got %q", buf.String())
	}

	r := newStream(bytes.NewReader(buf.Bytes()), io.Discard)
	body, f, err := r.next()
	if err != nil {
		t.Fatalf("next() error = %v", err)
	}
	if f != framingHeader {
		t.Fatalf("expected header framing, got %v", f)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got["jsonrpc"] != "2.0" {
		t.Fatalf("expected jsonrpc 2.0, got %v", got["jsonrpc"])
	}
	if _, _, err := r.next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after last message, got %v", err)
	}
}

func TestStream_MixedFramingAndBlankLines(t *testing.T) {
	t.Parallel()
	ping := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	raw := "\n\n" + ping + "\n" +
		"content-length: " + strconv.Itoa(len(ping)) + "\r\n\r\n" + ping
	r := newStream(strings.NewReader(raw), io.Discard)

	for _, want := range []framing{framingLine, framingHeader} {
		body, f, err := r.next()
		if err != nil {
			t.Fatalf("next() error = %v", err)
		}
		if f != want {
			t.Fatalf("framing = %v, want %v", f, want)
		}
		var req request
		if err := json.Unmarshal(body, &req); err != nil || req.Method != "ping" {
			t.Fatalf("unexpected body %q (%v)", body, err)
		}
	}
}

func TestStream_RejectsBadContentLength(t *testing.T) {
	t.Parallel()
	r := newStream(strings.NewReader("Content-Length: nope\r\n\r\n{}"), io.Discard)
	if _, _, err := r.next(); err == nil {
		t.Fatal("expected error for invalid Content-Length")
	}
}

func TestServe_JSONLineInitialize(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Options{})

	in := bytes.NewBufferString("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"initialize\",\"params\":{\"protocolVersion\":\"2024-11-05\"}}\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	line := bytes.TrimSpace(out.Bytes())
	if len(line) == 0 {
		t.Fatal("expected JSON-line response, got empty output")
	}
	if bytes.Contains(line, []byte("Content-Length:")) {
		t.Fatalf("expected JSON-line response, got framed output: %q", string(line))
	}

	var resp struct {
		JSONRPC string `json:"jsonrpc"`
		Result  struct {
			ProtocolVersion string `json:"protocolVersion"`
			Instructions    string `json:"instructions"`
		} `json:"result"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("json.Unmarshal(response) error = %v", err)
	}
	if resp.JSONRPC != "2.0" || resp.Result.ProtocolVersion != "2024-11-05" {
		t.Fatalf("unexpected initialize response %s", line)
	}
	if !strings.Contains(resp.Result.Instructions, "project scope") {
		t.Fatalf("expected current scope in instructions, got %q", resp.Result.Instructions)
	}
}

func TestToolCall_LearnThenSearch(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Options{})

	res := callTool(t, srv, "memory_learn_instruction", `{"instruction":"use tabs instead of spaces"}`)
	if res["isError"] != false {
		t.Fatalf("learn failed: %s", resultText(t, res))
	}
	learned, ok := res["structuredContent"].(types.LearningResult)
	if !ok || len(learned.Details) != 1 || !learned.Details[0].Applied {
		t.Fatalf("unexpected learning result %+v", res["structuredContent"])
	}
	if learned.Details[0].TargetBlock != types.BlockCorrections {
		t.Fatalf("expected corrections target, got %q", learned.Details[0].TargetBlock)
	}

	res = callTool(t, srv, "memory_search", `{"query":"tabs spaces","method":"keyword"}`)
	found, ok := res["structuredContent"].(types.SearchResponse)
	if !ok || found.Total != 1 {
		t.Fatalf("unexpected search response %+v", res["structuredContent"])
	}
	if found.Results[0].Block.Type != types.BlockCorrections {
		t.Fatalf("expected corrections block, got %q", found.Results[0].Block.Type)
	}

	res = callTool(t, srv, "memory_get_block", `{"id":"`+found.Results[0].Block.ID+`"}`)
	if res["isError"] != false {
		t.Fatalf("get block failed: %s", resultText(t, res))
	}
}

func TestToolCall_ReportsErrors(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Options{})

	cases := []struct{ name, args, want string }{
		{"memory_search", `{"query":""}`, "query is required"},
		{"memory_save_block", `{"type":"misc","content":{}}`, "unknown block type"},
		{"memory_get_block", `{"id":"missing"}`, "not found"},
		{"memory_search", `{"query":"x","scope":"team"}`, "unsupported scope"},
		{"memory_nope", `{}`, "unknown tool"},
	}
	for _, tc := range cases {
		res := callTool(t, srv, tc.name, tc.args)
		if res["isError"] != true {
			t.Fatalf("%s: expected tool error", tc.name)
		}
		if text := resultText(t, res); !strings.Contains(text, tc.want) {
			t.Fatalf("%s: expected %q in %q", tc.name, tc.want, text)
		}
	}
	snap := srv.Snapshot()
	if snap.Errors != uint64(len(cases)) {
		t.Fatalf("expected %d errors, got %d", len(cases), snap.Errors)
	}
	if len(snap.ToolCalls) != 0 {
		t.Fatalf("failed calls must not count as tool calls: %v", snap.ToolCalls)
	}
}

func TestToolCall_RateLimited(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Options{RequestsPerSecond: 0.001, Burst: 1})

	callTool(t, srv, "memory_consolidate", `{}`)
	resp, _ := srv.handle(context.Background(), request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"memory_consolidate","arguments":{}}`),
	})
	if resp.Error == nil || resp.Error.Code != -32000 {
		t.Fatalf("expected rate limit error, got %+v", resp)
	}
	if srv.Snapshot().Throttled != 1 {
		t.Fatalf("expected one throttled call")
	}

	// Non tool methods are never throttled.
	if resp, _ := srv.handle(context.Background(), request{JSONRPC: "2.0", ID: json.RawMessage(`3`), Method: "ping"}); resp.Error != nil {
		t.Fatalf("ping throttled: %+v", resp.Error)
	}
}

func TestServe_HistoryRoundTrip(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Options{})

	in := bytes.NewBufferString(
		"{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"tools/call\",\"params\":{\"name\":\"memory_add_message\",\"arguments\":{\"agent_id\":\"a1\",\"role\":\"user\",\"content\":\"hello\"}}}\n" +
			"{\"jsonrpc\":\"2.0\",\"method\":\"notifications/initialized\"}\n" +
			"{\"jsonrpc\":\"2.0\",\"id\":2,\"method\":\"tools/call\",\"params\":{\"name\":\"memory_history\",\"arguments\":{\"agent_id\":\"a1\"}}}\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 responses, got %d: %q", len(lines), out.String())
	}
	var resp struct {
		Result struct {
			StructuredContent struct {
				Messages []types.ConversationMessage `json:"messages"`
			} `json:"structuredContent"`
			IsError bool `json:"isError"`
		} `json:"result"`
	}
	if err := json.Unmarshal(lines[1], &resp); err != nil {
		t.Fatalf("json.Unmarshal(response) error = %v", err)
	}
	if resp.Result.IsError || len(resp.Result.StructuredContent.Messages) != 1 {
		t.Fatalf("unexpected history response %s", lines[1])
	}
	if resp.Result.StructuredContent.Messages[0].Content != "hello" {
		t.Fatalf("unexpected message %+v", resp.Result.StructuredContent.Messages[0])
	}
}

func TestToolCall_AgentsAndHistory(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Options{})

	res := callTool(t, srv, "memory_register_agent", `{"id":"coder","name":"Coder","model":"local"}`)
	agent, ok := res["structuredContent"].(types.AgentRecord)
	if !ok || agent.ID != "coder" {
		t.Fatalf("unexpected agent %+v (%s)", res["structuredContent"], resultText(t, res))
	}
	callTool(t, srv, "memory_add_message", `{"agent_id":"coder","role":"user","content":"I prefer typescript"}`)
	callTool(t, srv, "memory_add_message", `{"agent_id":"coder","role":"user","content":"we use postgres for storage"}`)

	res = callTool(t, srv, "memory_list_agents", `{}`)
	agents := res["structuredContent"].(map[string]any)["agents"].([]types.AgentRecord)
	if len(agents) != 1 || !agents[0].LastUsed.After(agent.LastUsed) {
		t.Fatalf("expected touched agent, got %+v", agents)
	}

	res = callTool(t, srv, "memory_analyze_conversation", `{"agent_id":"coder"}`)
	insight, ok := res["structuredContent"].(memory.ConversationInsight)
	if !ok {
		t.Fatalf("unexpected analysis %s", resultText(t, res))
	}
	if len(insight.Patterns) == 0 || !containsString(insight.Tags.Tags, "typescript") {
		t.Fatalf("expected patterns and typescript tag, got %+v", insight)
	}

	res = callTool(t, srv, "memory_clear_history", `{"agent_id":"coder"}`)
	if got := res["structuredContent"].(map[string]any)["deleted"]; got != int64(2) {
		t.Fatalf("expected 2 deleted messages, got %v", got)
	}
	res = callTool(t, srv, "memory_history", `{"agent_id":"coder"}`)
	if msgs := res["structuredContent"].(map[string]any)["messages"].([]types.ConversationMessage); len(msgs) != 0 {
		t.Fatalf("expected empty history, got %d", len(msgs))
	}
}

func TestToolCall_DetectWorkflow(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Options{})

	res := callTool(t, srv, "memory_detect_workflow", `{"actions":[{"action":"edit"},{"action":"test"},{"action":"edit"},{"action":"test"}]}`)
	found := res["structuredContent"].(map[string]any)["patterns"].([]types.DetectedPattern)
	if len(found) != 2 || found[0].Value != "edit -> test" || found[0].Frequency != 2 {
		t.Fatalf("unexpected workflow patterns %+v", found)
	}

	res = callTool(t, srv, "memory_detect_workflow", `{"actions":[{"action":" "}]}`)
	if res["isError"] != true {
		t.Fatal("expected error for empty action")
	}
}

func TestToolCall_TagsAndRelevance(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Options{})

	res := callTool(t, srv, "memory_save_block", `{"type":"project","content":{"tech_stack":["go","sqlite"],"description":"memory server"}}`)
	blk, ok := res["structuredContent"].(types.EnhancedBlock)
	if !ok {
		t.Fatalf("save failed: %s", resultText(t, res))
	}

	res = callTool(t, srv, "memory_suggest_tags", `{"block_id":"`+blk.ID+`","category":"tech"}`)
	tags := res["structuredContent"].(tagger.Result).Tags
	if !containsString(tags, "sqlite") || containsString(tags, "project") {
		t.Fatalf("unexpected tech tags %v", tags)
	}
	res = callTool(t, srv, "memory_suggest_tags", `{"text":"x","category":"misc"}`)
	if res["isError"] != true {
		t.Fatal("expected error for unknown category")
	}

	res = callTool(t, srv, "memory_blocks_by_tag", `{"tags":["SQLite"]}`)
	byTag := res["structuredContent"].(map[string]any)["blocks"].([]types.EnhancedBlock)
	if len(byTag) != 1 || byTag[0].ID != blk.ID {
		t.Fatalf("unexpected tag lookup %+v", byTag)
	}

	res = callTool(t, srv, "memory_set_relevance", `{"id":"`+blk.ID+`","score":0.9}`)
	if res["isError"] != false {
		t.Fatalf("set relevance failed: %s", resultText(t, res))
	}
	res = callTool(t, srv, "memory_blocks_by_relevance", `{"min_score":0.8}`)
	byRel := res["structuredContent"].(map[string]any)["blocks"].([]types.EnhancedBlock)
	if len(byRel) != 1 || byRel[0].ID != blk.ID {
		t.Fatalf("unexpected relevance lookup %+v", byRel)
	}

	// Without a score the value is recomputed from the access count.
	res = callTool(t, srv, "memory_set_relevance", `{"id":"`+blk.ID+`"}`)
	score := res["structuredContent"].(map[string]any)["relevance_score"].(float64)
	if score >= 0.9 {
		t.Fatalf("expected recomputed relevance below 0.9, got %v", score)
	}
	res = callTool(t, srv, "memory_set_relevance", `{"id":"`+blk.ID+`","score":1.5}`)
	if res["isError"] != true {
		t.Fatal("expected error for out-of-range score")
	}
}

func TestToolCall_StatsCountLearning(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Options{})

	callTool(t, srv, "memory_learn_instruction", `{"instruction":"use tabs instead of spaces"}`)
	callTool(t, srv, "memory_learn_instruction", `{"instruction":"use tabs instead of spaces"}`)
	callTool(t, srv, "memory_consolidate", `{}`)

	res := callTool(t, srv, "memory_stats", `{}`)
	out := res["structuredContent"].(map[string]any)
	st := out["server"].(Stats)
	if st.Learnings != 2 || st.MemoriesUpdated != 1 || st.Consolidations != 1 {
		t.Fatalf("unexpected learning counters %+v", st)
	}
	if st.ToolCalls["memory_learn_instruction"] != 2 || st.Scope != types.ScopeProject {
		t.Fatalf("unexpected tool counters %+v", st)
	}
	if busiest := out["busiest_tools"].([]string); busiest[0] != "memory_learn_instruction" {
		t.Fatalf("unexpected busiest tools %v", busiest)
	}
	if scopes := out["scopes"].([]memory.ScopeOverview); len(scopes) != 2 || scopes[0].Stats.Blocks != 1 {
		t.Fatalf("unexpected scope overview %+v", scopes)
	}
}

func containsString(items []string, want string) bool {
	for _, it := range items {
		if it == want {
			return true
		}
	}
	return false
}
