// Package mcp serves the memory service to agent CLIs as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/xiy/agent-memory/internal/memory"
	"github.com/xiy/agent-memory/pkg/types"
)

const (
	jsonRPCVersion         = "2.0"
	defaultProtocolVersion = "2024-11-05"

	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeRateLimited    = -32000
)

// Options configure a Server. A zero RequestsPerSecond disables rate limiting.
type Options struct {
	Name              string
	Version           string
	RequestsPerSecond float64
	Burst             int
}

// Server answers MCP requests against a memory service.
type Server struct {
	svc     *memory.Service
	logger  *log.Logger
	opts    Options
	limiter *rate.Limiter
	started time.Time

	mu    sync.Mutex
	stats Stats
}

// Stats counts what the server has done since it started.
type Stats struct {
	Requests  uint64            `json:"requests"`
	Errors    uint64            `json:"errors"`
	Throttled uint64            `json:"throttled"`
	ToolCalls map[string]uint64 `json:"tool_calls"`
	// Learnings counts applied learning details; MemoriesUpdated counts the
	// block writes they caused.
	Learnings       uint64        `json:"learnings_applied"`
	MemoriesUpdated uint64        `json:"memories_updated"`
	Consolidations  uint64        `json:"consolidations"`
	Scope           types.Scope   `json:"scope"`
	Uptime          time.Duration `json:"uptime_ns"`
}

// NewServer creates an MCP server.
func NewServer(svc *memory.Service, logger *log.Logger, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "agent-memory"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		svc:     svc,
		logger:  logger,
		opts:    opts,
		started: time.Now(),
		stats:   Stats{ToolCalls: map[string]uint64{}},
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return s
}

// Serve answers requests from in until the client closes it or ctx ends.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	conn := newStream(in, out)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, f, err := conn.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		var req request
		if err := json.Unmarshal(body, &req); err != nil {
			s.logger.Warn("invalid JSON-RPC request", "error", err)
			if err := conn.send(failure(nil, codeParseError, "parse error", err.Error()), f); err != nil {
				return err
			}
			continue
		}
		resp, reply := s.handle(ctx, req)
		if !reply {
			continue
		}
		if err := conn.send(resp, f); err != nil {
			return err
		}
	}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// handle answers one request. The bool is false for notifications, which get
// no reply.
func (s *Server) handle(ctx context.Context, req request) (response, bool) {
	s.count(func(st *Stats) { st.Requests++ })
	id := decodeID(req.ID)
	reply := len(req.ID) > 0

	switch req.Method {
	case "initialize":
		return success(id, s.initializeResult(req.Params)), reply
	case "notifications/initialized":
		return response{}, false
	case "ping":
		return success(id, map[string]any{}), reply
	case "tools/list":
		return success(id, map[string]any{"tools": toolDefinitions()}), reply
	case "tools/call":
		return s.callTool(ctx, id, req.Params), reply
	}
	if !reply {
		return response{}, false
	}
	return failure(id, codeMethodNotFound, "method not found", req.Method), true
}

// initializeResult echoes the client's protocol version and tells the agent
// which scope its learnings will land in.
func (s *Server) initializeResult(params json.RawMessage) map[string]any {
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(params, &p)
	pv := strings.TrimSpace(p.ProtocolVersion)
	if pv == "" {
		pv = defaultProtocolVersion
	}

	scopes := s.svc.Scopes()
	instructions := fmt.Sprintf(
		"Persistent memory blocks (persona, project, user, corrections) in a global and a project scope. "+
			"Learning and history write to the %s scope. Call memory_get_context before a task and "+
			"memory_learn_instruction when the user corrects you.", scopes.CurrentScope())
	if root := scopes.ProjectRoot(); root != "" {
		instructions += " Project root: " + root + "."
	}
	return map[string]any{
		"protocolVersion": pv,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    s.opts.Name,
			"version": s.opts.Version,
		},
		"instructions": instructions,
	}
}

func (s *Server) callTool(ctx context.Context, id any, params json.RawMessage) response {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return s.toolFailed(id, "", time.Now(), fmt.Errorf("invalid tools/call params: %w", err))
	}
	name := strings.TrimSpace(p.Name)

	if s.limiter != nil && !s.limiter.Allow() {
		s.count(func(st *Stats) { st.Throttled++ })
		s.logger.Warn("tool call throttled", "tool", name)
		return failure(id, codeRateLimited, "rate limit exceeded", nil)
	}

	started := time.Now()
	if len(p.Arguments) == 0 {
		p.Arguments = json.RawMessage(`{}`)
	}
	out, err := s.dispatch(ctx, name, p.Arguments)
	if err != nil {
		return s.toolFailed(id, name, started, err)
	}
	s.observe(name, out)
	res, err := toolResult(out)
	if err != nil {
		return s.toolFailed(id, name, started, err)
	}
	s.logger.Debug("tool call", "tool", name, "duration", time.Since(started))
	return success(id, res)
}

// toolFailed reports err inside a successful JSON-RPC reply, as MCP expects
// for tool-level failures.
func (s *Server) toolFailed(id any, tool string, started time.Time, err error) response {
	s.count(func(st *Stats) { st.Errors++ })
	s.logger.Warn("tool call failed", "tool", tool, "duration", time.Since(started), "error", err)
	return success(id, map[string]any{
		"content": []map[string]any{{"type": "text", "text": err.Error()}},
		"isError": true,
	})
}

// observe folds a successful tool result into the counters.
func (s *Server) observe(tool string, out any) {
	s.count(func(st *Stats) {
		st.ToolCalls[tool]++
		switch v := out.(type) {
		case types.LearningResult:
			for _, d := range v.Details {
				if d.Applied {
					st.Learnings++
				}
			}
			st.MemoriesUpdated += uint64(v.MemoriesUpdated)
		case types.ConsolidationResult:
			st.Consolidations++
		}
	})
}

func (s *Server) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// Snapshot returns a copy of the counters with the current scope.
func (s *Server) Snapshot() Stats {
	s.mu.Lock()
	out := s.stats
	out.ToolCalls = make(map[string]uint64, len(s.stats.ToolCalls))
	for k, v := range s.stats.ToolCalls {
		out.ToolCalls[k] = v
	}
	s.mu.Unlock()
	out.Scope = s.svc.Scopes().CurrentScope()
	out.Uptime = time.Since(s.started)
	return out
}

// busiestTools lists tool names by call count, highest first.
func (st Stats) busiestTools() []string {
	names := make([]string, 0, len(st.ToolCalls))
	for name := range st.ToolCalls {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if st.ToolCalls[names[i]] != st.ToolCalls[names[j]] {
			return st.ToolCalls[names[i]] > st.ToolCalls[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}

// toolResult wraps v as MCP tool output: pretty JSON text for the model plus
// the structured value for clients that read it.
func toolResult(v any) (map[string]any, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"content":           []map[string]any{{"type": "text", "text": string(b)}},
		"structuredContent": v,
		"isError":           false,
	}, nil
}

func success(id, result any) response {
	return response{JSONRPC: jsonRPCVersion, ID: id, Result: result}
}

func failure(id any, code int, msg string, data any) response {
	return response{JSONRPC: jsonRPCVersion, ID: id, Error: &rpcError{Code: code, Message: msg, Data: data}}
}

func decodeID(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
