package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xenote/mcp-relay/auth"
	"github.com/xenote/mcp-relay/mcp"
)

// RPCConn is the session-facing surface of one MCP client connection. The
// session only uses it to broadcast tool-list-changed notifications; the
// transport keeps everything else to itself.
type RPCConn interface {
	SessionID() string
	ToolListChanged(ctx context.Context) error
}

// pendingCall is one in-flight tool invocation. The channel is buffered so
// the resolving side never blocks; exactly-once resolution is enforced by
// removing the map entry under the session lock before sending.
type pendingCall struct {
	ch chan *mcp.CallToolResult
}

// Session is the per-token state binding one provider connection to
// zero-or-more MCP client connections. All mutable fields are guarded by
// mu; concurrent claim/release/register/tool_result/disconnect events for
// the same token serialize here.
type Session struct {
	token       string
	log         *slog.Logger
	callTimeout time.Duration

	mu       sync.Mutex
	provider *ProviderConn
	tools    []mcp.Tool
	pending  map[string]*pendingCall
	rpc      map[string]RPCConn
}

func newSession(token string, log *slog.Logger, callTimeout time.Duration) *Session {
	return &Session{
		token:       token,
		log:         log,
		callTimeout: callTimeout,
		pending:     make(map[string]*pendingCall),
		rpc:         make(map[string]RPCConn),
	}
}

// Token returns the bearer token this session is keyed by.
func (s *Session) Token() string { return s.token }

// Tools returns a copy of the currently registered tool list. Empty while
// no provider is claimed.
func (s *Session) Tools() []mcp.Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mcp.Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// Claimed reports whether a provider currently owns the session.
func (s *Session) Claimed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider != nil
}

// AttachRPC registers an MCP client connection for tool-list-changed
// broadcasts.
func (s *Session) AttachRPC(c RPCConn) {
	s.mu.Lock()
	s.rpc[c.SessionID()] = c
	s.mu.Unlock()
}

// DetachRPC removes an MCP client connection. Detaching an unknown id is a
// no-op.
func (s *Session) DetachRPC(id string) {
	s.mu.Lock()
	delete(s.rpc, id)
	s.mu.Unlock()
}

// CallTool forwards a tool invocation to the claimed provider and blocks
// until it answers, the per-call deadline fires, or ctx is done. Every
// outcome is a tool result; transport-level failures surface to the MCP
// caller as error-shaped results, never Go errors.
func (s *Session) CallTool(ctx context.Context, name string, args json.RawMessage) *mcp.CallToolResult {
	s.mu.Lock()
	if s.provider == nil {
		s.mu.Unlock()
		return errorResult("No browser tab connected. Open Xenote and claim the MCP session.")
	}
	if !s.hasToolLocked(name) {
		s.mu.Unlock()
		return errorResult("Unknown tool: " + name)
	}

	id := uuid.NewString()
	pc := &pendingCall{ch: make(chan *mcp.CallToolResult, 1)}
	s.pending[id] = pc
	prov := s.provider
	s.mu.Unlock()

	s.log.InfoContext(ctx, "relay.call.forward",
		slog.String("token", auth.Redact(s.token)),
		slog.String("tool", name),
		slog.String("call_id", id))

	if err := prov.emit(ctx, toolCallPayload{Topic: TopicToolCall, ID: id, Name: name, Arguments: args}); err != nil {
		if s.removePending(id) {
			s.log.WarnContext(ctx, "relay.call.emit.fail", slog.String("err", err.Error()))
			return errorResult("Failed to deliver tool call to browser tab")
		}
		// A concurrent cleanup already resolved the call.
		return <-pc.ch
	}

	timer := time.NewTimer(s.callTimeout)
	defer timer.Stop()

	select {
	case res := <-pc.ch:
		return res
	case <-timer.C:
		if s.removePending(id) {
			s.log.InfoContext(ctx, "relay.call.timeout", slog.String("call_id", id))
			return errorResult(fmt.Sprintf("Tool call timed out after %s", s.callTimeout))
		}
		// The result raced the timer and won; the entry is gone and the
		// channel holds the answer.
		return <-pc.ch
	case <-ctx.Done():
		if s.removePending(id) {
			return errorResult("Tool call cancelled")
		}
		return <-pc.ch
	}
}

// claim installs c as the session's provider, evicting any previous owner
// first. The eviction (notify, fail pending calls, clear tools) completes
// under the session lock before the new provider is visible, so no pending
// call can be resolved by the wrong tab.
func (s *Session) claim(ctx context.Context, c *ProviderConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := s.provider; prev != nil && prev != c {
		if err := prev.emit(ctx, releasedPayload{Topic: TopicReleased, Reason: "Another tab claimed the session"}); err != nil {
			s.log.WarnContext(ctx, "relay.evict.notify.fail", slog.String("err", err.Error()))
		}
		s.failAllPendingLocked("Session claimed by another tab")
		s.tools = nil
	}
	s.provider = c
}

// dropProvider clears ownership if c is the current provider: tools are
// cleared, pending calls fail with reason, and attached MCP connections
// learn the tool list changed. Reports whether c was the owner. Used by
// both explicit release and transport disconnect.
func (s *Session) dropProvider(ctx context.Context, c *ProviderConn, reason string) bool {
	s.mu.Lock()
	if s.provider != c {
		s.mu.Unlock()
		return false
	}
	s.provider = nil
	s.tools = nil
	s.failAllPendingLocked(reason)
	s.mu.Unlock()

	s.notifyToolListChanged(ctx)
	return true
}

// registerTools replaces the tool list wholesale if c is the current
// provider and reports the new count.
func (s *Session) registerTools(ctx context.Context, c *ProviderConn, tools []mcp.Tool) (int, bool) {
	s.mu.Lock()
	if s.provider != c {
		s.mu.Unlock()
		return 0, false
	}
	s.tools = tools
	count := len(tools)
	s.mu.Unlock()

	s.notifyToolListChanged(ctx)
	return count, true
}

// resolveResult completes the pending call id, if it still exists. A
// result for an unknown id (already timed out, already failed, or never
// issued) is dropped. Reports whether a call was resolved.
func (s *Session) resolveResult(id string, result json.RawMessage, errText string) bool {
	s.mu.Lock()
	pc, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if errText != "" {
		pc.ch <- errorResult(errText)
		return true
	}
	pc.ch <- textResult(coerceText(result))
	return true
}

// removePending deletes the pending entry for id, reporting whether it was
// still present. Deletion happens under the session lock, so timeout and
// answer cannot both claim the same call.
func (s *Session) removePending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

// failAllPendingLocked resolves every in-flight call with an error result.
// Callers must hold s.mu.
func (s *Session) failAllPendingLocked(reason string) {
	for id, pc := range s.pending {
		delete(s.pending, id)
		pc.ch <- errorResult(reason)
	}
}

// notifyToolListChanged tells every attached MCP connection that the tool
// list changed. Delivery is best-effort: one dead connection must not keep
// the others from hearing about it.
func (s *Session) notifyToolListChanged(ctx context.Context) {
	s.mu.Lock()
	conns := make([]RPCConn, 0, len(s.rpc))
	for _, c := range s.rpc {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.ToolListChanged(ctx); err != nil {
			s.log.WarnContext(ctx, "relay.notify.fail",
				slog.String("rpc_id", c.SessionID()),
				slog.String("err", err.Error()))
		}
	}
}

func (s *Session) hasToolLocked(name string) bool {
	for _, t := range s.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// coerceText renders a raw tool result as text: JSON strings are unwrapped,
// anything else is serialized to its compact JSON form.
func coerceText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.ContentBlock{{Type: "text", Text: text}},
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: text}},
	}
}
