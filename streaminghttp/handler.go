package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/xenote/mcp-relay/auth"
	"github.com/xenote/mcp-relay/internal/jsonrpc"
	"github.com/xenote/mcp-relay/internal/logctx"
	"github.com/xenote/mcp-relay/internal/wellknown"
	"github.com/xenote/mcp-relay/mcp"
	"github.com/xenote/mcp-relay/relay"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"

	// notifyBuffer bounds how many undelivered list-changed notifications a
	// connection may accumulate while no SSE stream is attached.
	notifyBuffer = 8
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before
// a JSON-RPC exchange is possible. Shape:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog logger used by the handler. If not provided,
// logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = slog.New(logctx.Handler{Handler: log.Handler()}) }
}

// WithRealm sets the HTTP authentication realm advertised in
// WWW-Authenticate challenges. If empty (default), the realm attribute is
// omitted per RFC 6750.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = strings.TrimSpace(realm) }
}

// WithServerInfo overrides the implementation info returned from the
// initialize handshake.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(h *Handler) { h.serverInfo = info }
}

// Handler implements the streamable HTTP transport on top of a relay
// session registry.
type Handler struct {
	mux        *http.ServeMux
	log        *slog.Logger
	reg        *relay.Registry
	auth       auth.Authenticator
	realm      string
	serverInfo mcp.ImplementationInfo

	mu    sync.Mutex
	conns map[string]*rpcConn
}

// New constructs a Handler serving /mcp against the given registry. The
// authenticator gates every request; its UserID doubles as the relay
// session token.
func New(reg *relay.Registry, authenticator auth.Authenticator, opts ...Option) *Handler {
	h := &Handler{
		log:        slog.New(slog.DiscardHandler),
		reg:        reg,
		auth:       authenticator,
		serverInfo: mcp.ImplementationInfo{Name: "xenote-relay", Version: "1.0.0"},
		conns:      make(map[string]*rpcConn),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", h.handlePostMCP)
	mux.HandleFunc("GET /mcp", h.handleGetMCP)
	mux.HandleFunc("DELETE /mcp", h.handleDeleteMCP)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// rpcConn is one MCP client connection: a stable id handed to the client
// via the Mcp-Session-Id header plus a notification mailbox drained by the
// GET stream.
type rpcConn struct {
	id      string
	session *relay.Session

	mu     sync.Mutex
	closed bool
	notify chan []byte
}

var _ relay.RPCConn = (*rpcConn)(nil)

func newRPCConn(session *relay.Session) *rpcConn {
	return &rpcConn{
		id:      uuid.NewString(),
		session: session,
		notify:  make(chan []byte, notifyBuffer),
	}
}

func (c *rpcConn) SessionID() string { return c.id }

// ToolListChanged queues a tools/list_changed notification for the SSE
// stream. Delivery is best-effort: a full mailbox drops the notification
// rather than block the relay's session lock path.
func (c *rpcConn) ToolListChanged(ctx context.Context) error {
	n, err := jsonrpc.NewNotification(string(mcp.ToolsListChangedNotificationMethod), nil)
	if err != nil {
		return err
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.notify <- b:
		return nil
	default:
		return errors.New("notification buffer full")
	}
}

func (c *rpcConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.notify)
}

func (h *Handler) lookupConn(id string) *rpcConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[id]
}

func (h *Handler) addConn(c *rpcConn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Handler) removeConn(id string) *rpcConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.conns[id]
	delete(h.conns, id)
	return c
}

// handlePostMCP carries the JSON-RPC exchange: initialize handshakes mint a
// connection, everything else is routed by the Mcp-Session-Id header.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}
	sess := h.reg.GetOrCreate(userInfo.UserID())
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{Token: auth.Redact(sess.Token())})

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on streaming HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.handleInitialize(ctx, w, sess, &msg, start)
		return
	}

	conn := h.lookupConn(sessID)
	if conn == nil || conn.session != sess {
		writeJSONError(w, http.StatusBadRequest, "Invalid or missing session ID")
		h.log.InfoContext(ctx, "session.lookup.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		Token:        auth.Redact(sess.Token()),
		RPCSessionID: conn.id,
	})

	req := msg.AsRequest()
	if req == nil {
		// Client responses to server-initiated requests; the relay never
		// issues any, so there is nothing to correlate.
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "response.inbound.ignored")
		return
	}

	if req.ID.IsNil() {
		// Notifications (notifications/initialized and friends) are
		// acknowledged and otherwise ignored.
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	var resp *jsonrpc.Response
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	case mcp.PingMethod:
		resp, err = jsonrpc.NewResultResponse(req.ID, struct{}{})
	case mcp.ToolsListMethod:
		resp, err = jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{Tools: sess.Tools()})
	case mcp.ToolsCallMethod:
		resp, err = h.handleToolsCall(ctx, sess, req)
	default:
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error")
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok",
		slog.String("rpc_method", req.Method),
		slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, sess *relay.Session, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || mcp.Method(req.Method) != mcp.InitializeMethod {
		writeJSONError(w, http.StatusBadRequest, "expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}
	var initReq mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid initialize params")
			h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
			return
		}
	}

	conn := newRPCConn(sess)
	h.addConn(conn)
	sess.AttachRPC(conn)

	initRes := &mcp.InitializeResult{
		ProtocolVersion: mcp.NegotiateProtocolVersion(initReq.ProtocolVersion),
		Capabilities:    mcp.ToolsCapability(),
		ServerInfo:      h.serverInfo,
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, initRes)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set(mcpSessionIDHeader, conn.id)
	w.Header().Set(mcpProtocolVersionHeader, initRes.ProtocolVersion)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.initialize.ok",
		slog.String("rpc_id", conn.id),
		slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleToolsCall(ctx context.Context, sess *relay.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var call mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &call); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params"), nil
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: call.Name})
	h.log.InfoContext(ctx, "tool.call.start")

	res := sess.CallTool(ctx, call.Name, call.Arguments)
	return jsonrpc.NewResultResponse(req.ID, res)
}

// handleGetMCP opens the SSE stream that carries tools/list_changed
// notifications for an established connection.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}
	sess := h.reg.GetOrCreate(userInfo.UserID())

	sessID := r.Header.Get(mcpSessionIDHeader)
	conn := h.lookupConn(sessID)
	if sessID == "" || conn == nil || conn.session != sess {
		writeJSONError(w, http.StatusBadRequest, "Invalid or missing session ID")
		h.log.InfoContext(ctx, "session.lookup.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		Token:        auth.Redact(sess.Token()),
		RPCSessionID: conn.id,
	})

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			return
		case b, ok := <-conn.notify:
			if !ok {
				h.log.InfoContext(ctx, "sse.stream.closed", slog.Duration("dur", time.Since(start)))
				return
			}
			if err := writeSSEEvent(w, f, b); err != nil {
				h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
			h.log.InfoContext(ctx, "sse.message.deliver")
		}
	}
}

// handleDeleteMCP tears down an MCP client connection. The relay session
// itself lives on; only this client's handle goes away.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}
	sess := h.reg.GetOrCreate(userInfo.UserID())

	sessID := r.Header.Get(mcpSessionIDHeader)
	conn := h.lookupConn(sessID)
	if sessID == "" || conn == nil || conn.session != sess {
		writeJSONError(w, http.StatusBadRequest, "Invalid or missing session ID")
		h.log.InfoContext(ctx, "session.lookup.miss")
		return
	}

	h.removeConn(conn.id)
	sess.DetachRPC(conn.id)
	conn.close()

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.String("rpc_id", conn.id))
}

func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	prmURL := wellknown.RequestBaseURL(r) + "/.well-known/oauth-protected-resource"

	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		// RFC 6750 §3.1: no authentication information means no error code,
		// just a bare challenge pointing at the discovery document.
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, prmURL, nil))
		writeJSONError(w, http.StatusUnauthorized, "Missing or invalid token")
		return nil
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, prmURL, map[string]string{
			"error":             "invalid_request",
			"error_description": "malformed bearer authorization header",
		}))
		writeJSONError(w, http.StatusBadRequest, "Missing or invalid token")
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("token", auth.Redact(tok)))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, prmURL, map[string]string{
				"error":             "invalid_token",
				"error_description": "token is not recognized",
			}))
			writeJSONError(w, http.StatusUnauthorized, "Missing or invalid token")
			return nil
		}
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}

	return userInfo
}

// buildBearerChallenge builds an RFC 6750 Bearer challenge header value.
// Realm is omitted if empty; parameter order is fixed so tests can match
// the header verbatim.
func buildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 4)
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, payload []byte) error {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	f.Flush()
	return nil
}
