package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/xenote/mcp-relay/auth"
)

// ProviderTransport is the narrow surface the relay needs from a
// bidirectional connection: send an event, nothing more. Inbound messages
// and disconnects arrive through ProviderConn's handler methods, driven by
// whatever read loop the transport runs.
type ProviderTransport interface {
	Emit(ctx context.Context, event string, payload any) error
}

// EventName is the single event the sub-protocol uses in both directions;
// frames are discriminated by their topic field.
const EventName = "mcp"

// ProviderConn is the per-connection state machine for a browser-side tool
// provider: Unclaimed → Claimed → (Released | Disconnected), where a
// released connection may claim again. Its only mutable state is the token
// it has claimed.
type ProviderConn struct {
	reg       *Registry
	log       *slog.Logger
	transport ProviderTransport

	mu    sync.Mutex
	token string // claimed token; empty until a successful claim
}

// NewProviderConn wires a freshly accepted bidirectional connection to the
// registry. The transport layer owns the connection's lifetime and must
// call HandleMessage for each inbound frame and HandleDisconnect exactly
// once when the connection goes away.
func NewProviderConn(reg *Registry, transport ProviderTransport) *ProviderConn {
	return &ProviderConn{reg: reg, log: reg.log, transport: transport}
}

func (c *ProviderConn) emit(ctx context.Context, payload any) error {
	return c.transport.Emit(ctx, EventName, payload)
}

func (c *ProviderConn) claimedToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// HandleMessage applies one inbound frame. Messages from a single
// connection are expected to arrive in order; the transport's read loop
// provides that naturally.
func (c *ProviderConn) HandleMessage(ctx context.Context, msg *Message) {
	switch msg.Topic {
	case TopicClaim:
		c.handleClaim(ctx, msg)
	case TopicRelease:
		c.handleRelease(ctx)
	case TopicRegister:
		c.handleRegister(ctx, msg)
	case TopicToolResult:
		c.handleToolResult(ctx, msg)
	default:
		c.log.DebugContext(ctx, "relay.message.unknown_topic", slog.String("topic", msg.Topic))
	}
}

func (c *ProviderConn) handleClaim(ctx context.Context, msg *Message) {
	if msg.Token == "" {
		if err := c.emit(ctx, errorPayload{Topic: TopicError, Error: "Token required"}); err != nil {
			c.log.WarnContext(ctx, "relay.claim.reply.fail", slog.String("err", err.Error()))
		}
		return
	}

	sess := c.reg.GetOrCreate(msg.Token)
	sess.claim(ctx, c)

	c.mu.Lock()
	c.token = msg.Token
	c.mu.Unlock()

	c.log.InfoContext(ctx, "relay.claim.ok", slog.String("token", auth.Redact(msg.Token)))
	if err := c.emit(ctx, claimedPayload{Topic: TopicClaimed}); err != nil {
		c.log.WarnContext(ctx, "relay.claim.reply.fail", slog.String("err", err.Error()))
	}
}

func (c *ProviderConn) handleRelease(ctx context.Context) {
	token := c.claimedToken()
	if token == "" {
		return
	}
	sess := c.reg.GetOrCreate(token)
	// A stale release from a connection that was already evicted must not
	// disturb the current owner.
	if !sess.dropProvider(ctx, c, "MCP session released") {
		return
	}

	c.log.InfoContext(ctx, "relay.release.ok", slog.String("token", auth.Redact(token)))
	if err := c.emit(ctx, releasedPayload{Topic: TopicReleased}); err != nil {
		c.log.WarnContext(ctx, "relay.release.reply.fail", slog.String("err", err.Error()))
	}
}

func (c *ProviderConn) handleRegister(ctx context.Context, msg *Message) {
	token := c.claimedToken()
	if token == "" {
		c.emitNotClaimed(ctx)
		return
	}
	sess := c.reg.GetOrCreate(token)
	count, ok := sess.registerTools(ctx, c, msg.Tools)
	if !ok {
		c.emitNotClaimed(ctx)
		return
	}

	c.log.InfoContext(ctx, "relay.register.ok",
		slog.String("token", auth.Redact(token)),
		slog.Int("count", count))
	if err := c.emit(ctx, registeredPayload{Topic: TopicRegistered, Count: count}); err != nil {
		c.log.WarnContext(ctx, "relay.register.reply.fail", slog.String("err", err.Error()))
	}
}

func (c *ProviderConn) handleToolResult(ctx context.Context, msg *Message) {
	token := c.claimedToken()
	if token == "" {
		return
	}
	sess := c.reg.GetOrCreate(token)
	if !sess.resolveResult(msg.ID, msg.Result, msg.Error) {
		// Already timed out, failed at eviction, or never issued.
		c.log.DebugContext(ctx, "relay.result.orphan", slog.String("call_id", msg.ID))
	}
}

// HandleDisconnect is the transport-level goodbye: same cleanup as an
// explicit release, but unconditional and without acknowledgment since the
// connection is gone.
func (c *ProviderConn) HandleDisconnect(ctx context.Context) {
	token := c.claimedToken()
	if token == "" {
		return
	}
	sess := c.reg.GetOrCreate(token)
	if sess.dropProvider(ctx, c, "Browser tab disconnected") {
		c.log.InfoContext(ctx, "relay.disconnect", slog.String("token", auth.Redact(token)))
	}
}

func (c *ProviderConn) emitNotClaimed(ctx context.Context) {
	if err := c.emit(ctx, errorPayload{Topic: TopicError, Error: "Not claimed"}); err != nil {
		c.log.WarnContext(ctx, "relay.register.reply.fail", slog.String("err", err.Error()))
	}
}
