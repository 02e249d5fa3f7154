package relay

import (
	"encoding/json"

	"github.com/xenote/mcp-relay/mcp"
)

// Topic values of the bidirectional channel sub-protocol. Every frame is a
// single "mcp" event whose payload is discriminated by topic.
const (
	// Inbound (browser tab → relay).
	TopicClaim      = "claim"
	TopicRelease    = "release"
	TopicRegister   = "register"
	TopicToolResult = "tool_result"

	// Outbound (relay → browser tab).
	TopicClaimed    = "claimed"
	TopicReleased   = "released"
	TopicRegistered = "registered"
	TopicError      = "error"
	TopicToolCall   = "tool_call"
)

// Message is an inbound frame from a provider connection.
type Message struct {
	Topic string `json:"topic"`

	// claim
	Token string `json:"token,omitempty"`

	// register
	Tools []mcp.Tool `json:"tools,omitempty"`

	// tool_result
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Outbound frame payloads. Each topic gets its own shape so acknowledgments
// never carry unrelated zero-valued fields.

type claimedPayload struct {
	Topic string `json:"topic"`
}

type releasedPayload struct {
	Topic  string `json:"topic"`
	Reason string `json:"reason,omitempty"`
}

type registeredPayload struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

type errorPayload struct {
	Topic string `json:"topic"`
	Error string `json:"error"`
}

type toolCallPayload struct {
	Topic     string          `json:"topic"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
