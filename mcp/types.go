package mcp

import "encoding/json"

// LatestProtocolVersion is the most recent protocol revision the relay
// understands.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions lists the revisions a client may negotiate.
var SupportedProtocolVersions = []string{"2024-11-05", "2025-03-26", "2025-06-18"}

// ImplementationInfo describes an implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// Tool describes a callable tool and its input schema. The schema is opaque
// to the relay and returned to listing clients exactly as registered.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ContentBlock is a typed content part of a tool result. The relay only
// ever produces text blocks.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitzero"`
}

// CallToolResult represents a tool invocation result.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitzero"`
}

// ClientCapabilities advertises client features. The relay records but does
// not act on them.
type ClientCapabilities struct {
	Roots *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"roots,omitempty"`
	Sampling    *struct{} `json:"sampling,omitempty"`
	Elicitation *struct{} `json:"elicitation,omitempty"`
}

// ServerCapabilities advertises server features.
type ServerCapabilities struct {
	Tools *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"tools,omitempty"`
}

// ToolsCapability returns the capability set the relay advertises: tools
// with list-changed notifications, nothing else.
func ToolsCapability() ServerCapabilities {
	return ServerCapabilities{
		Tools: &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true},
	}
}
