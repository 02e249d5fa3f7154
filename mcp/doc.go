// Package mcp contains the Model Context Protocol wire types the relay
// speaks. The relay only ever serves the tools surface of the protocol, so
// this is the tools/initialize subset rather than the full schema. Tool
// input schemas are carried verbatim as raw JSON: the relay never inspects
// or validates them, it only ferries them from the registering browser tab
// to listing clients.
package mcp
