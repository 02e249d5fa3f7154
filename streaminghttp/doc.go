// Package streaminghttp exposes relay sessions over the MCP streamable
// HTTP transport.
//
// POST /mcp carries the JSON-RPC exchange: an initialize request without a
// session header mints a new connection (identified by the Mcp-Session-Id
// response header); subsequent requests present that header and are routed
// to the same relay session. Request responses are returned as plain JSON
// bodies. GET /mcp opens a server-sent event stream on which the relay
// pushes tools/list_changed notifications, and DELETE /mcp tears the
// connection down.
//
// Authentication is bearer-token based. Failures answer with RFC 6750
// WWW-Authenticate challenges pointing at the protected resource metadata
// document, which is what lets MCP clients bootstrap the OAuth flow
// against the relay's authorization broker.
package streaminghttp
