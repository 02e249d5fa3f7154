// Package relay implements the core of the MCP relay: a process-wide
// registry of bearer-token sessions, each binding at most one browser-side
// tool provider to any number of MCP client connections.
//
// A Session is created lazily on first reference to its token and lives
// for the process lifetime. Browser tabs claim a session over the
// bidirectional channel and register the tools they can execute; MCP
// clients list those tools and invoke them. An invocation is forwarded to
// the claimed provider as a tool_call event and the caller blocks until
// the provider answers with a matching tool_result or the per-call
// deadline fires; whichever happens first wins, exactly once.
//
// Ownership arbitration is last-claimer-wins: a new claim evicts the
// previous tab (it is told why), fails its in-flight calls, and clears the
// registered tool list. Release and disconnect perform the same cleanup so
// no pending call can outlive its provider.
package relay
