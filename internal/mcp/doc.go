// Package mcp implements the client side of the Model Context Protocol,
// which Stepwise uses to reach the tool server that evaluates
// expressions, verifies results, drives the paint canvas and sends
// notifications.
//
// MCP is JSON-RPC 2.0 over one of two transports: a stdio subprocess
// (newline-delimited frames) or streamable HTTP. The client performs the
// initialize handshake, discovers tools via tools/list and invokes them
// via tools/call. [BuildRegistry] snapshots the discovered tools into a
// [tools.Registry] and [Invoker] adapts the client to [tools.Invoker].
package mcp
