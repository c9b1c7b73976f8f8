package mcp

import "context"

// Transport carries JSON-RPC messages to one MCP server. Implementations
// own framing, encoding and request/response correlation.
type Transport interface {
	// Send delivers a request and waits for the response with the
	// matching ID, or until ctx is done.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify delivers a notification. No response is expected.
	Notify(ctx context.Context, notif *Notification) error

	// Close releases the transport. For stdio this stops the subprocess.
	Close() error
}

// restartCounter is implemented by transports that replace the server
// process after a failure. Restarts changes each time the server behind
// the transport is discarded, so a client knows its handshake is stale.
type restartCounter interface {
	Restarts() uint64
}
