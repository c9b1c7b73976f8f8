package tools

import "fmt"

// ErrToolUnavailable is returned when a directive targets a tool that
// the server did not advertise at startup. It is a capability mismatch
// rather than a transient failure, so callers end the run instead of
// retrying.
// A non-empty Reason means the tool exists but cannot take the call.
type ErrToolUnavailable struct {
	ToolName string
	Reason   string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("tool %q cannot be called: %s", e.ToolName, e.Reason)
	}
	return fmt.Sprintf("tool %q is not available on the tool server", e.ToolName)
}
