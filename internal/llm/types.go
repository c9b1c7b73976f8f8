package llm

import "time"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the unified response from any LLM provider.
// Wire format conversion happens at provider boundaries.
type ChatResponse struct {
	Model   string
	Message Message

	// Token usage (provider-neutral). Zero when the provider does not
	// report it.
	InputTokens  int
	OutputTokens int

	// TotalDuration is the provider-reported generation time, when
	// available.
	TotalDuration time.Duration
}
