package agent

import (
	"strings"

	"github.com/nugget/stepwise/internal/prompts"
)

// Turn is one committed exchange: the directive the model emitted and
// the observation it was answered with.
type Turn struct {
	Directive   string `json:"directive"`
	Observation string `json:"observation"`
}

// Conversation is the per-run context sent to the model. It grows by one
// turn per dispatched directive and is rendered to a prompt only at the
// generation boundary.
type Conversation struct {
	systemPrompt string
	query        string
	turns        []Turn
}

// NewConversation starts a conversation with no turns.
func NewConversation(systemPrompt, query string) *Conversation {
	return &Conversation{systemPrompt: systemPrompt, query: query}
}

// Append commits a turn.
func (c *Conversation) Append(directive, observation string) {
	c.turns = append(c.turns, Turn{Directive: directive, Observation: observation})
}

// Len returns the number of committed turns.
func (c *Conversation) Len() int {
	return len(c.turns)
}

// Turns returns a copy of the committed turns.
func (c *Conversation) Turns() []Turn {
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Render returns the full prompt: system prompt, query, then every turn
// as "\nAssistant: {directive}\nUser: {observation}".
func (c *Conversation) Render() string {
	var b strings.Builder
	b.WriteString(prompts.RunPrompt(c.systemPrompt, c.query))
	for _, t := range c.turns {
		b.WriteString("\nAssistant: ")
		b.WriteString(t.Directive)
		b.WriteString("\nUser: ")
		b.WriteString(t.Observation)
	}
	return b.String()
}

// Reset drops all turns.
func (c *Conversation) Reset() {
	c.turns = nil
}
