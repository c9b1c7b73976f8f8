package agent

import (
	"strings"
	"testing"
)

func TestConversation_Render(t *testing.T) {
	c := NewConversation("SYSTEM", "find the sum")

	if got, want := c.Render(), "SYSTEM\n\nQuery: find the sum"; got != want {
		t.Fatalf("Render() = %q, want %q", got, want)
	}

	c.Append(`{"name":"calculate","expression":"1+1"}`, "Result is 2. Next step?")
	c.Append(`{"name":"open_paint"}`, "Paint opened, Next step?")

	want := "SYSTEM\n\nQuery: find the sum" +
		"\nAssistant: {\"name\":\"calculate\",\"expression\":\"1+1\"}\nUser: Result is 2. Next step?" +
		"\nAssistant: {\"name\":\"open_paint\"}\nUser: Paint opened, Next step?"
	if got := c.Render(); got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestConversation_TurnsIsACopy(t *testing.T) {
	c := NewConversation("s", "q")
	c.Append("d", "o")

	turns := c.Turns()
	turns[0].Observation = "changed"

	if !strings.HasSuffix(c.Render(), "User: o") {
		t.Error("mutating Turns() changed the conversation")
	}
}

func TestConversation_Reset(t *testing.T) {
	c := NewConversation("s", "q")
	c.Append("d", "o")
	c.Reset()

	if c.Len() != 0 {
		t.Errorf("Len() after Reset = %d", c.Len())
	}
	if got := c.Render(); got != "s\n\nQuery: q" {
		t.Errorf("Render() after Reset = %q", got)
	}
}
