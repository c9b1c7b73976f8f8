package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/nugget/stepwise/internal/llm"
	"github.com/nugget/stepwise/internal/tools"
	"github.com/nugget/stepwise/internal/usage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// hang is a scripted reply that blocks until the test releases it.
const hang = "\x00hang"

// scriptedLLM replies to loop prompts from a script, and to evaluation
// prompts with evalReply. Every call is recorded.
type scriptedLLM struct {
	mu        sync.Mutex
	script    []string
	next      int
	evalReply string
	evalErr   error
	release   chan struct{}

	prompts   []string
	evalCalls int
}

func (s *scriptedLLM) Chat(ctx context.Context, model string, messages []llm.Message) (*llm.ChatResponse, error) {
	prompt := messages[len(messages)-1].Content

	s.mu.Lock()
	if strings.HasPrefix(prompt, "You are a Prompt Evaluation Assistant.") {
		s.evalCalls++
		reply, err := s.evalReply, s.evalErr
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return &llm.ChatResponse{Model: model, Message: llm.Message{Role: llm.RoleAssistant, Content: reply}, InputTokens: 50, OutputTokens: 20}, nil
	}

	s.prompts = append(s.prompts, prompt)
	if s.next >= len(s.script) {
		s.mu.Unlock()
		return nil, errors.New("script exhausted")
	}
	reply := s.script[s.next]
	s.next++
	release := s.release
	s.mu.Unlock()

	if reply == hang {
		<-release
		return nil, errors.New("released")
	}
	return &llm.ChatResponse{Model: model, Message: llm.Message{Role: llm.RoleAssistant, Content: reply}, InputTokens: 10, OutputTokens: 5}, nil
}

func (s *scriptedLLM) Ping(context.Context) error { return nil }

func (s *scriptedLLM) loopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

// call is one recorded tool invocation.
type call struct {
	name string
	args map[string]any
}

// fakeTools echoes arguments back unless a reply or error is set for the
// tool.
type fakeTools struct {
	mu      sync.Mutex
	calls   []call
	replies map[string]string
	errs    map[string]error
}

func (f *fakeTools) Invoke(ctx context.Context, name string, args map[string]any) (*tools.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, args: args})
	reply, hasReply := f.replies[name]
	err := f.errs[name]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if hasReply {
		return &tools.Result{Blocks: []string{reply}}, nil
	}
	if expr, ok := args["expression"].(string); ok {
		return &tools.Result{Blocks: []string{expr}}, nil
	}
	return &tools.Result{Blocks: []string{"ok"}}, nil
}

// paintRegistry advertises the tools of the paint math server.
func paintRegistry() *tools.Registry {
	str := func(names ...string) []tools.Param {
		var ps []tools.Param
		for _, n := range names {
			ps = append(ps, tools.Param{Name: n, Type: "string"})
		}
		return ps
	}
	ints := []tools.Param{{Name: "x1", Type: "integer"}, {Name: "y1", Type: "integer"}, {Name: "x2", Type: "integer"}, {Name: "y2", Type: "integer"}}
	return tools.NewRegistry(
		tools.Descriptor{Name: "show_reasoning", Params: []tools.Param{{Name: "steps", Type: "array"}}, Description: "Show reasoning steps"},
		tools.Descriptor{Name: "calculate", Params: str("expression"), Description: "Evaluate an expression"},
		tools.Descriptor{Name: "verify_calculation", Params: str("expression", "expected"), Description: "Verify a result"},
		tools.Descriptor{Name: "open_paint", Description: "Open Paint"},
		tools.Descriptor{Name: "verify_method_response", Params: str("response"), Description: "Verify a response"},
		tools.Descriptor{Name: "draw_rectangle_in_paint", Params: ints, Description: "Draw a rectangle"},
		tools.Descriptor{Name: "add_text_in_rectangle", Params: append(append([]tools.Param{}, ints...), tools.Param{Name: "text", Type: "string"}), Description: "Add text"},
		tools.Descriptor{Name: "send_email", Params: str("email", "agent", "result"), Description: "Send the result"},
	)
}

// memLedger is an in-memory UsageRecorder.
type memLedger struct {
	mu      sync.Mutex
	records []usage.Record
	runs    []usage.Run
}

func (m *memLedger) Record(_ context.Context, rec usage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memLedger) RecordRun(_ context.Context, run usage.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

const goodCritique = `{"explicit_reasoning":true,"structured_output":true,"tool_separation":true,` +
	`"conversation_loop":true,"instructional_framing":true,"internal_self_checks":true,` +
	`"reasoning_type_awareness":true,"fallbacks":false,"overall_clarity":"solid"}`
