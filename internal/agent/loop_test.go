package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nugget/stepwise/internal/directive"
	"github.com/nugget/stepwise/internal/events"
	"github.com/nugget/stepwise/internal/llm"
	"github.com/nugget/stepwise/internal/tools"
	"github.com/nugget/stepwise/internal/usage"
)

func testConfig() Config {
	return Config{
		Model:             "test-model",
		Provider:          "test",
		MaxIterations:     6,
		GenerationTimeout: time.Second,
		Dispatch:          DispatcherConfig{Timeout: time.Second},
	}
}

func buildTestLoop(cfg Config, client llm.Client, invoker tools.Invoker) *Loop {
	l := NewLoop(cfg, client, paintRegistry(), invoker, discardLogger())
	l.SetEvaluator(NewEvaluator(client, "eval-model", time.Second, discardLogger()), "test")
	l.newRunID = func() string { return "run-test" }
	return l
}

const (
	reasonLine = `FUNCTION_CALL: {"name":"show_reasoning","reasoning_type":"arithmetic","steps":["1. add","2. divide"]}`
	calcLine   = `FUNCTION_CALL: {"name":"calculate","expression":"10+2"}`
	verifyLine = `FUNCTION_CALL: {"name":"verify_calculation","expression":"10+2","expected":"12"}`
	resultLine = `FINAL_ANSWER: {"name":"result","status":"completed"}`
)

func TestRun_EchoCalculateAppendsOneTurn(t *testing.T) {
	llmc := &scriptedLLM{script: []string{calcLine, resultLine}, evalReply: goodCritique}
	tl := &fakeTools{}
	l := buildTestLoop(testConfig(), llmc, tl)

	out := l.Run(context.Background(), "what is 10+2")

	if out.Reason != Completed {
		t.Fatalf("Reason = %s (err %v), want completed", out.Reason, out.Err)
	}
	if len(out.Transcript) != 1 {
		t.Fatalf("transcript has %d turns, want 1", len(out.Transcript))
	}
	turn := out.Transcript[0]
	if turn.Observation != "Result is 10+2. Next step?" {
		t.Errorf("observation = %q", turn.Observation)
	}
	if turn.Directive != `{"name":"calculate","expression":"10+2"}` {
		t.Errorf("directive = %q", turn.Directive)
	}

	if len(tl.calls) != 1 || tl.calls[0].name != "calculate" || tl.calls[0].args["expression"] != "10+2" {
		t.Errorf("tool calls = %+v", tl.calls)
	}

	// The second prompt carries the committed turn.
	if len(llmc.prompts) != 2 {
		t.Fatalf("loop made %d generation calls, want 2", len(llmc.prompts))
	}
	wantTail := "\nAssistant: {\"name\":\"calculate\",\"expression\":\"10+2\"}\nUser: Result is 10+2. Next step?"
	if !strings.HasSuffix(llmc.prompts[1], wantTail) {
		t.Errorf("second prompt tail = %q", llmc.prompts[1][len(llmc.prompts[1])-80:])
	}
	if !strings.HasSuffix(llmc.prompts[0], "\n\nQuery: what is 10+2") {
		t.Error("first prompt does not end with the query")
	}
}

func TestRun_ResultOnThirdIteration(t *testing.T) {
	llmc := &scriptedLLM{script: []string{reasonLine, calcLine, resultLine}, evalReply: goodCritique}
	ledger := &memLedger{}
	l := buildTestLoop(testConfig(), llmc, &fakeTools{})
	l.SetUsageRecorder(ledger, nil)

	out := l.Run(context.Background(), "q")

	if out.Reason != Completed || out.Err != nil {
		t.Fatalf("Reason = %s, Err = %v; want completed", out.Reason, out.Err)
	}
	if out.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", out.Iterations)
	}
	if llmc.evalCalls != 1 {
		t.Errorf("evaluation calls = %d, want exactly 1", llmc.evalCalls)
	}
	if _, ok := out.Last.(*directive.Result); !ok {
		t.Errorf("Last = %T, want *directive.Result", out.Last)
	}
	if len(out.Transcript) != 2 {
		t.Errorf("transcript has %d turns, want 2", len(out.Transcript))
	}
	if out.Transcript[0].Observation != "Next step?" {
		t.Errorf("reasoning observation = %q", out.Transcript[0].Observation)
	}
	if out.Critique == nil || out.Critique.Score() != 7 || out.CritiqueText != goodCritique {
		t.Errorf("critique = %+v, text %q", out.Critique, out.CritiqueText)
	}
	if out.RunID != "run-test" {
		t.Errorf("RunID = %q", out.RunID)
	}

	// Three loop calls plus one evaluation call, one run row.
	if len(ledger.records) != 4 {
		t.Fatalf("usage records = %d, want 4", len(ledger.records))
	}
	last := ledger.records[3]
	if last.Role != usage.RoleEvaluation || last.Model != "eval-model" || last.Iteration != 0 {
		t.Errorf("evaluation record = %+v", last)
	}
	if ledger.records[2].Role != usage.RoleLoop || ledger.records[2].Iteration != 3 {
		t.Errorf("third loop record = %+v", ledger.records[2])
	}
	if len(ledger.runs) != 1 || ledger.runs[0].Reason != "completed" || ledger.runs[0].Score != 7 {
		t.Errorf("run rows = %+v", ledger.runs)
	}
}

func TestRun_IterationLimit(t *testing.T) {
	script := make([]string, 10)
	for i := range script {
		script[i] = calcLine
	}
	llmc := &scriptedLLM{script: script}
	tl := &fakeTools{}
	cfg := testConfig()
	cfg.MaxIterations = 5
	l := buildTestLoop(cfg, llmc, tl)

	out := l.Run(context.Background(), "q")

	if out.Reason != IterationLimitExceeded {
		t.Fatalf("Reason = %s, want iteration_limit_exceeded", out.Reason)
	}
	if !errors.Is(out.Err, ErrIterationLimit) {
		t.Errorf("Err = %v, want ErrIterationLimit", out.Err)
	}
	if len(tl.calls) != 5 {
		t.Errorf("dispatches = %d, want exactly 5", len(tl.calls))
	}
	if out.Iterations != 5 || len(out.Transcript) != 5 {
		t.Errorf("Iterations = %d, turns = %d; want 5, 5", out.Iterations, len(out.Transcript))
	}
	if llmc.evalCalls != 0 {
		t.Errorf("evaluation ran %d times on a failed run", llmc.evalCalls)
	}
}

func TestRun_HungGenerationFails(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	llmc := &scriptedLLM{script: []string{calcLine, hang}, release: release}
	cfg := testConfig()
	cfg.GenerationTimeout = 50 * time.Millisecond
	l := buildTestLoop(cfg, llmc, &fakeTools{})

	start := time.Now()
	out := l.Run(context.Background(), "q")

	if out.Reason != GenerationFailed {
		t.Fatalf("Reason = %s (err %v), want generation_failed", out.Reason, out.Err)
	}
	if !errors.Is(out.Err, llm.ErrTimeout) {
		t.Errorf("Err = %v, want llm.ErrTimeout", out.Err)
	}
	if len(out.Transcript) != 1 {
		t.Errorf("transcript has %d turns, want the 1 committed before the hang", len(out.Transcript))
	}
	if out.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", out.Iterations)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("hung generation held the loop past its deadline")
	}
}

func TestRun_Terminations(t *testing.T) {
	tests := []struct {
		name    string
		script  []string
		toolErr map[string]error
		want    Termination
		wantErr error
	}{
		{
			name:    "empty output",
			script:  []string{"   "},
			want:    GenerationFailed,
			wantErr: llm.ErrEmptyResponse,
		},
		{
			name:    "malformed json",
			script:  []string{"FUNCTION_CALL: {not json"},
			want:    ParseFailed,
			wantErr: directive.ErrMalformedJSON,
		},
		{
			name:    "missing field",
			script:  []string{`FUNCTION_CALL: {"name":"calculate"}`},
			want:    ParseFailed,
			wantErr: directive.ErrMissingField,
		},
		{
			name:    "unknown name",
			script:  []string{`FUNCTION_CALL: {"name":"bogus_tool"}`},
			want:    UnknownDirective,
			wantErr: directive.ErrUnknownDirective,
		},
		{
			name:    "tool failure",
			script:  []string{calcLine},
			toolErr: map[string]error{"calculate": errors.New("division by zero")},
			want:    ToolFailed,
		},
		{
			name:    "generation error",
			script:  nil,
			want:    GenerationFailed,
			wantErr: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llmc := &scriptedLLM{script: tt.script}
			l := buildTestLoop(testConfig(), llmc, &fakeTools{errs: tt.toolErr})

			out := l.Run(context.Background(), "q")
			if out.Reason != tt.want {
				t.Fatalf("Reason = %s (err %v), want %s", out.Reason, out.Err, tt.want)
			}
			if out.Err == nil {
				t.Error("Err = nil on a failed run")
			}
			if tt.wantErr != nil && !errors.Is(out.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", out.Err, tt.wantErr)
			}
			if len(out.Transcript) != 0 {
				t.Errorf("transcript = %+v, want empty", out.Transcript)
			}
		})
	}
}

func TestRun_ToolFailureIsToolInvocationError(t *testing.T) {
	llmc := &scriptedLLM{script: []string{calcLine}}
	l := buildTestLoop(testConfig(), llmc, &fakeTools{errs: map[string]error{"calculate": errors.New("boom")}})

	out := l.Run(context.Background(), "q")
	var tie *ToolInvocationError
	if !errors.As(out.Err, &tie) || tie.Tool != "calculate" {
		t.Fatalf("Err = %v, want *ToolInvocationError for calculate", out.Err)
	}
}

func TestRun_UnknownTool(t *testing.T) {
	// The registry lacks calculate, but the invoker would accept it.
	reg := tools.NewRegistry(tools.Descriptor{Name: "show_reasoning"})
	l := NewLoop(testConfig(), &scriptedLLM{script: []string{calcLine}}, reg, &fakeTools{}, discardLogger())
	out := l.Run(context.Background(), "q")
	// A fixed-kind name missing from the registry fails at parse time.
	if out.Reason != UnknownDirective {
		t.Fatalf("Reason = %s, want unknown_directive", out.Reason)
	}

	// Dispatching directly reports the capability mismatch.
	d, err := directive.Parse(calcLine, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = l.dispatcher.Dispatch(context.Background(), d)
	var unavailable *tools.ErrToolUnavailable
	if !errors.As(err, &unavailable) || unavailable.ToolName != "calculate" {
		t.Errorf("Dispatch err = %v, want ErrToolUnavailable", err)
	}
}

func TestRun_CancelledParent(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	llmc := &scriptedLLM{script: []string{hang}, release: release}
	cfg := testConfig()
	cfg.GenerationTimeout = 10 * time.Second
	l := buildTestLoop(cfg, llmc, &fakeTools{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	out := l.Run(ctx, "q")
	if out.Reason != Cancelled {
		t.Fatalf("Reason = %s (err %v), want cancelled", out.Reason, out.Err)
	}
	if !errors.Is(out.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", out.Err)
	}
}

func TestRun_EvaluationFailureDoesNotFailRun(t *testing.T) {
	llmc := &scriptedLLM{script: []string{resultLine}, evalErr: errors.New("quota exceeded")}
	l := buildTestLoop(testConfig(), llmc, &fakeTools{})

	out := l.Run(context.Background(), "q")
	if out.Reason != Completed || out.Err != nil {
		t.Fatalf("Reason = %s, Err = %v; want completed", out.Reason, out.Err)
	}
	if out.Critique != nil || out.CritiqueText != "" {
		t.Errorf("critique = %+v / %q, want empty", out.Critique, out.CritiqueText)
	}
	if llmc.evalCalls != 1 {
		t.Errorf("evaluation calls = %d, want 1 (never retried)", llmc.evalCalls)
	}
}

func TestRun_GenerationRetries(t *testing.T) {
	llmc := &scriptedLLM{script: []string{"", resultLine}}
	cfg := testConfig()
	cfg.GenerationRetries = 1
	cfg.RetryDelay = time.Millisecond
	l := buildTestLoop(cfg, llmc, &fakeTools{})

	out := l.Run(context.Background(), "q")
	if out.Reason != Completed {
		t.Fatalf("Reason = %s (err %v), want completed after one retry", out.Reason, out.Err)
	}
	if out.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1 (retries do not count)", out.Iterations)
	}
	if llmc.loopCalls() != 2 {
		t.Errorf("generation calls = %d, want 2", llmc.loopCalls())
	}
}

func TestRun_LenientFields(t *testing.T) {
	llmc := &scriptedLLM{script: []string{`FUNCTION_CALL: {"name":"calculate"}`, resultLine}}
	cfg := testConfig()
	cfg.LenientFields = true
	tl := &fakeTools{}
	l := buildTestLoop(cfg, llmc, tl)

	out := l.Run(context.Background(), "q")
	if out.Reason != Completed {
		t.Fatalf("Reason = %s (err %v), want completed", out.Reason, out.Err)
	}
	if len(tl.calls) != 1 || tl.calls[0].args["expression"] != "" {
		t.Errorf("tool calls = %+v, want calculate with empty expression", tl.calls)
	}
}

func TestRun_StateResetBetweenRuns(t *testing.T) {
	llmc := &scriptedLLM{script: []string{calcLine, resultLine, resultLine}}
	l := buildTestLoop(testConfig(), llmc, &fakeTools{})

	first := l.Run(context.Background(), "q1")
	second := l.Run(context.Background(), "q2")

	if len(first.Transcript) != 1 || len(second.Transcript) != 0 {
		t.Errorf("transcripts = %d, %d turns; want 1, 0", len(first.Transcript), len(second.Transcript))
	}
	if second.Iterations != 1 {
		t.Errorf("second run Iterations = %d, want 1", second.Iterations)
	}
	if strings.Contains(llmc.prompts[2], "Assistant:") {
		t.Error("second run prompt carries turns from the first run")
	}
}

func TestRun_PublishesEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	llmc := &scriptedLLM{script: []string{calcLine, resultLine}, evalReply: goodCritique}
	l := buildTestLoop(testConfig(), llmc, &fakeTools{})
	l.SetEventBus(bus)

	l.Run(context.Background(), "q")

	want := []string{
		events.KindRunStart,
		events.KindGeneration, events.KindGenerationDone, events.KindDirective,
		events.KindToolCall, events.KindToolDone,
		events.KindGeneration, events.KindGenerationDone, events.KindDirective,
		events.KindEvaluated,
		events.KindRunComplete,
	}
	for i, kind := range want {
		select {
		case e := <-ch:
			if e.Kind != kind {
				t.Fatalf("event[%d] = %s, want %s", i, e.Kind, kind)
			}
			if e.RunID() != "run-test" {
				t.Errorf("event[%d] run_id = %q", i, e.RunID())
			}
		default:
			t.Fatalf("event[%d] missing, want %s", i, kind)
		}
	}
}

func TestOutcome_MarshalJSON(t *testing.T) {
	llmc := &scriptedLLM{script: []string{`FUNCTION_CALL: {"name":"bogus"}`}}
	l := buildTestLoop(testConfig(), llmc, &fakeTools{})
	out := l.Run(context.Background(), "q")

	b, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["reason"] != "unknown_directive" || got["run_id"] != "run-test" {
		t.Errorf("json = %s", b)
	}
	if msg, _ := got["error"].(string); !strings.Contains(msg, "bogus") {
		t.Errorf("error = %v", got["error"])
	}
	if tr, ok := got["transcript"].([]any); !ok || len(tr) != 0 {
		t.Errorf("transcript = %v, want empty array", got["transcript"])
	}
}
