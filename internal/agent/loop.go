// Package agent implements the directive loop: generate one directive,
// dispatch it to a tool, feed the observation back, and repeat until the
// model emits a result, fails, or runs out of iterations.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/stepwise/internal/config"
	"github.com/nugget/stepwise/internal/directive"
	"github.com/nugget/stepwise/internal/events"
	"github.com/nugget/stepwise/internal/llm"
	"github.com/nugget/stepwise/internal/prompts"
	"github.com/nugget/stepwise/internal/tools"
	"github.com/nugget/stepwise/internal/usage"
)

// Termination says why a run ended.
type Termination string

const (
	Completed              Termination = "completed"
	GenerationFailed       Termination = "generation_failed"
	ParseFailed            Termination = "parse_failed"
	UnknownDirective       Termination = "unknown_directive"
	UnknownTool            Termination = "unknown_tool"
	ToolFailed             Termination = "tool_failed"
	IterationLimitExceeded Termination = "iteration_limit_exceeded"
	Cancelled              Termination = "cancelled"
)

// ErrIterationLimit is the Outcome error when the iteration budget runs
// out before a result.
var ErrIterationLimit = errors.New("iteration limit exceeded")

// Outcome is the report of one run.
type Outcome struct {
	RunID      string
	Query      string
	Reason     Termination
	Iterations int
	Last       directive.Directive // last parsed directive, nil if none
	Err        error
	Transcript []Turn

	// CritiqueText is the raw evaluation reply; Critique is set when it
	// parsed as the rubric object. Both are empty unless Completed.
	CritiqueText string
	Critique     *prompts.Critique

	Elapsed time.Duration
}

// OK reports whether the run completed.
func (o *Outcome) OK() bool {
	return o.Reason == Completed
}

// MarshalJSON renders the outcome for machine consumers: the error as a
// string and the last directive as its source text.
func (o *Outcome) MarshalJSON() ([]byte, error) {
	type view struct {
		RunID        string            `json:"run_id"`
		Query        string            `json:"query"`
		Reason       Termination       `json:"reason"`
		Iterations   int               `json:"iterations"`
		Last         string            `json:"last_directive,omitempty"`
		Error        string            `json:"error,omitempty"`
		Transcript   []Turn            `json:"transcript"`
		CritiqueText string            `json:"critique_text,omitempty"`
		Critique     *prompts.Critique `json:"critique,omitempty"`
		ElapsedMS    int64             `json:"elapsed_ms"`
	}
	v := view{
		RunID:        o.RunID,
		Query:        o.Query,
		Reason:       o.Reason,
		Iterations:   o.Iterations,
		Transcript:   o.Transcript,
		CritiqueText: o.CritiqueText,
		Critique:     o.Critique,
		ElapsedMS:    o.Elapsed.Milliseconds(),
	}
	if v.Transcript == nil {
		v.Transcript = []Turn{}
	}
	if o.Last != nil {
		v.Last = o.Last.Raw()
	}
	if o.Err != nil {
		v.Error = o.Err.Error()
	}
	return json.Marshal(v)
}

// Config holds the loop's limits and model selection.
type Config struct {
	Model             string
	Provider          string // recorded in the usage ledger
	MaxIterations     int
	GenerationTimeout time.Duration
	GenerationRetries int
	RetryDelay        time.Duration
	LenientFields     bool
	EmailRecipient    string
	Dispatch          DispatcherConfig
}

// UsageRecorder persists token usage and run outcomes. *usage.Store
// satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
	RecordRun(ctx context.Context, run usage.Run) error
}

// Loop runs the directive loop against one tool server. A Loop holds no
// per-run state; every Run starts from an empty conversation.
type Loop struct {
	cfg          Config
	client       llm.Client
	registry     *tools.Registry
	dispatcher   *Dispatcher
	systemPrompt string
	logger       *slog.Logger

	evaluator    *Evaluator
	evalProvider string
	events       *events.Bus
	usage        UsageRecorder
	pricing      map[string]config.PricingEntry
	now          func() time.Time
	newRunID     func() string
	parseOptions []directive.Option
}

// NewLoop creates a loop over the tools in registry. The system prompt
// is rendered once from the registry listing.
func NewLoop(cfg Config, client llm.Client, registry *tools.Registry, invoker tools.Invoker, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		cfg:          cfg,
		client:       client,
		registry:     registry,
		dispatcher:   NewDispatcher(registry, invoker, cfg.Dispatch, logger),
		systemPrompt: prompts.SystemPrompt(registry.Describe(), cfg.EmailRecipient),
		logger:       logger,
		now:          time.Now,
		newRunID:     newRunID,
	}
	if cfg.LenientFields {
		l.parseOptions = append(l.parseOptions, directive.Lenient())
	}
	return l
}

// SetEvaluator enables the terminal prompt evaluation. provider is
// recorded in the usage ledger.
func (l *Loop) SetEvaluator(ev *Evaluator, provider string) {
	l.evaluator = ev
	l.evalProvider = provider
}

// SetEventBus publishes run events to bus.
func (l *Loop) SetEventBus(bus *events.Bus) {
	l.events = bus
}

// SetUsageRecorder records per-call token usage and run outcomes.
func (l *Loop) SetUsageRecorder(rec UsageRecorder, pricing map[string]config.PricingEntry) {
	l.usage = rec
	l.pricing = pricing
}

// SystemPrompt returns the rendered system prompt.
func (l *Loop) SystemPrompt() string {
	return l.systemPrompt
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// loopState is the per-run cursor.
type loopState struct {
	iteration int
	last      directive.Directive
}

// Run executes one run for query and always returns an Outcome. Errors
// are reported in Outcome.Err, classified by Outcome.Reason.
func (l *Loop) Run(ctx context.Context, query string) *Outcome {
	start := l.now()
	out := &Outcome{RunID: l.newRunID(), Query: query}
	log := l.logger.With("run_id", out.RunID)

	conv := NewConversation(l.systemPrompt, query)
	var st loopState

	log.Info("run started", "model", l.cfg.Model, "max_iterations", l.cfg.MaxIterations, "tools", l.registry.Len())
	l.emit(events.SourceLoop, events.KindRunStart, out.RunID, map[string]any{
		"model":          l.cfg.Model,
		"max_iterations": l.cfg.MaxIterations,
		"tools":          l.registry.Names(),
	})

	out.Reason, out.Err = l.iterate(ctx, log, out, conv, &st)

	out.Iterations = st.iteration
	out.Last = st.last
	out.Transcript = conv.Turns()
	out.Elapsed = l.now().Sub(start)
	conv.Reset()

	l.finish(ctx, log, out, start)
	return out
}

func (l *Loop) iterate(ctx context.Context, log *slog.Logger, out *Outcome, conv *Conversation, st *loopState) (Termination, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Cancelled, err
		}
		if st.iteration >= l.cfg.MaxIterations {
			return IterationLimitExceeded, fmt.Errorf("%w: %d iterations without a result", ErrIterationLimit, st.iteration)
		}
		iter := st.iteration + 1
		ilog := log.With("iter", iter)

		resp, err := l.generate(ctx, ilog, out.RunID, iter, conv.Render())
		if err != nil {
			if ctx.Err() != nil {
				return Cancelled, ctx.Err()
			}
			return GenerationFailed, fmt.Errorf("generate iteration %d: %w", iter, err)
		}

		raw := resp.Message.Content
		d, err := directive.Parse(raw, l.registry, l.parseOptions...)
		if err != nil {
			ilog.Warn("unparseable directive", "error", err, "output", raw)
			if errors.Is(err, directive.ErrUnknownDirective) {
				return UnknownDirective, err
			}
			return ParseFailed, err
		}

		st.iteration = iter
		st.last = d
		ilog.Info("directive", "kind", d.Kind().String(), "name", d.Name())
		l.emit(events.SourceLoop, events.KindDirective, out.RunID, map[string]any{
			"iter": iter,
			"kind": d.Kind().String(),
			"name": d.Name(),
		})

		if directive.IsTerminal(d) {
			l.evaluate(ctx, log, out)
			return Completed, nil
		}

		obs, err := l.dispatch(ctx, ilog, out.RunID, iter, d)
		if err != nil {
			var unavailable *tools.ErrToolUnavailable
			switch {
			case errors.As(err, &unavailable):
				return UnknownTool, err
			case ctx.Err() != nil:
				return Cancelled, ctx.Err()
			default:
				return ToolFailed, err
			}
		}
		conv.Append(d.Raw(), obs)
	}
}

func (l *Loop) generate(ctx context.Context, log *slog.Logger, runID string, iter int, prompt string) (*llm.ChatResponse, error) {
	log.Log(ctx, config.LevelTrace, "generation prompt", "prompt", prompt)

	var resp *llm.ChatResponse
	attempts, err := retry(ctx, l.cfg.GenerationRetries, l.cfg.RetryDelay, func(ctx context.Context) error {
		l.emit(events.SourceLoop, events.KindGeneration, runID, map[string]any{"iter": iter, "model": l.cfg.Model})
		started := l.now()

		r, err := llm.Generate(ctx, l.client, l.cfg.Model, prompt, l.cfg.GenerationTimeout)

		data := map[string]any{
			"iter":       iter,
			"model":      l.cfg.Model,
			"elapsed_ms": l.now().Sub(started).Milliseconds(),
			"ok":         err == nil,
		}
		if r != nil {
			data["tokens_in"] = r.InputTokens
			data["tokens_out"] = r.OutputTokens
			l.recordUsage(ctx, log, runID, iter, usage.RoleLoop, l.cfg.Model, l.cfg.Provider, r)
		}
		l.emit(events.SourceLoop, events.KindGenerationDone, runID, data)

		if err != nil {
			log.Warn("generation failed", "error", err)
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug("generation complete", "attempts", attempts, "tokens_in", resp.InputTokens, "tokens_out", resp.OutputTokens)
	log.Log(ctx, config.LevelTrace, "model output", "content", resp.Message.Content)
	return resp, nil
}

func (l *Loop) dispatch(ctx context.Context, log *slog.Logger, runID string, iter int, d directive.Directive) (string, error) {
	l.emit(events.SourceDispatch, events.KindToolCall, runID, map[string]any{"iter": iter, "tool": d.Name()})
	started := l.now()

	obs, err := l.dispatcher.Dispatch(ctx, d)

	data := map[string]any{
		"iter":       iter,
		"tool":       d.Name(),
		"ok":         err == nil,
		"elapsed_ms": l.now().Sub(started).Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
		log.Warn("dispatch failed", "tool", d.Name(), "error", err)
	} else {
		log.Debug("observation", "tool", d.Name(), "observation", obs)
	}
	l.emit(events.SourceDispatch, events.KindToolDone, runID, data)
	return obs, err
}

func (l *Loop) evaluate(ctx context.Context, log *slog.Logger, out *Outcome) {
	if l.evaluator == nil {
		return
	}
	ev := l.evaluator.Evaluate(ctx, l.systemPrompt)
	if ev.Response != nil {
		l.recordUsage(ctx, log, out.RunID, 0, usage.RoleEvaluation, l.evaluator.Model(), l.evalProvider, ev.Response)
	}
	out.CritiqueText = ev.Text
	out.Critique = ev.Critique

	data := map[string]any{"ok": ev.Err == nil}
	if ev.Critique != nil {
		data["score"] = ev.Critique.Score()
	}
	l.emit(events.SourceEvaluation, events.KindEvaluated, out.RunID, data)
}

func (l *Loop) recordUsage(ctx context.Context, log *slog.Logger, runID string, iter int, role, model, provider string, r *llm.ChatResponse) {
	if l.usage == nil {
		return
	}
	// Usage is accounting; a cancelled run still records what it spent.
	ctx = context.WithoutCancel(ctx)
	err := l.usage.Record(ctx, usage.Record{
		RunID:        runID,
		Iteration:    iter,
		Model:        model,
		Provider:     provider,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		CostUSD:      usage.ComputeCost(model, r.InputTokens, r.OutputTokens, l.pricing),
		Role:         role,
	})
	if err != nil {
		log.Warn("usage record failed", "error", err)
	}
}

func (l *Loop) finish(ctx context.Context, log *slog.Logger, out *Outcome, start time.Time) {
	attrs := []any{
		"reason", string(out.Reason),
		"iterations", out.Iterations,
		"elapsed", out.Elapsed.Round(time.Millisecond),
	}
	if out.Err != nil {
		attrs = append(attrs, "error", out.Err)
	}
	if out.OK() {
		log.Info("run finished", attrs...)
	} else {
		log.Warn("run finished", attrs...)
	}

	data := map[string]any{
		"reason":     string(out.Reason),
		"iterations": out.Iterations,
		"elapsed_ms": out.Elapsed.Milliseconds(),
	}
	if out.Err != nil {
		data["error"] = out.Err.Error()
	}
	l.emit(events.SourceLoop, events.KindRunComplete, out.RunID, data)

	if l.usage == nil {
		return
	}
	run := usage.Run{
		ID:         out.RunID,
		Started:    start,
		Query:      out.Query,
		Reason:     string(out.Reason),
		Iterations: out.Iterations,
		Elapsed:    out.Elapsed,
		Score:      -1,
	}
	if out.Critique != nil {
		run.Score = out.Critique.Score()
	}
	if out.Err != nil {
		run.Error = out.Err.Error()
	}
	if err := l.usage.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		log.Warn("run record failed", "error", err)
	}
}

// emit publishes an event tagged with the run ID.
func (l *Loop) emit(source, kind, runID string, data map[string]any) {
	if l.events == nil {
		return
	}
	data["run_id"] = runID
	l.events.Emit(source, kind, data)
}
